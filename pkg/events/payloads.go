package events

// Payload constructors keep event data shapes consistent across producers.
// Field names here are wire-visible (spec'd under the HTTP projection).

// PhaseChange reports a state machine transition.
func PhaseChange(project, from, to string, iteration int) Event {
	return New(TypePhaseChange, map[string]any{
		"project":   project,
		"from":      from,
		"to":        to,
		"iteration": iteration,
	})
}

// IterationUpdate reports the loop entering a new iteration.
func IterationUpdate(project string, iteration, maxIterations int) Event {
	return New(TypeIterationUpdate, map[string]any{
		"project":        project,
		"iteration":      iteration,
		"max_iterations": maxIterations,
	})
}

// AgentThinking signals that an agent call is in flight. Cleared implicitly
// by the next conversation_update for the same (project, agent).
func AgentThinking(project, agent string, iteration int) Event {
	return New(TypeAgentThinking, map[string]any{
		"project":   project,
		"agent":     agent,
		"iteration": iteration,
	})
}

// ConversationChunk carries one streamed text fragment. Lossy.
func ConversationChunk(project, agent, chunk string) Event {
	return New(TypeConversationChunk, map[string]any{
		"project": project,
		"agent":   agent,
		"chunk":   chunk,
	})
}

// ConversationUpdate carries the complete text of a finished agent call.
func ConversationUpdate(project, agent, role string, iteration int, content string) Event {
	return New(TypeConversationUpdate, map[string]any{
		"project":   project,
		"agent":     agent,
		"role":      role,
		"iteration": iteration,
		"content":   content,
	})
}

// SandboxStart reports a sandbox run beginning.
func SandboxStart(project string, iteration int, runtime, image string) Event {
	return New(TypeSandboxStart, map[string]any{
		"project":   project,
		"iteration": iteration,
		"runtime":   runtime,
		"image":     image,
	})
}

// SandboxPhase reports one completed sandbox phase.
func SandboxPhase(project string, iteration int, phase, status, stdout, stderr string, exitCode int, durationS float64, commands []string) Event {
	return New(TypeSandboxPhase, map[string]any{
		"project":    project,
		"iteration":  iteration,
		"phase":      phase,
		"status":     status,
		"stdout":     stdout,
		"stderr":     stderr,
		"exit_code":  exitCode,
		"duration_s": durationS,
		"commands":   commands,
	})
}

// ScoreUpdate reports the resolved score for one iteration.
func ScoreUpdate(project string, iteration int, score float64, phase string) Event {
	return New(TypeScoreUpdate, map[string]any{
		"project":   project,
		"iteration": iteration,
		"score":     score,
		"phase":     phase,
	})
}

// UsageUpdate reports cumulative cost after an agent call.
func UsageUpdate(project, agent string, iteration, inputTokens, outputTokens int, totalCost float64) Event {
	return New(TypeUsageUpdate, map[string]any{
		"project":       project,
		"agent":         agent,
		"iteration":     iteration,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
		"total_cost":    totalCost,
	})
}

// ProjectComplete reports convergence.
func ProjectComplete(project string, iteration int, score float64, archive string) Event {
	return New(TypeProjectComplete, map[string]any{
		"project":   project,
		"iteration": iteration,
		"score":     score,
		"archive":   archive,
	})
}

// ProjectFailed reports a terminal failure.
func ProjectFailed(project string, iteration int, reason, message string) Event {
	return New(TypeProjectFailed, map[string]any{
		"project":   project,
		"iteration": iteration,
		"reason":    reason,
		"message":   message,
	})
}

// Log carries a structured log line to external observers.
func Log(project, level, message string) Event {
	return New(TypeLog, map[string]any{
		"project": project,
		"level":   level,
		"message": message,
	})
}
