package models

// Phase is the current stage of a project's state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhasePlanning    Phase = "planning"
	PhaseEngineering Phase = "engineering"
	PhaseVerifying   Phase = "verifying"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// IsValid checks if the phase is a known enum value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhasePlanning, PhaseEngineering, PhaseVerifying, PhaseCompleted, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the phase ends the loop (completed or failed).
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// IsActive reports whether the phase implies a running loop.
func (p Phase) IsActive() bool {
	return p == PhasePlanning || p == PhaseEngineering || p == PhaseVerifying
}

// AgentName identifies the role that produced a message or usage record.
type AgentName string

const (
	AgentArchitect AgentName = "architect"
	AgentEngineer  AgentName = "engineer"
	AgentVerifier  AgentName = "verifier"
	AgentSystem    AgentName = "system"
)

// IsValid checks if the agent name is a known enum value.
func (a AgentName) IsValid() bool {
	switch a {
	case AgentArchitect, AgentEngineer, AgentVerifier, AgentSystem:
		return true
	default:
		return false
	}
}

// MessageRole classifies a conversation entry.
type MessageRole string

const (
	RoleInput   MessageRole = "input"
	RoleOutput  MessageRole = "output"
	RoleError   MessageRole = "error"
	RoleStatus  MessageRole = "status"
	RoleSandbox MessageRole = "sandbox"
)

// IsValid checks if the message role is a known enum value.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleInput, RoleOutput, RoleError, RoleStatus, RoleSandbox:
		return true
	default:
		return false
	}
}

// FailureReason is the machine-readable cause stored on a failed project.
type FailureReason string

const (
	FailureIterationCap FailureReason = "iteration_cap"
	FailureCostCap      FailureReason = "cost_cap"
	FailureAgentError   FailureReason = "agent_error"
	FailureTimeout      FailureReason = "timeout"
	FailureInternal     FailureReason = "internal"
)
