package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lealvona/code-tumbler/pkg/llm"
	"github.com/lealvona/code-tumbler/pkg/models"
	"github.com/lealvona/code-tumbler/pkg/sandbox"
)

const verifierSystemPrompt = `You are the Verifier of an autonomous code-generation system.
Review the plan, the generated code, and the sandbox results. Write a
Markdown report listing concrete defects and required fixes. End the report
with a line of the exact form "Overall Score: X/10".`

// staticReviewNotice tells the Verifier the sandbox never ran, so its own
// judgement is the only scoring signal.
const staticReviewNotice = `NOTE: the execution sandbox was unavailable for this iteration.
No build, test, or lint results exist. Score on static review alone.`

// RunVerifier reviews one iteration and writes 04_feedback/REPORT_iter{N}.md.
// Returns the report text.
//
// Sandbox output and the task instruction are never compression-eligible;
// the plan and code listing are.
func (r *Runner) RunVerifier(ctx context.Context, state *models.State, projectRoot, plan string, sandboxResult *sandbox.Result, codeListing string) (string, error) {
	var b strings.Builder
	b.WriteString("Plan:\n")
	b.WriteString(compressible(plan))
	b.WriteString("\n\nGenerated code:\n")
	b.WriteString(compressible(codeListing))
	b.WriteString("\n\n")
	if sandboxResult == nil || sandboxResult.Unavailable {
		b.WriteString(staticReviewNotice)
	} else {
		b.WriteString("Sandbox results:\n")
		b.WriteString(formatSandboxResult(sandboxResult))
	}

	task := "Write the verification report for this iteration."
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: verifierSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
		{Role: llm.RoleUser, Content: task},
	}

	r.recordInput(projectRoot, state, models.AgentVerifier, task)
	result, err := r.run(ctx, state, projectRoot, models.AgentVerifier, messages)
	if err != nil {
		return "", err
	}

	reportPath := filepath.Join(projectRoot, models.ReportFile(state.Iteration))
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return "", fmt.Errorf("creating feedback directory: %w", err)
	}
	if err := os.WriteFile(reportPath, []byte(result.Text), 0o644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return result.Text, nil
}

// formatSandboxResult renders phase results verbatim. Stdout and stderr stay
// uncompressed: truncated build errors produce useless feedback.
func formatSandboxResult(res *sandbox.Result) string {
	var b strings.Builder
	for _, phase := range []struct {
		name   string
		result sandbox.PhaseResult
	}{
		{sandbox.PhaseInstall, res.Install},
		{sandbox.PhaseBuild, res.Build},
		{sandbox.PhaseTest, res.Test},
		{sandbox.PhaseLint, res.Lint},
	} {
		fmt.Fprintf(&b, "### %s: %s (exit %d, %.1fs)\n",
			phase.name, phase.result.Status, phase.result.ExitCode,
			phase.result.Duration.Seconds())
		if len(phase.result.Commands) > 0 {
			fmt.Fprintf(&b, "commands: %s\n", strings.Join(phase.result.Commands, " && "))
		}
		if phase.result.Stdout != "" {
			fmt.Fprintf(&b, "stdout:\n```\n%s\n```\n", phase.result.Stdout)
		}
		if phase.result.Stderr != "" {
			fmt.Fprintf(&b, "stderr:\n```\n%s\n```\n", phase.result.Stderr)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// FormatFileListing renders staged files for agent context: a header line
// per file followed by its content.
func FormatFileListing(files []models.GeneratedFile) string {
	if len(files) == 0 {
		return "(no files)"
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
	}
	return b.String()
}
