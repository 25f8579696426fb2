package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lealvona/code-tumbler/pkg/llm"
	"github.com/lealvona/code-tumbler/pkg/models"
)

const architectSystemPrompt = `You are the Architect of an autonomous code-generation system.
Turn the given requirements into a concrete implementation plan in Markdown.
The plan must name the language and toolchain, list the files to create, and
may include fenced command blocks under the headings "Install Commands:",
"Build Commands:", "Test Commands:", and "Run Commands:".`

// RunArchitect produces (or revises) the implementation plan and writes it
// to 02_plan/PLAN.md.
//
// Iteration 0 sees the raw requirements; revisions additionally see the
// previous plan (eligible for compression) and the latest feedback report
// (sent uncompressed). The task instruction stays uncompressed.
func (r *Runner) RunArchitect(ctx context.Context, state *models.State, projectRoot, requirements, prevPlan, prevReport string) (string, error) {
	task := "Write the implementation plan for the requirements above."
	contextText := "Requirements:\n" + compressible(requirements)
	if prevPlan != "" {
		task = "Revise the plan. Address every issue raised in the feedback report."
		contextText += "\n\nPrevious plan:\n" + compressible(prevPlan)
	}
	if prevReport != "" {
		contextText += "\n\nFeedback report:\n" + prevReport
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: architectSystemPrompt},
		{Role: llm.RoleUser, Content: contextText},
		{Role: llm.RoleUser, Content: task},
	}

	r.recordInput(projectRoot, state, models.AgentArchitect, task)
	result, err := r.run(ctx, state, projectRoot, models.AgentArchitect, messages)
	if err != nil {
		return "", err
	}
	if result.Text == "" {
		return "", fmt.Errorf("%w: architect returned an empty plan", ErrAgentError)
	}

	planPath := filepath.Join(projectRoot, models.PlanFile)
	if err := os.MkdirAll(filepath.Dir(planPath), 0o755); err != nil {
		return "", fmt.Errorf("creating plan directory: %w", err)
	}
	if err := os.WriteFile(planPath, []byte(result.Text), 0o644); err != nil {
		return "", fmt.Errorf("writing plan: %w", err)
	}
	return result.Text, nil
}
