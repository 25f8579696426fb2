package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lealvona/code-tumbler/pkg/sandbox"
)

func passed(stdout string) sandbox.PhaseResult {
	return sandbox.PhaseResult{Status: sandbox.StatusPassed, Stdout: stdout}
}

func TestParseTestCounts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		passed int
		total  int
		found  bool
	}{
		{"pytest all pass", "===== 4 passed in 0.21s =====", 4, 4, true},
		{"pytest mixed", "1 failed, 3 passed in 0.33s", 3, 4, true},
		{"pytest with errors", "2 passed, 1 error in 0.1s", 2, 3, true},
		{"jest summary", "Tests:       1 failed, 7 passed, 8 total", 7, 8, true},
		{"vitest summary", "Tests:  12 passed, 12 total", 12, 12, true},
		{"go verbose", "--- PASS: TestA (0.00s)\n--- PASS: TestB (0.01s)\n--- FAIL: TestC (0.00s)", 2, 3, true},
		{"go packages", "ok  \texample.com/a\t0.1s\nFAIL\texample.com/b\t0.2s", 1, 2, true},
		{"generic", "Result: 9/10 tests passed", 9, 10, true},
		{"nothing", "compiled successfully", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, total, found := ParseTestCounts(tt.output)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.passed, passed)
			assert.Equal(t, tt.total, total)
		})
	}
}

func TestCountLintIssues(t *testing.T) {
	assert.Equal(t, 0, CountLintIssues("everything clean"))
	assert.Equal(t, 2, CountLintIssues("main.py:3:1: E302 expected 2 blank lines\nmain.py:9:80: E501 line too long"))
	assert.Equal(t, 7, CountLintIssues("✖ 7 problems (5 errors, 2 warnings)"))
	// Explicit summary wins over pattern counting.
	assert.Equal(t, 3, CountLintIssues("a.js:1:1: x\n3 problems"))
}

func TestComputeFullMarks(t *testing.T) {
	res := &sandbox.Result{
		Install: passed(""),
		Build:   passed(""),
		Test:    passed("4 passed in 0.2s"),
		Lint:    passed(""),
	}
	m := Compute(res)
	require.NotNil(t, m)
	assert.Equal(t, 3.0, m.BuildPoints)
	assert.Equal(t, 4.0, m.TestPoints)
	assert.Equal(t, 2.0, m.LintPoints)
	assert.Equal(t, 1.0, m.CleanPoints)
	assert.Equal(t, 10.0, m.Total())
}

func TestComputePartial(t *testing.T) {
	res := &sandbox.Result{
		Install: passed(""),
		Build:   passed(""),
		Test:    sandbox.PhaseResult{Status: sandbox.StatusFailed, Stdout: "2 failed, 2 passed"},
		Lint:    sandbox.PhaseResult{Status: sandbox.StatusPassed, Stdout: "a.py:1:1: E0001 bad\nb.py:2:2: E0002 worse"},
	}
	m := Compute(res)
	require.NotNil(t, m)
	assert.Equal(t, 3.0, m.BuildPoints)
	assert.InDelta(t, 2.0, m.TestPoints, 1e-9) // 4 * 2/4
	assert.Equal(t, 1.0, m.LintPoints)         // 2 issues, under 5
	assert.Equal(t, 2, m.TestsPassed)
	assert.Equal(t, 4, m.TestsTotal)
}

func TestComputeNoTestsReportsZeroTestPoints(t *testing.T) {
	res := &sandbox.Result{
		Install: passed(""),
		Build:   passed(""),
		Test:    passed("no tests configured"),
		Lint:    passed(""),
	}
	m := Compute(res)
	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.TestPoints)
	// Overall metric bounded by [0, 6] without tests.
	assert.LessOrEqual(t, m.Total(), 6.0)
}

func TestComputeCriticalErrorsZeroCleanPoint(t *testing.T) {
	res := &sandbox.Result{
		Install: passed(""),
		Build:   passed(""),
		Test:    sandbox.PhaseResult{Status: sandbox.StatusFailed, Stderr: "Traceback (most recent call last):\n  ..."},
		Lint:    passed(""),
	}
	m := Compute(res)
	require.NotNil(t, m)
	assert.Equal(t, 0.0, m.CleanPoints)
}

func TestComputeUnavailableReturnsNil(t *testing.T) {
	assert.Nil(t, Compute(nil))
	assert.Nil(t, Compute(sandbox.SkippedResult()))
}

func TestParseReportScore(t *testing.T) {
	score, ok := ParseReportScore("## Verdict\nOverall Score: 8.5/10\n")
	require.True(t, ok)
	assert.Equal(t, 8.5, score)

	score, ok = ParseReportScore("overall score: 7 / 10")
	require.True(t, ok)
	assert.Equal(t, 7.0, score)

	_, ok = ParseReportScore("looks good to me")
	assert.False(t, ok)

	_, ok = ParseReportScore("Overall Score: 15/10")
	assert.False(t, ok)
}

func TestResolvePrecedence(t *testing.T) {
	metrics := &Metrics{BuildPoints: 3, TestPoints: 4, LintPoints: 2, CleanPoints: 1}

	// Report score wins.
	assert.Equal(t, 6.0, Resolve("Overall Score: 6/10", metrics))
	// Metric fallback.
	assert.Equal(t, 10.0, Resolve("no score here", metrics))
	// Default when neither exists.
	assert.Equal(t, DefaultScore, Resolve("no score here", nil))
}
