// Package scoring turns sandbox output into the deterministic metric score
// and resolves it against the Verifier's self-reported score.
package scoring

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lealvona/code-tumbler/pkg/sandbox"
)

// DefaultScore is used when neither the Verifier report nor the metrics
// produce a score. It deliberately sits mid-scale: "needs human judgement".
const DefaultScore = 5.0

// Metrics is the deterministic breakdown of a sandbox run.
//
//	build   3  install and build both exited zero
//	tests   4  scaled by passed/total (0 when no tests reported)
//	lint    2  0 issues → 2, <5 → 1, else 0
//	clean   1  no runtime error signatures in phase output
type Metrics struct {
	BuildPoints float64 `json:"build_points"`
	TestPoints  float64 `json:"test_points"`
	LintPoints  float64 `json:"lint_points"`
	CleanPoints float64 `json:"clean_points"`

	TestsPassed int `json:"tests_passed"`
	TestsTotal  int `json:"tests_total"`
	LintIssues  int `json:"lint_issues"`
}

// Total sums the component points. Range [0, 10].
func (m *Metrics) Total() float64 {
	return m.BuildPoints + m.TestPoints + m.LintPoints + m.CleanPoints
}

// Compute derives metrics from a sandbox result. Returns nil when the
// sandbox never ran (code-review-only mode): no metric exists in that case.
func Compute(res *sandbox.Result) *Metrics {
	if res == nil || res.Unavailable {
		return nil
	}
	m := &Metrics{}

	if res.Install.Passed() && res.Build.Passed() {
		m.BuildPoints = 3
	}

	passed, total, found := ParseTestCounts(res.Test.Stdout + "\n" + res.Test.Stderr)
	if found && total > 0 {
		m.TestsPassed = passed
		m.TestsTotal = total
		m.TestPoints = 4 * float64(passed) / float64(total)
	}

	m.LintIssues = CountLintIssues(res.Lint.Stdout + "\n" + res.Lint.Stderr)
	switch {
	case m.LintIssues == 0:
		m.LintPoints = 2
	case m.LintIssues < 5:
		m.LintPoints = 1
	}

	if !hasCriticalErrors(res) {
		m.CleanPoints = 1
	}
	return m
}

var (
	// "3/4 tests passed" or "3/4 passed"
	genericCountRe = regexp.MustCompile(`(\d+)/(\d+)\s+(?:tests?\s+)?passed`)
	// jest / vitest summary: "Tests: 1 failed, 3 passed, 4 total"
	jestSummaryRe = regexp.MustCompile(`Tests:\s+(?:\d+\s+skipped,\s+)?(?:(\d+)\s+failed,\s+)?(\d+)\s+passed,\s+(\d+)\s+total`)
	// pytest summary: "3 passed", "1 failed, 3 passed in 0.12s"
	pytestPassedRe = regexp.MustCompile(`(\d+) passed`)
	pytestFailedRe = regexp.MustCompile(`(\d+) failed`)
	pytestErrorRe  = regexp.MustCompile(`(\d+) error`)
	// go test verbose results
	goPassRe = regexp.MustCompile(`(?m)^\s*--- PASS:`)
	goFailRe = regexp.MustCompile(`(?m)^\s*--- FAIL:`)
	// go test package results
	goPkgOkRe   = regexp.MustCompile(`(?m)^ok\s+\S+`)
	goPkgFailRe = regexp.MustCompile(`(?m)^FAIL\s+\S+`)
)

// ParseTestCounts extracts (passed, total) from test runner output. Supports
// pytest, jest/vitest summaries, go test, and a generic "N/M passed" form.
func ParseTestCounts(output string) (passed, total int, found bool) {
	if m := genericCountRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
		total, _ = strconv.Atoi(m[2])
		return passed, total, true
	}
	if m := jestSummaryRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[2])
		total, _ = strconv.Atoi(m[3])
		return passed, total, true
	}
	if m := pytestPassedRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
		total = passed
		if f := pytestFailedRe.FindStringSubmatch(output); f != nil {
			n, _ := strconv.Atoi(f[1])
			total += n
		}
		if e := pytestErrorRe.FindStringSubmatch(output); e != nil {
			n, _ := strconv.Atoi(e[1])
			total += n
		}
		return passed, total, true
	}
	if n := len(goPassRe.FindAllString(output, -1)); n > 0 {
		fails := len(goFailRe.FindAllString(output, -1))
		return n, n + fails, true
	}
	if n := len(goPkgOkRe.FindAllString(output, -1)); n > 0 {
		fails := len(goPkgFailRe.FindAllString(output, -1))
		return n, n + fails, true
	}
	return 0, 0, false
}

var (
	// eslint / flake8 / go vet style: path:line:col:
	lintIssueRe = regexp.MustCompile(`(?m)^\s*\S+:\d+:\d+:?\s`)
	// eslint summary: "✖ 3 problems (2 errors, 1 warning)"
	lintSummaryRe = regexp.MustCompile(`(\d+)\s+problems?`)
)

// CountLintIssues counts linter findings, preferring an explicit summary
// line over per-issue pattern matches.
func CountLintIssues(output string) int {
	if m := lintSummaryRe.FindStringSubmatch(output); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	return len(lintIssueRe.FindAllString(output, -1))
}

// criticalSignatures are runtime-error markers that zero the clean point.
var criticalSignatures = []string{
	"Traceback (most recent call last)",
	"panic:",
	"Segmentation fault",
	"fatal error:",
	"java.lang.NullPointerException",
	"UnhandledPromiseRejection",
}

func hasCriticalErrors(res *sandbox.Result) bool {
	for _, pr := range []sandbox.PhaseResult{res.Install, res.Build, res.Test} {
		combined := pr.Stdout + "\n" + pr.Stderr
		for _, sig := range criticalSignatures {
			if strings.Contains(combined, sig) {
				return true
			}
		}
	}
	return false
}

// reportScoreRe matches "Overall Score: 8.5/10" (case-insensitive, decimal
// allowed) in a Verifier report.
var reportScoreRe = regexp.MustCompile(`(?i)overall score:\s*(\d+(?:\.\d+)?)\s*/\s*10`)

// ParseReportScore extracts the Verifier's self-reported score.
func ParseReportScore(report string) (float64, bool) {
	m := reportScoreRe.FindStringSubmatch(report)
	if m == nil {
		return 0, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil || score < 0 || score > 10 {
		return 0, false
	}
	return score, true
}

// Resolve applies the score resolution rule: the Verifier's parsed score
// wins; otherwise the deterministic metric; otherwise DefaultScore.
func Resolve(report string, metrics *Metrics) float64 {
	if score, ok := ParseReportScore(report); ok {
		return score
	}
	if metrics != nil {
		return metrics.Total()
	}
	return DefaultScore
}
