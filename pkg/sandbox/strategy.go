package sandbox

import (
	"regexp"
	"strings"
)

// Strategy holds command overrides parsed from the Architect's plan. Empty
// slices fall back to runtime defaults. Lint has no override: it always runs
// the runtime's linter so the score stays comparable across iterations.
type Strategy struct {
	Install []string
	Build   []string
	Test    []string
	Run     []string
}

// strategyBlockRe matches a recognized plan heading and captures its fenced
// command block.
var strategyBlockRe = regexp.MustCompile(
	"(?mi)^(Install|Build|Test|Run) Commands:\\s*\\n```[a-z]*\\n((?s:.*?))```")

// ParseStrategy extracts fenced command blocks of the form
//
//	Install Commands:
//	```bash
//	cmd1
//	cmd2
//	```
//
// from PLAN.md. Unrecognized headings and prose are ignored.
func ParseStrategy(plan string) Strategy {
	var s Strategy
	for _, match := range strategyBlockRe.FindAllStringSubmatch(plan, -1) {
		cmds := parseCommandLines(match[2])
		if len(cmds) == 0 {
			continue
		}
		switch strings.ToLower(match[1]) {
		case "install":
			s.Install = cmds
		case "build":
			s.Build = cmds
		case "test":
			s.Test = cmds
		case "run":
			s.Run = cmds
		}
	}
	return s
}

// parseCommandLines splits a fenced block body into trimmed, non-empty,
// non-comment command lines.
func parseCommandLines(body string) []string {
	var cmds []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	return cmds
}

// shellLine joins phase commands into the single `sh -c` invocation executed
// inside the container.
func shellLine(cmds []string) string {
	return strings.Join(cmds, " && ")
}
