package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStrategy(t *testing.T) {
	plan := "# Plan\n" +
		"Some prose about the design.\n\n" +
		"Install Commands:\n" +
		"```bash\n" +
		"pip install -r requirements.txt\n" +
		"pip install pytest\n" +
		"```\n\n" +
		"Test Commands:\n" +
		"```bash\n" +
		"# run the suite\n" +
		"python -m pytest -v\n" +
		"```\n"

	s := ParseStrategy(plan)
	assert.Equal(t, []string{"pip install -r requirements.txt", "pip install pytest"}, s.Install)
	assert.Equal(t, []string{"python -m pytest -v"}, s.Test)
	assert.Empty(t, s.Build)
	assert.Empty(t, s.Run)
}

func TestParseStrategyCaseInsensitiveHeadings(t *testing.T) {
	plan := "build commands:\n```sh\nmake all\n```\n"
	s := ParseStrategy(plan)
	assert.Equal(t, []string{"make all"}, s.Build)
}

func TestParseStrategyIgnoresUnknownHeadings(t *testing.T) {
	plan := "Deploy Commands:\n```bash\nrm -rf /\n```\n"
	s := ParseStrategy(plan)
	assert.Empty(t, s.Install)
	assert.Empty(t, s.Build)
	assert.Empty(t, s.Test)
	assert.Empty(t, s.Run)
}

func TestParseStrategyEmptyPlan(t *testing.T) {
	s := ParseStrategy("")
	assert.Empty(t, s.Install)
}

func TestShellLine(t *testing.T) {
	assert.Equal(t, "a && b && c", shellLine([]string{"a", "b", "c"}))
}
