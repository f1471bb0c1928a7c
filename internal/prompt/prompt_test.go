package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderDefaultTemplate(t *testing.T) {
	r := NewDefaultRenderer()

	out, err := r.Render(Vars{
		TaskID:     "task-42",
		TaskTitle:  "Fix login timeout",
		Iteration:  3,
		MaxIter:    10,
		Trigger:    "output-idle",
		Conclusion: "incomplete",
		Hints:      []string{"quality gate \"tests\" is failing"},
		Notes:      []string{"auth service is flaky in CI"},
	})
	require.NoError(t, err)

	assert.Contains(t, out, "task-42")
	assert.Contains(t, out, "Fix login timeout")
	assert.Contains(t, out, "attempt 3 of 10")
	assert.Contains(t, out, "output-idle")
	assert.Contains(t, out, "incomplete")
	assert.Contains(t, out, "quality gate \"tests\" is failing")
	assert.Contains(t, out, "auth service is flaky in CI")
	assert.True(t, strings.HasSuffix(out, "\n"), "message must end with a newline for pty submission")
	assert.False(t, strings.HasSuffix(out, "\n\n"), "exactly one trailing newline")
}

func TestRenderWithoutOptionalSections(t *testing.T) {
	r := NewDefaultRenderer()

	out, err := r.Render(Vars{
		TaskID:     "task-1",
		Iteration:  1,
		MaxIter:    10,
		Trigger:    "process-exit",
		Conclusion: "unknown",
	})
	require.NoError(t, err)

	assert.NotContains(t, out, "address the following")
	assert.NotContains(t, out, "Context from earlier attempts")
	assert.NotContains(t, out, "()", "empty title should not leave empty parens")
}

func TestCustomTemplate(t *testing.T) {
	r, err := NewRenderer(`continue {{.TaskID}} iteration {{.Iteration}}`)
	require.NoError(t, err)

	out, err := r.Render(Vars{TaskID: "t", Iteration: 2})
	require.NoError(t, err)
	assert.Equal(t, "continue t iteration 2\n", out)
}

func TestInvalidTemplate(t *testing.T) {
	_, err := NewRenderer(`{{.Broken`)
	assert.Error(t, err)
}
