package agenticsql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscript_AppendOrdering(t *testing.T) {
	tr := &Transcript{}
	tr.appendUser("q1")
	tr.appendAssistant("a1")
	tr.appendUser("q2")

	assert.Len(t, tr.Messages, 3)
	assert.Equal(t, "user", tr.Messages[0].Role)
	assert.Equal(t, "assistant", tr.Messages[1].Role)
	assert.Equal(t, "q2", tr.Messages[2].Text)
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "abc", nullIfEmpty("abc"))
}

func TestExecuteTool_UnknownToolReportsError(t *testing.T) {
	s := &Session{}
	out := s.executeTool(nil, ToolCall{Name: "not_a_real_tool"})
	assert.Contains(t, out, "error: unknown tool")
}

func TestExecuteTool_DisplayToolsAreNoops(t *testing.T) {
	s := &Session{}
	assert.Equal(t, "displayed", s.executeTool(nil, ToolCall{Name: "show_plot"}))
	assert.Equal(t, "displayed", s.executeTool(nil, ToolCall{Name: "show_table"}))
}
