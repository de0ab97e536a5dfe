package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

var _ model.Model = (*Model)(nil)

func TestBuildMessages_MergesToolResults(t *testing.T) {
	msgs := buildMessages([]core.Message{
		core.SystemMessage{Content: "be helpful"},
		core.UserMessage{Content: "weather in sf and ny?"},
		core.AssistantMessage{ToolCalls: []core.ToolCall{
			{ID: "a", Name: "search", Arguments: `{"query":"sf"}`},
			{ID: "b", Name: "search", Arguments: `{"query":"ny"}`},
		}},
		core.ToolResultMessage{CallID: "a", Name: "search", Output: "foggy"},
		core.ToolResultMessage{CallID: "b", Name: "search", Failure: &core.ToolFailure{Message: "down"}},
		core.AssistantMessage{Content: "SF is foggy"},
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "b", msgs[2].Content[1].OfToolResult.ToolUseID)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[3].Role)
}

func TestExtractSystem(t *testing.T) {
	blocks := extractSystem([]core.Message{core.SystemMessage{Content: "one"}, core.UserMessage{Content: "x"}})
	require.Len(t, blocks, 1)
	assert.Equal(t, "one", blocks[0].Text)
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]core.ToolDescription{{
		Name:        "search",
		Description: "web search",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
	}})

	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "search", tools[0].OfTool.Name)
	assert.Equal(t, []string{"query"}, tools[0].OfTool.InputSchema.Required)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Nil(t, requiredFields(nil))
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "k" })
	assert.Equal(t, "anthropic", m.Info().Provider)
	assert.Equal(t, string(anthropic.ModelClaudeSonnet4_5), m.Info().Name)
}
