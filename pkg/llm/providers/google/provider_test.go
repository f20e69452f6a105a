package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/gliderlab/aiosgate/pkg/llm"
)

func TestMapToSchema(t *testing.T) {
	s := mapToSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "description": "math"},
			"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"expression"},
	})
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeString, s.Properties["expression"].Type)
	assert.Equal(t, "math", s.Properties["expression"].Description)
	assert.Equal(t, genai.TypeString, s.Properties["tags"].Items.Type)
	assert.Equal(t, []string{"expression"}, s.Required)
	assert.Nil(t, mapToSchema(nil))
}

func TestToContents(t *testing.T) {
	system, contents := toContents([]llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hi", Media: []llm.Media{{Kind: "image", MimeType: "image/png", Data: []byte{1}}}},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calculator", Arguments: `{"expression":"1+1"}`}}},
		{Role: llm.RoleTool, Name: "calculator", ToolCallID: "c1", Content: "2"},
		{Role: llm.RoleUser, Content: "thanks"},
	})
	require.NotNil(t, system)
	assert.Equal(t, "sys", system.Parts[0].Text)

	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Len(t, contents[0].Parts, 2)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "calculator", contents[1].Parts[0].FunctionCall.Name)
	// tool response and following user text share one user turn
	assert.Equal(t, string(genai.RoleUser), contents[2].Role)
	assert.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "calculator", contents[2].Parts[0].FunctionResponse.Name)
}
