// Package google provides Google Gemini provider implementation
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/gliderlab/aiosgate/pkg/llm"
)

const defaultModel = "gemini-2.0-flash"

// Config holds provider settings
type Config struct {
	APIKey string
	Model  string
}

// Provider implements llm.Provider for Google Gemini
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a new Google provider
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: client, model: model}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "google" }

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType { return llm.ProviderGoogle }

// Capabilities returns supported capabilities
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityVision, llm.CapabilityAudio, llm.CapabilityVideo}
}

// ChatStream implements llm.Provider.ChatStream
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	model := req.Model
	if model == "" {
		model = p.model
	}
	system, contents := toContents(req.Messages)

	gcfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.Temperature > 0 {
		gcfg.Temperature = genai.Ptr[float32](req.Temperature)
	}
	if req.MaxTokens > 0 {
		gcfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  mapToSchema(t.Parameters),
			}
		}
		gcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var calls []llm.ToolCall
	var usage *llm.Usage
	finish := ""
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, gcfg) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp.UsageMetadata != nil {
			usage = &llm.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		for _, fc := range resp.FunctionCalls() {
			args, _ := json.Marshal(fc.Args)
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", len(calls))
			}
			calls = append(calls, llm.ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			finish = strings.ToLower(string(resp.Candidates[0].FinishReason))
		}
		if text := resp.Text(); text != "" {
			if err := fn(&llm.StreamChunk{Content: text}); err != nil {
				return err
			}
		}
	}
	return fn(&llm.StreamChunk{ToolCalls: calls, Usage: usage, FinishReason: finish})
}

// toContents splits out the system prompt and converts the rest of the
// conversation. Tool results are sent back as user-role function responses.
func toContents(msgs []llm.Message) (*genai.Content, []*genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, m := range msgs {
		var role genai.Role
		var parts []*genai.Part
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
			continue
		case llm.RoleAssistant:
			role = genai.RoleModel
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
		case llm.RoleTool:
			role = genai.RoleUser
			parts = append(parts, genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content}))
		default:
			role = genai.RoleUser
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, md := range m.Media {
				if len(md.Data) > 0 {
					parts = append(parts, genai.NewPartFromBytes(md.Data, md.MimeType))
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		// Gemini expects alternating turns; merge consecutive same-role content.
		if n := len(contents); n > 0 && contents[n-1].Role == string(role) {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}

// mapToSchema converts a JSON-schema map into a genai.Schema
func mapToSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}

	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}

	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for k, v := range props {
			if propMap, ok := v.(map[string]any); ok {
				schema.Properties[k] = mapToSchema(propMap)
			}
		}
	}

	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = mapToSchema(items)
	}

	switch required := m["required"].(type) {
	case []string:
		schema.Required = append([]string(nil), required...)
	case []any:
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if enum, ok := m["enum"].([]string); ok {
		schema.Enum = enum
	}

	return schema
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
