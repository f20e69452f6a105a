// Package openai provides OpenAI provider implementation
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/aiosgate/pkg/llm"
)

const defaultModel = "gpt-4o"

// Config holds provider settings
type Config struct {
	APIKey  string
	BaseURL string // empty for api.openai.com; set for any OpenAI-compatible endpoint
	Model   string
}

// Provider implements llm.Provider for OpenAI
type Provider struct {
	client *openai.Client
	model  string
}

// New creates a new OpenAI provider
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Provider{client: openai.NewClientWithConfig(oc), model: model}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "openai" }

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType { return llm.ProviderOpenAI }

// Capabilities returns supported capabilities
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityVision}
}

// ChatStream implements llm.Provider.ChatStream
func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	creq := p.buildRequest(req)
	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	calls := map[int]*llm.ToolCall{}
	var usage *llm.Usage
	var completion int
	finish := ""

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		if resp.Usage != nil {
			usage = &llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		for _, d := range choice.Delta.ToolCalls {
			idx := 0
			if d.Index != nil {
				idx = *d.Index
			}
			tc, ok := calls[idx]
			if !ok {
				tc = &llm.ToolCall{}
				calls[idx] = tc
			}
			if d.ID != "" {
				tc.ID = d.ID
			}
			if d.Function.Name != "" {
				tc.Name = d.Function.Name
			}
			tc.Arguments += d.Function.Arguments
		}
		if choice.Delta.Content != "" {
			completion += llm.CountTokens(choice.Delta.Content)
			if err := fn(&llm.StreamChunk{Content: choice.Delta.Content}); err != nil {
				return err
			}
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	final := &llm.StreamChunk{FinishReason: finish, ToolCalls: orderedCalls(calls)}
	if usage == nil {
		// Some compatible endpoints ignore stream_options.include_usage.
		usage = &llm.Usage{
			PromptTokens:     llm.CountMessageTokens(req.Messages),
			CompletionTokens: completion,
		}
	}
	final.Usage = usage
	return fn(final)
}

func orderedCalls(calls map[int]*llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := *calls[i]
		if tc.Arguments == "" {
			tc.Arguments = "{}"
		}
		out = append(out, tc)
	}
	return out
}

func (p *Provider) buildRequest(req *llm.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toMessages(req.Messages),
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return creq
}

func toMessages(msgs []llm.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		images := imageParts(m.Media)
		if len(images) > 0 {
			// Content and MultiContent are mutually exclusive.
			om.MultiContent = append([]openai.ChatMessagePart{{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Content,
			}}, images...)
		} else {
			om.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

// Only images are accepted inline; other media kinds are dropped.
func imageParts(media []llm.Media) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, md := range media {
		if md.Kind != "image" || len(md.Data) == 0 {
			continue
		}
		mime := md.MimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(md.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

// Ensure Provider implements llm.Provider
var _ llm.Provider = (*Provider)(nil)
