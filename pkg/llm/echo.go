package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoProvider is an offline provider that streams the latest user message
// back word by word. It is used for local development and smoke tests when no
// model credentials are configured.
type EchoProvider struct {
	// Delay is slept between chunks; zero streams as fast as the consumer reads.
	Delay time.Duration
}

func (p *EchoProvider) Name() string       { return "echo" }
func (p *EchoProvider) Type() ProviderType { return ProviderEcho }

func (p *EchoProvider) Capabilities() []Capability {
	return []Capability{CapabilityVision, CapabilityAudio, CapabilityVideo}
}

func (p *EchoProvider) ChatStream(ctx context.Context, req *ChatRequest, fn func(*StreamChunk) error) error {
	var last *Message
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = &req.Messages[i]
			break
		}
	}
	reply := "..."
	if last != nil {
		reply = last.Content
		if n := len(last.Media); n > 0 {
			reply += fmt.Sprintf(" [%d attachment(s)]", n)
		}
	}

	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		if err := fn(&StreamChunk{Content: w}); err != nil {
			return err
		}
	}
	return fn(&StreamChunk{
		FinishReason: "stop",
		Usage: &Usage{
			PromptTokens:     CountMessageTokens(req.Messages),
			CompletionTokens: CountTokens(reply),
		},
	})
}

var _ Provider = (*EchoProvider)(nil)
