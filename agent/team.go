package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/llm"
	"github.com/gliderlab/aiosgate/tools"
)

// errStopped aborts a provider stream when the consumer stops pulling.
var errStopped = errors.New("consumer stopped")

// member is one agent of a team: the coordinator or a delegated specialist.
type member struct {
	name         string
	slug         string
	description  string
	instructions string
	tools        *tools.Registry
	// delegates maps a delegate_to_<slug> tool name to its member. Only the
	// coordinator has delegates.
	delegates map[string]*member
}

func (m *member) specs() []llm.ToolSpec {
	specs := m.tools.Specs()
	for _, name := range sortedKeys(m.delegates) {
		d := m.delegates[name]
		specs = append(specs, llm.ToolSpec{
			Name:        name,
			Description: fmt.Sprintf("Delegate a task to %s: %s", d.name, d.description),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "Complete, self-contained description of what to do",
					},
				},
				"required": []string{"task"},
			},
		})
	}
	return specs
}

// Team is the Handle built by TeamFactory: a coordinator that answers the user
// and may delegate to member agents through tool calls.
type Team struct {
	desc         Descriptor
	provider     llm.Provider
	model        string
	temperature  float32
	coordinator  *member
	historyTurns int
	maxIter      int
	resources    []Resource
	log          *zap.Logger

	running atomic.Bool

	mu      sync.Mutex
	history []llm.Message
	usage   Usage
}

func (t *Team) Descriptor() Descriptor { return t.desc }

func (t *Team) Usage() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

func (t *Team) Resources() []Resource {
	return append([]Resource(nil), t.resources...)
}

func (t *Team) addUsage(u *llm.Usage) {
	if u == nil {
		return
	}
	t.mu.Lock()
	t.usage = t.usage.Add(Usage{InputTokens: int64(u.PromptTokens), OutputTokens: int64(u.CompletionTokens)})
	t.mu.Unlock()
}

// window returns the most recent completed turns kept for the model.
func (t *Team) window() []llm.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history
	if max := t.historyTurns * 2; max > 0 && len(h) > max {
		h = h[len(h)-max:]
	}
	return append([]llm.Message(nil), h...)
}

func (t *Team) remember(user, assistant string) {
	t.mu.Lock()
	t.history = append(t.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	t.mu.Unlock()
}

func (t *Team) Run(ctx context.Context, req RunRequest) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if !t.running.CompareAndSwap(false, true) {
			yield(Chunk{}, ErrBusy)
			return
		}
		defer t.running.Store(false)

		if t.desc.UserIDPassthrough && req.UserID != "" {
			ctx = tools.WithUserID(ctx, req.UserID)
		}

		user := llm.Message{Role: llm.RoleUser, Content: req.Message}
		for _, m := range req.Media {
			if !t.desc.Accepts(m.Kind) {
				continue
			}
			user.Media = append(user.Media, llm.Media{Kind: string(m.Kind), MimeType: m.MimeType, Data: m.Data})
		}
		msgs := []llm.Message{{Role: llm.RoleSystem, Content: t.coordinator.instructions}}
		msgs = append(msgs, t.window()...)
		msgs = append(msgs, user)

		emit := func(c Chunk) bool { return yield(c, nil) }
		answer, err := t.loop(ctx, t.coordinator, msgs, Leaf(t.coordinator.name), emit)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			yield(Chunk{}, err)
			return
		}
		t.remember(req.Message, answer)
	}
}

// loop runs one agent until it answers without requesting tools. Content is
// emitted as it streams; the returned text is everything the agent said.
func (t *Team) loop(ctx context.Context, m *member, msgs []llm.Message, origin Origin, emit func(Chunk) bool) (string, error) {
	var guard toolGuard
	specs := m.specs()
	var answer strings.Builder

	for iteration := 0; ; iteration++ {
		req := &llm.ChatRequest{
			Model:       t.model,
			Messages:    msgs,
			Temperature: t.temperature,
		}
		// Past the iteration budget the model must answer with what it has.
		if iteration < t.maxIter {
			req.Tools = specs
		}

		var text strings.Builder
		var calls []llm.ToolCall
		err := t.provider.ChatStream(ctx, req, func(c *llm.StreamChunk) error {
			t.addUsage(c.Usage)
			calls = append(calls, c.ToolCalls...)
			if c.Content == "" {
				return nil
			}
			text.WriteString(c.Content)
			if !emit(Chunk{Kind: ChunkContent, Text: c.Content, Origin: origin}) {
				return errStopped
			}
			return nil
		})
		if err != nil {
			return "", err
		}
		answer.WriteString(text.String())
		if len(calls) == 0 || req.Tools == nil {
			return answer.String(), nil
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: text.String(), ToolCalls: calls})
		for _, call := range calls {
			var out string
			if why := guard.admit(call); why != "" {
				t.log.Warn("tool loop detected", zap.String("agent", m.name), zap.String("reason", why))
				out = "error: " + why + ". Stop calling tools and answer with what you have."
			} else {
				out, err = t.invoke(ctx, m, call, origin, emit)
				if err != nil {
					return "", err
				}
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    clip(out),
			})
		}
	}
}

// invoke runs one tool call between capability boundary chunks. Tool
// failures are reported to the model; only a stopped consumer or a cancelled
// context end the run.
func (t *Team) invoke(ctx context.Context, m *member, call llm.ToolCall, origin Origin, emit func(Chunk) bool) (string, error) {
	capability := call.Name
	d, delegated := m.delegates[call.Name]
	if delegated {
		capability = d.name
	}
	if !emit(Chunk{Kind: ChunkCapabilityStart, Origin: origin, Capability: capability}) {
		return "", errStopped
	}

	var out string
	var err error
	if delegated {
		out, err = t.delegate(ctx, d, call.Arguments, emit)
	} else {
		out, err = m.tools.Call(ctx, call.Name, call.Arguments)
	}
	if errors.Is(err, errStopped) {
		return "", err
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		out = tools.ErrorResult(err)
	}

	if !emit(Chunk{Kind: ChunkCapabilityEnd, Origin: origin, Capability: capability}) {
		return "", errStopped
	}
	return out, nil
}

func (t *Team) delegate(ctx context.Context, d *member, argsJSON string, emit func(Chunk) bool) (string, error) {
	args, err := tools.ParseArgs(argsJSON)
	if err != nil {
		return "", err
	}
	task := strings.TrimSpace(tools.GetString(args, "task"))
	if task == "" {
		return "", errors.New("task is required")
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: d.instructions},
		{Role: llm.RoleUser, Content: task},
	}
	return t.loop(ctx, d, msgs, Delegated(d.name), emit)
}

var _ Handle = (*Team)(nil)
