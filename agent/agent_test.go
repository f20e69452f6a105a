package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/llm"
	"github.com/gliderlab/aiosgate/sandbox"
)

// scriptedProvider answers each ChatStream call with the next step.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []func(req *llm.ChatRequest) ([]llm.StreamChunk, error)
	requests []*llm.ChatRequest
	caps     []llm.Capability
}

func (p *scriptedProvider) Name() string                   { return "scripted" }
func (p *scriptedProvider) Type() llm.ProviderType         { return llm.ProviderEcho }
func (p *scriptedProvider) Capabilities() []llm.Capability { return p.caps }

func (p *scriptedProvider) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(*llm.StreamChunk) error) error {
	p.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return errors.New("no scripted step left")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()

	chunks, err := step(req)
	for i := range chunks {
		if cerr := fn(&chunks[i]); cerr != nil {
			return cerr
		}
	}
	return err
}

func (p *scriptedProvider) lastRequest() *llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func say(parts ...string) func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
	return func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
		var out []llm.StreamChunk
		for _, p := range parts {
			out = append(out, llm.StreamChunk{Content: p})
		}
		out = append(out, llm.StreamChunk{FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 10, CompletionTokens: len(parts)}})
		return out, nil
	}
}

func call(name, args string) func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
	return func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
		return []llm.StreamChunk{{
			ToolCalls:    []llm.ToolCall{{ID: "c-" + name, Name: name, Arguments: args}},
			FinishReason: "tool_calls",
			Usage:        &llm.Usage{PromptTokens: 5, CompletionTokens: 1},
		}}, nil
	}
}

func newFactory(t *testing.T, p llm.Provider, mutate ...func(*Options)) *TeamFactory {
	t.Helper()
	opts := Options{Provider: p}
	for _, m := range mutate {
		m(&opts)
	}
	f, err := NewTeamFactory(opts)
	require.NoError(t, err)
	return f
}

func collect(t *testing.T, h Handle, msg string) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for c, err := range h.Run(context.Background(), RunRequest{Message: msg, UserID: "u1"}) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

var alice = auth.Identity{ID: "u1", Email: "alice@example.com"}

func TestConfigurationCapabilities(t *testing.T) {
	cfg := Configuration{WebCrawler: true, Calculator: true, UseMemory: true}
	assert.Equal(t, []string{"calculator", "use_memory", "web_crawler"}, cfg.Capabilities())
	assert.Empty(t, Configuration{}.Capabilities())
	assert.NoError(t, cfg.Validate())

	err := Configuration{DeepSearch: true, BrowseAI: true}.Validate()
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{CapDeepSearch, CapBrowseAI}, ce.Capabilities)
}

func TestNewTeamFactoryRequiresProvider(t *testing.T) {
	_, err := NewTeamFactory(Options{})
	assert.ErrorIs(t, err, llm.ErrNoProvider)
}

func TestFactoryIsDeterministic(t *testing.T) {
	f := newFactory(t, &scriptedProvider{})
	cfg := Configuration{Calculator: true, WebCrawler: true, InvestmentAssistant: true, DDGSearch: true}

	h1, err := f.Create(context.Background(), alice, cfg)
	require.NoError(t, err)
	h2, err := f.Create(context.Background(), alice, cfg)
	require.NoError(t, err)

	assert.Equal(t, h1.Descriptor(), h2.Descriptor())
	d := h1.Descriptor()
	assert.Equal(t, CoordinatorDefault, d.Coordinator)
	assert.Equal(t, []string{"calculator", "ddg_search", "investment_assistant", "web_crawler"}, d.Capabilities)
	assert.Equal(t, []string{"Web Crawler", "Investment Assistant"}, d.Members)
	assert.True(t, d.DeferPersistence)
	assert.True(t, d.UserIDPassthrough)
	assert.Equal(t, DescriptorVersion, d.Version)

	specs := h1.(*Team).coordinator.specs()
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"calculator", "web_fetch", "web_search", "delegate_to_investment_assistant", "delegate_to_web_crawler"}, names)
}

func TestFactoryModes(t *testing.T) {
	f := newFactory(t, &scriptedProvider{})

	h, err := f.Create(context.Background(), alice, Configuration{DeepSearch: true})
	require.NoError(t, err)
	assert.Equal(t, CoordinatorDeepSearch, h.Descriptor().Coordinator)
	assert.True(t, h.Descriptor().Has(CapDDGSearch))

	h, err = f.Create(context.Background(), alice, Configuration{BrowseAI: true})
	require.NoError(t, err)
	assert.Equal(t, CoordinatorBrowseAI, h.Descriptor().Coordinator)

	_, err = f.Create(context.Background(), alice, Configuration{BrowseAI: true, DeepSearch: true})
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestFactoryDegradesGracefully(t *testing.T) {
	f := newFactory(t, &scriptedProvider{})

	h, err := f.Create(context.Background(), alice, Configuration{
		ShellTools: true, PythonAssistant: true, UseMemory: true, ImageAnalysis: true, Calculator: true,
	})
	require.NoError(t, err)
	d := h.Descriptor()
	assert.Equal(t, []string{"calculator"}, d.Capabilities)
	assert.Empty(t, d.Members)
	assert.False(t, d.Accepts(MediaImage))
	assert.Empty(t, h.Resources())

	instr := h.(*Team).coordinator.instructions
	assert.Contains(t, instr, "code execution is disabled")
	assert.Contains(t, instr, "long-term memory is not configured")
	assert.Contains(t, instr, "does not support vision")
}

func TestFactorySandboxLifecycle(t *testing.T) {
	mgr := sandbox.NewManager(config.SandboxConfig{RootDir: t.TempDir()}, nil)
	f := newFactory(t, &scriptedProvider{caps: []llm.Capability{llm.CapabilityVision}}, func(o *Options) {
		o.Sandboxes = mgr
	})

	h, err := f.Create(context.Background(), alice, Configuration{PythonAssistant: true, ImageAnalysis: true})
	require.NoError(t, err)
	assert.True(t, h.Descriptor().Accepts(MediaImage))
	require.Len(t, h.Resources(), 1)
	assert.Equal(t, 1, mgr.Active())
	require.NoError(t, h.Resources()[0].Release(context.Background()))
	assert.Equal(t, 0, mgr.Active())

	// A cancelled create must not leak the sandbox it already made.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Create(ctx, alice, Configuration{ShellTools: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, mgr.Active())
}

func TestTeamStreamsAndRemembers(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		say("Hel", "lo"),
		say("again"),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{})
	require.NoError(t, err)

	chunks, err := collect(t, h, "hi")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.True(t, c.Final())
		assert.Equal(t, CoordinatorDefault, c.Origin.Owner())
	}
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 2}, h.Usage())

	_, err = collect(t, h, "more")
	require.NoError(t, err)
	msgs := p.lastRequest().Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "hi", msgs[1].Content)
	assert.Equal(t, "Hello", msgs[2].Content)
	assert.Equal(t, "more", msgs[3].Content)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 3}, h.Usage())
}

func TestTeamHistoryWindow(t *testing.T) {
	p := &scriptedProvider{}
	for i := 0; i < 4; i++ {
		p.steps = append(p.steps, say("ok"))
	}
	h, err := newFactory(t, p, func(o *Options) { o.HistoryTurns = 2 }).Create(context.Background(), alice, Configuration{})
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c", "d"} {
		_, err := collect(t, h, m)
		require.NoError(t, err)
	}
	msgs := p.lastRequest().Messages
	// system + 2 turns + current
	require.Len(t, msgs, 6)
	assert.Equal(t, "b", msgs[1].Content)
	assert.Equal(t, "d", msgs[5].Content)
}

func TestTeamToolCallBoundaries(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		call("calculator", `{"expression":"2+2"}`),
		say("It is 4."),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{Calculator: true})
	require.NoError(t, err)

	chunks, err := collect(t, h, "what is 2+2")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkCapabilityStart, chunks[0].Kind)
	assert.Equal(t, "calculator", chunks[0].Capability)
	assert.Equal(t, CoordinatorDefault, chunks[0].Origin.Owner())
	assert.Equal(t, ChunkCapabilityEnd, chunks[1].Kind)
	assert.Equal(t, "It is 4.", chunks[2].Text)

	msgs := p.lastRequest().Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "4", last.Content)
	assert.Equal(t, "c-calculator", last.ToolCallID)
}

func TestTeamToolFailureIsReportedToModel(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		call("calculator", `{"expression":"1/0"}`),
		say("Cannot divide by zero."),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{Calculator: true})
	require.NoError(t, err)

	_, err = collect(t, h, "1/0?")
	require.NoError(t, err)
	msgs := p.lastRequest().Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "division by zero")
}

func TestTeamDelegation(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		call("delegate_to_web_crawler", `{"task":"read example.com"}`),
		say("page ", "says hi"),
		say("The page says hi."),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{WebCrawler: true})
	require.NoError(t, err)

	chunks, err := collect(t, h, "read it")
	require.NoError(t, err)
	require.Len(t, chunks, 5)

	assert.Equal(t, ChunkCapabilityStart, chunks[0].Kind)
	assert.Equal(t, "Web Crawler", chunks[0].Capability)
	assert.False(t, chunks[0].Origin.IsDelegated())

	for _, c := range chunks[1:3] {
		assert.Equal(t, ChunkContent, c.Kind)
		assert.True(t, c.Origin.IsDelegated())
		assert.Equal(t, "Web Crawler", c.Origin.Owner())
		assert.False(t, c.Final())
	}
	assert.Equal(t, ChunkCapabilityEnd, chunks[3].Kind)
	assert.True(t, chunks[4].Final())

	// the member ran with its own instructions and the delegated task
	p.mu.Lock()
	memberReq := p.requests[1]
	p.mu.Unlock()
	assert.Contains(t, memberReq.Messages[0].Content, "Web Crawler")
	assert.Equal(t, "read example.com", memberReq.Messages[1].Content)

	// the member's output went back to the coordinator as the tool result
	msgs := p.lastRequest().Messages
	assert.Equal(t, "page says hi", msgs[len(msgs)-1].Content)
}

func TestTeamIterationBudget(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		call("calculator", `{"expression":"1"}`),
		call("calculator", `{"expression":"2"}`),
		say("done"),
	}}
	h, err := newFactory(t, p, func(o *Options) { o.MaxToolIterations = 2 }).Create(context.Background(), alice, Configuration{Calculator: true})
	require.NoError(t, err)

	_, err = collect(t, h, "go")
	require.NoError(t, err)
	assert.Nil(t, p.lastRequest().Tools, "no tools offered past the budget")
}

func TestTeamRunErrorKeepsUsage(t *testing.T) {
	boom := errors.New("model exploded")
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
			return []llm.StreamChunk{
				{Content: "partial"},
				{Usage: &llm.Usage{PromptTokens: 7, CompletionTokens: 3}},
			}, boom
		},
		say("fine"),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{})
	require.NoError(t, err)

	chunks, err := collect(t, h, "x")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, chunks, 1)
	assert.Equal(t, Usage{InputTokens: 7, OutputTokens: 3}, h.Usage())

	// the failed turn is not remembered
	_, err = collect(t, h, "y")
	require.NoError(t, err)
	assert.Len(t, p.lastRequest().Messages, 2)
}

func TestTeamRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		func(*llm.ChatRequest) ([]llm.StreamChunk, error) {
			close(started)
			<-release
			return []llm.StreamChunk{{Content: "one"}}, nil
		},
		say("two"),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := collect(t, h, "first")
		done <- err
	}()
	<-started

	_, err = collect(t, h, "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not finish")
	}

	_, err = collect(t, h, "third")
	assert.NoError(t, err)
}

func TestTeamConsumerStopsEarly(t *testing.T) {
	p := &scriptedProvider{steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){
		say("a", "b", "c"),
		say("next"),
	}}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{})
	require.NoError(t, err)

	for c, err := range h.Run(context.Background(), RunRequest{Message: "x"}) {
		require.NoError(t, err)
		assert.Equal(t, "a", c.Text)
		break
	}

	chunks, err := collect(t, h, "y")
	require.NoError(t, err)
	assert.Equal(t, "next", chunks[0].Text)
}

func TestTeamFiltersUndeclaredMedia(t *testing.T) {
	p := &scriptedProvider{
		caps:  []llm.Capability{llm.CapabilityVision},
		steps: []func(*llm.ChatRequest) ([]llm.StreamChunk, error){say("ok")},
	}
	h, err := newFactory(t, p).Create(context.Background(), alice, Configuration{ImageAnalysis: true})
	require.NoError(t, err)

	for _, err := range h.Run(context.Background(), RunRequest{Message: "look", Media: []Media{
		{Kind: MediaImage, MimeType: "image/png", Data: []byte{1}},
		{Kind: MediaVideo, MimeType: "video/mp4", Data: []byte{2}},
	}}) {
		require.NoError(t, err)
	}
	msgs := p.lastRequest().Messages
	user := msgs[len(msgs)-1]
	require.Len(t, user.Media, 1)
	assert.Equal(t, "image", user.Media[0].Kind)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short"))

	long := strings.Repeat("x", maxToolOutputBytes+100)
	out := clip(long)
	assert.Contains(t, out, "[... 100 bytes omitted ...]")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("x", maxToolOutputBytes/2)+"\n"))
	assert.True(t, strings.HasSuffix(out, "\n"+strings.Repeat("x", maxToolOutputBytes/2)))

	lines := strings.Repeat("l\n", maxToolOutputLines+9) + "last"
	out = clip(lines)
	assert.Equal(t, maxToolOutputLines, strings.Count(out, "l\n"))
	assert.True(t, strings.HasSuffix(out, "[... 10 more lines ...]"))
}

func TestToolGuard(t *testing.T) {
	var g toolGuard
	calc := func(expr string) llm.ToolCall {
		return llm.ToolCall{Name: "calculator", Arguments: `{"expression":"` + expr + `"}`}
	}
	assert.Empty(t, g.admit(calc("1")))
	assert.Empty(t, g.admit(calc("2")))
	assert.Empty(t, g.admit(calc("2")))
	assert.Contains(t, g.admit(calc("2")), "same arguments")

	g = toolGuard{}
	for i := range maxSameToolInARow {
		require.Empty(t, g.admit(calc(string(rune('a'+i)))))
	}
	assert.Contains(t, g.admit(calc("z")), "in a row")

	g = toolGuard{}
	for i := range maxToolCalls {
		name := "a"
		if i%2 == 1 {
			name = "b"
		}
		require.Empty(t, g.admit(llm.ToolCall{Name: name, Arguments: string(rune('a' + i))}))
	}
	assert.Contains(t, g.admit(llm.ToolCall{Name: "c"}), "tool calls in one run")
}

func TestFactoryFunc(t *testing.T) {
	var got Configuration
	f := FactoryFunc(func(_ context.Context, _ auth.Identity, cfg Configuration) (Handle, error) {
		got = cfg
		return nil, nil
	})
	_, _ = f.Create(context.Background(), alice, Configuration{Calculator: true})
	assert.True(t, got.Calculator)
}

func TestNewEngine(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Sandbox.Enabled = true
	cfg.Sandbox.RootDir = t.TempDir()

	e, err := NewEngine(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	h, err := e.Create(context.Background(), alice, Configuration{ShellTools: true})
	require.NoError(t, err)
	assert.True(t, h.Descriptor().Has(CapShellTools))
	assert.Len(t, h.Resources(), 1)
	assert.Equal(t, 1, e.sandboxes.Active())

	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, 0, e.sandboxes.Active())

	cfg.Agent.Provider = "nope"
	_, err = NewEngine(context.Background(), cfg, nil, nil)
	assert.ErrorIs(t, err, llm.ErrNoProvider)
}
