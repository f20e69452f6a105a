package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/coordinator"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/session"
	"github.com/gliderlab/aiosgate/storage"
)

// echoHandle answers every message with "echo: <message>" after a delegated
// step, charging 25 input and 15 output tokens per run. A message containing
// "boom" fails mid-stream.
type echoHandle struct {
	mu    sync.Mutex
	usage agent.Usage
	reqs  []agent.RunRequest

	released atomic.Bool
}

func (h *echoHandle) Descriptor() agent.Descriptor {
	return agent.Descriptor{
		Version:          agent.DescriptorVersion,
		Coordinator:      "AI_OS",
		MediaKinds:       []agent.MediaKind{agent.MediaImage},
		DeferPersistence: true,
	}
}

func (h *echoHandle) Usage() agent.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

func (h *echoHandle) Resources() []agent.Resource { return []agent.Resource{h} }
func (h *echoHandle) Name() string                { return "echo" }

func (h *echoHandle) Release(context.Context) error {
	h.released.Store(true)
	return nil
}

func (h *echoHandle) requests() []agent.RunRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]agent.RunRequest(nil), h.reqs...)
}

func (h *echoHandle) Run(_ context.Context, req agent.RunRequest) iter.Seq2[agent.Chunk, error] {
	return func(yield func(agent.Chunk, error) bool) {
		h.mu.Lock()
		h.reqs = append(h.reqs, req)
		h.usage = h.usage.Add(agent.Usage{InputTokens: 25, OutputTokens: 15})
		h.mu.Unlock()

		if strings.Contains(req.Message, "boom") {
			if !yield(agent.Chunk{Kind: agent.ChunkContent, Text: "partial", Origin: agent.Leaf("AI_OS")}, nil) {
				return
			}
			yield(agent.Chunk{}, errors.New("engine exploded"))
			return
		}
		chunks := []agent.Chunk{
			{Kind: agent.ChunkCapabilityStart, Origin: agent.Leaf("AI_OS"), Capability: "delegate_to_web_crawler"},
			{Kind: agent.ChunkContent, Text: "looking", Origin: agent.Delegated("Web Crawler")},
			{Kind: agent.ChunkCapabilityEnd, Origin: agent.Leaf("AI_OS"), Capability: "delegate_to_web_crawler"},
			{Kind: agent.ChunkContent, Text: "echo: ", Origin: agent.Leaf("AI_OS")},
			{Kind: agent.ChunkContent, Text: req.Message, Origin: agent.Leaf("AI_OS")},
		}
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type echoFactory struct {
	mu      sync.Mutex
	handles []*echoHandle
}

func (f *echoFactory) Create(_ context.Context, _ auth.Identity, cfg agent.Configuration) (agent.Handle, error) {
	if cfg.ComputerUse {
		return nil, &agent.ConfigurationError{Capabilities: []string{agent.CapComputerUse}, Err: errors.New("no desktop")}
	}
	h := &echoHandle{}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *echoFactory) last() *echoHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

func (f *echoFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

var testVerifier = auth.VerifierFunc(func(_ context.Context, credential string) (auth.Identity, error) {
	switch credential {
	case "":
		return auth.Identity{}, &auth.AuthError{Reason: auth.ReasonMissing}
	case "alice-token":
		return auth.Identity{ID: "alice"}, nil
	case "bob-token":
		return auth.Identity{ID: "bob"}, nil
	case "expired-token":
		return auth.Identity{}, &auth.AuthError{Reason: auth.ReasonExpired, Err: errors.New("token expired")}
	}
	return auth.Identity{}, &auth.AuthError{Reason: auth.ReasonInvalid}
})

type fixture struct {
	t       *testing.T
	g       *Gateway
	srv     *httptest.Server
	reg     *session.Registry
	db      *storage.Storage
	factory *echoFactory
}

func newFixture(t *testing.T, mutate func(*config.GatewayConfig)) *fixture {
	t.Helper()
	scfg := config.DefaultServerConfig().Storage
	scfg.DBPath = filepath.Join(t.TempDir(), "gw.db")
	db, err := storage.Open(scfg, nil)
	require.NoError(t, err)

	f := &fixture{t: t, db: db, factory: &echoFactory{}}
	f.reg = session.New(f.factory, session.Options{Sink: db})
	coord := coordinator.New(f.reg, coordinator.Options{MaxDuration: 10 * time.Second})

	cfg := config.DefaultServerConfig().Gateway
	cfg.PingInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	f.g = New(Options{Config: cfg, Verifier: testVerifier, Registry: f.reg, Coordinator: coord, Store: db})
	f.srv = httptest.NewServer(f.g.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.g.Shutdown(ctx))
		f.srv.Close()
		db.Close()
	})
	return f
}

func (f *fixture) dial() *websocket.Conn {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/chat", nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { c.CloseNow() })

	hello := f.read(c)
	require.Equal(f.t, "status", hello.Type)
	require.Equal(f.t, StatusConnected, hello.Message)
	return c
}

func (f *fixture) send(c *websocket.Conn, msg map[string]any) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, wsjson.Write(ctx, c, msg))
}

func (f *fixture) read(c *websocket.Conn) Frame {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var fr Frame
	require.NoError(f.t, wsjson.Read(ctx, c, &fr))
	return fr
}

// readUntil returns every frame up to and including the first of type typ.
func (f *fixture) readUntil(c *websocket.Conn, typ string) []Frame {
	f.t.Helper()
	var out []Frame
	for {
		fr := f.read(c)
		out = append(out, fr)
		if fr.Type == typ {
			return out
		}
	}
}

func (f *fixture) get(path, token string) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func typesOf(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, fr := range frames {
		out[i] = fr.Type
	}
	return out
}

func finalText(frames []Frame) string {
	var b strings.Builder
	for _, fr := range frames {
		if fr.Type == "content_chunk" && fr.IsFinalAnswer != nil && *fr.IsFinalAnswer {
			b.WriteString(fr.Text)
		}
	}
	return b.String()
}

func TestChatLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	// First message creates the session and streams the reply.
	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hello", "type": "send", "config": map[string]any{}})
	frames := f.readUntil(c, "stream_end")
	assert.Equal(t, []string{"status", "progress", "content_chunk", "progress", "content_chunk", "content_chunk", "stream_end"}, typesOf(frames))
	assert.Equal(t, StatusCreated, frames[0].Message)
	turnID := frames[1].ID
	require.NotEmpty(t, turnID)
	for _, fr := range frames {
		assert.Equal(t, turnID, fr.ID)
	}
	assert.Equal(t, "capability_start", frames[1].Phase)
	assert.Equal(t, "delegate_to_web_crawler", frames[1].Capability)
	require.NotNil(t, frames[2].IsFinalAnswer)
	assert.False(t, *frames[2].IsFinalAnswer)
	assert.Equal(t, "Web Crawler", frames[2].Owner)
	assert.True(t, frames[2].Streaming)
	assert.Equal(t, "echo: hello", finalText(frames))
	assert.True(t, frames[len(frames)-1].Done)
	assert.Equal(t, 1, f.reg.Len())

	// Second message reuses the session.
	f.send(c, map[string]any{"accessToken": "alice-token", "message": "again"})
	frames = f.readUntil(c, "stream_end")
	assert.NotContains(t, typesOf(frames), "status")
	assert.Equal(t, "echo: again", finalText(frames))
	assert.Equal(t, 1, f.factory.count())

	// Terminate persists usage and history, then removes the entry.
	f.send(c, map[string]any{"accessToken": "alice-token", "type": "terminate_session"})
	fr := f.read(c)
	assert.Equal(t, "status", fr.Type)
	assert.Equal(t, StatusTerminated, fr.Message)
	assert.Equal(t, 0, f.reg.Len())
	assert.True(t, f.factory.last().released.Load())

	ctx := context.Background()
	totals, err := f.db.UsageTotals(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, storage.UsageTotals{InputTokens: 50, OutputTokens: 30, TotalTokens: 80, RequestCount: 1}, totals)

	list, err := f.db.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Title)
	rec, err := f.db.GetSession(ctx, "alice", list[0].ID)
	require.NoError(t, err)
	require.Len(t, rec.History, 4)
	assert.Equal(t, session.RoleUser, rec.History[2].Role)
	assert.Equal(t, "again", rec.History[2].Content)
	assert.Equal(t, "echo: again", rec.History[3].Content)

	// Terminating again is a no-op.
	f.send(c, map[string]any{"type": "new_chat"})
	assert.Equal(t, StatusTerminated, f.read(c).Message)
	list, err = f.db.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// The next message starts a fresh session.
	f.send(c, map[string]any{"accessToken": "alice-token", "message": "fresh"})
	frames = f.readUntil(c, "stream_end")
	assert.Equal(t, StatusCreated, frames[0].Message)
	assert.Equal(t, 2, f.factory.count())
}

func TestAuthErrors(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	cases := map[string]string{
		"expired-token": "Your session has expired. Please log in again.",
		"":              "Authentication token is missing. Please log in again.",
		"garbage":       "Invalid authentication token. Please log in again.",
	}
	for token, want := range cases {
		f.send(c, map[string]any{"accessToken": token, "message": "hello"})
		fr := f.read(c)
		assert.Equal(t, "error", fr.Type)
		assert.Equal(t, want, fr.Message)
		assert.False(t, fr.ResetRequired)
	}
	assert.Equal(t, 0, f.reg.Len())
	assert.Equal(t, 0, f.factory.count())
}

func TestAuthErrorLeavesSessionIntact(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hello"})
	f.readUntil(c, "stream_end")

	f.send(c, map[string]any{"accessToken": "expired-token", "message": "again"})
	assert.Equal(t, "error", f.read(c).Type)
	assert.Equal(t, 1, f.reg.Len())
	assert.Len(t, f.factory.last().requests(), 1)
}

func TestRunFailureResetsSession(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hello"})
	f.readUntil(c, "stream_end")

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "boom"})
	frames := f.readUntil(c, "error")
	errFrame := frames[len(frames)-1]
	assert.Equal(t, coordinator.RunFailureMessage, errFrame.Message)
	assert.True(t, errFrame.ResetRequired)
	assert.NotContains(t, typesOf(frames), "stream_end")

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.factory.last().released.Load())

	totals, err := f.db.UsageTotals(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(80), totals.TotalTokens)

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "after"})
	frames = f.readUntil(c, "stream_end")
	assert.Equal(t, StatusCreated, frames[0].Message)
	assert.Equal(t, 2, f.factory.count())
}

func TestConfigurationErrorCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hi", "config": map[string]any{"computer_use": true}})
	fr := f.read(c)
	assert.Equal(t, "error", fr.Type)
	assert.Equal(t, msgConfiguration, fr.Message)
	assert.Equal(t, 0, f.reg.Len())
}

func TestIdentityMismatch(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hi"})
	f.readUntil(c, "stream_end")

	f.send(c, map[string]any{"accessToken": "bob-token", "message": "hi"})
	fr := f.read(c)
	assert.Equal(t, "error", fr.Type)
	assert.True(t, fr.ResetRequired)
	assert.Len(t, f.factory.last().requests(), 1)

	// The old session was closed, so bob gets a fresh one.
	f.send(c, map[string]any{"accessToken": "bob-token", "message": "again"})
	f.readUntil(c, "stream_end")
	assert.Equal(t, 2, f.factory.count())
}

func TestDisconnectTerminates(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"accessToken": "alice-token", "message": "hello"})
	f.readUntil(c, "stream_end")
	require.Equal(t, 1, f.reg.Len())

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.factory.last().released.Load())
	require.Eventually(t, func() bool {
		list, err := f.db.ListSessions(context.Background(), "alice", 10)
		return err == nil && len(list) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()

	f.send(c, map[string]any{"type": "ping"})
	assert.Equal(t, FramePong, f.read(c).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	fr := f.read(c)
	assert.Equal(t, "error", fr.Type)
	assert.Equal(t, msgInvalidFormat, fr.Message)
}

func TestAttachments(t *testing.T) {
	uploads := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "doc.md"), []byte("# plan"), 0o644))
	f := newFixture(t, func(cfg *config.GatewayConfig) { cfg.UploadDir = uploads })
	c := f.dial()

	png := []byte("\x89PNG\r\n\x1a\nfake")
	f.send(c, map[string]any{
		"accessToken": "alice-token",
		"message":     "summarize",
		"context":     "we talked about plans",
		"attachments": []map[string]any{
			{"name": "notes.txt", "isText": true, "content": "buy milk"},
			{"name": "pic.png", "type": "image/png", "data": base64.StdEncoding.EncodeToString(png)},
			{"name": "song.mp3", "type": "audio/mpeg", "data": base64.StdEncoding.EncodeToString([]byte("ID3"))},
			{"name": "doc.md", "path": "doc.md"},
			{"name": "secret", "path": "../../etc/passwd"},
		},
	})
	f.readUntil(c, "stream_end")

	reqs := f.factory.last().requests()
	require.Len(t, reqs, 1)
	wantMsg := "summarize\n\nContent from attached files:\n--- File: notes.txt ---\nbuy milk\n\n--- File: doc.md ---\n# plan"
	assert.Equal(t, coordinator.ComposeInput("we talked about plans", wantMsg), reqs[0].Message)
	require.Len(t, reqs[0].Media, 1)
	assert.Equal(t, agent.MediaImage, reqs[0].Media[0].Kind)
	assert.Equal(t, png, reqs[0].Media[0].Data)
	assert.Empty(t, reqs[0].UserID)

	// History keeps the message without the client context.
	f.send(c, map[string]any{"type": "terminate"})
	f.read(c)
	list, err := f.db.ListSessions(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec, err := f.db.GetSession(context.Background(), "alice", list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, wantMsg, rec.History[0].Content)
}

func TestResolveUpload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	p, err := resolveUpload(dir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", filepath.Base(p))

	_, err = resolveUpload("", "a.txt")
	assert.ErrorIs(t, err, errOutsideUploads)

	outside := filepath.Join(t.TempDir(), "b.txt")
	require.NoError(t, os.WriteFile(outside, []byte("b"), 0o644))
	_, err = resolveUpload(dir, outside)
	assert.ErrorIs(t, err, errOutsideUploads)

	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.txt")))
	_, err = resolveUpload(dir, "link.txt")
	assert.ErrorIs(t, err, errOutsideUploads)
}

func TestInboundControl(t *testing.T) {
	cases := map[string]Inbound{
		ControlSend:      {},
		ControlTerminate: {Type: "terminate_session"},
		ControlNewChat:   {Control: "new_chat", Type: "send"},
	}
	for want, in := range cases {
		assert.Equal(t, want, in.control())
	}

	in := Inbound{DeepSearch: true, Config: agent.Configuration{Calculator: true}}
	cfg := in.configuration()
	assert.True(t, cfg.DeepSearch)
	assert.True(t, cfg.Calculator)
}

func TestFrameJSON(t *testing.T) {
	data, err := json.Marshal(frameOf(coordinator.Event{Type: coordinator.EventContent, TurnID: "t1", Text: "hi", Owner: "AI_OS"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_chunk","id":"t1","text":"hi","streaming":true,"owner":"AI_OS","is_final_answer":false}`, string(data))

	data, err = json.Marshal(coordinatorError("t2", "nope", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","id":"t2","message":"nope","reset_required":true}`, string(data))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.get("/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial()
	f.send(c, map[string]any{"accessToken": "alice-token", "message": "what is the weather"})
	f.readUntil(c, "stream_end")
	f.send(c, map[string]any{"type": "terminate"})
	f.read(c)

	resp := f.get("/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Authentication token is missing. Please log in again.", decode[map[string]string](t, resp)["error"])

	resp = f.get("/sessions", "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]storage.SessionSummary](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "what is the weather", list[0].Title)

	resp = f.get("/sessions/"+list[0].ID, "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[session.SessionRecord](t, resp)
	require.Len(t, rec.History, 2)
	assert.Equal(t, "echo: what is the weather", rec.History[1].Content)

	resp = f.get("/sessions/"+list[0].ID, "bob-token")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get("/usage", "alice-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.UsageTotals{InputTokens: 25, OutputTokens: 15, TotalTokens: 40, RequestCount: 1}, decode[storage.UsageTotals](t, resp))

	resp = f.get("/sessions?limit=zero", "alice-token")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.GatewayConfig) { cfg.RateLimitPerHour = 2 })
	for range 2 {
		assert.Equal(t, http.StatusOK, f.get("/usage", "alice-token").StatusCode)
	}
	resp := f.get("/usage", "alice-token")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.get("/usage", "bob-token").StatusCode)
}

func TestConnectionLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.GatewayConfig) { cfg.MaxConnectionsPerIP = 1 })
	f.dial()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws/chat", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/sessions", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
