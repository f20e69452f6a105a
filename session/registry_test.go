package session

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResource struct {
	name      string
	err       error
	released  atomic.Int32
	onRelease func()
}

func (r *fakeResource) Name() string { return r.name }

func (r *fakeResource) Release(context.Context) error {
	r.released.Add(1)
	if r.onRelease != nil {
		r.onRelease()
	}
	return r.err
}

type fakeHandle struct {
	mu        sync.Mutex
	usage     agent.Usage
	resources []agent.Resource
}

func (h *fakeHandle) Descriptor() agent.Descriptor {
	return agent.Descriptor{Version: agent.DescriptorVersion, Coordinator: "AI_OS"}
}

func (h *fakeHandle) Run(context.Context, agent.RunRequest) iter.Seq2[agent.Chunk, error] {
	return func(yield func(agent.Chunk, error) bool) {
		yield(agent.Chunk{Kind: agent.ChunkContent, Text: "ok", Origin: agent.Leaf("AI_OS")}, nil)
	}
}

func (h *fakeHandle) Usage() agent.Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

func (h *fakeHandle) setUsage(u agent.Usage) {
	h.mu.Lock()
	h.usage = u
	h.mu.Unlock()
}

func (h *fakeHandle) Resources() []agent.Resource { return h.resources }

type fakeFactory struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *fakeFactory) Create(ctx context.Context, _ auth.Identity, _ agent.Configuration) (agent.Handle, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{resources: []agent.Resource{&fakeResource{name: "sandbox:test"}}}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

type recordingSink struct {
	mu       sync.Mutex
	usage    []UsageRecord
	sessions []SessionRecord
	steps    []string
	usageErr error
	histErr  error
	// during is called inside each upsert
	during func()
}

func (s *recordingSink) UpsertUsageLog(_ context.Context, rec UsageRecord) error {
	if s.during != nil {
		s.during()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, "usage")
	if s.usageErr != nil {
		return s.usageErr
	}
	s.usage = append(s.usage, rec)
	return nil
}

func (s *recordingSink) UpsertSessionRecord(_ context.Context, rec SessionRecord) error {
	if s.during != nil {
		s.during()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, "history")
	if s.histErr != nil {
		return s.histErr
	}
	s.sessions = append(s.sessions, rec)
	return nil
}

var (
	alice = auth.Identity{ID: "user-1", Email: "alice@example.com"}
	bob   = auth.Identity{ID: "user-2"}
)

func newRegistry(f agent.Factory, sink Sink) *Registry {
	return New(f, Options{Sink: sink})
}

func TestGetOrCreateRunsFactoryOnce(t *testing.T) {
	f := &fakeFactory{delay: 20 * time.Millisecond}
	r := newRegistry(f, nil)

	const n = 16
	var wg sync.WaitGroup
	entries := make([]*Entry, n)
	created := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, c, err := r.GetOrCreate(context.Background(), "conn-1", alice, agent.Configuration{})
			assert.NoError(t, err)
			entries[i], created[i] = e, c
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, 1, r.Len())
	nCreated := 0
	for i := range entries {
		assert.Same(t, entries[0], entries[i])
		if created[i] {
			nCreated++
		}
	}
	assert.Equal(t, 1, nCreated)
	assert.Equal(t, 0, r.keys.size())
}

func TestGetOrCreateIgnoresConfigurationOnFetch(t *testing.T) {
	f := &fakeFactory{}
	r := newRegistry(f, nil)

	e1, created, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{Calculator: true})
	require.NoError(t, err)
	assert.True(t, created)
	e2, created, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{WebCrawler: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, e1, e2)
	assert.True(t, e2.Config.Calculator)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestGetOrCreateFactoryError(t *testing.T) {
	cfgErr := &agent.ConfigurationError{Capabilities: []string{"x"}, Err: errors.New("bad")}
	r := newRegistry(&fakeFactory{err: cfgErr}, nil)

	_, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	var ce *agent.ConfigurationError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, r.Len())
}

func TestGetOrCreateIdentityMismatch(t *testing.T) {
	r := newRegistry(&fakeFactory{}, nil)
	_, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)

	_, _, err = r.GetOrCreate(context.Background(), "c", bob, agent.Configuration{})
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestAppendTurn(t *testing.T) {
	r := newRegistry(&fakeFactory{}, nil)
	assert.False(t, r.AppendTurn("missing", "hi", "hello"))

	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	assert.True(t, r.AppendTurn("c", "hello", "Hi there"))
	assert.True(t, r.AppendTurn("c", "again", "Sure"))

	h := e.History()
	require.Len(t, h, 4)
	assert.Equal(t, Turn{Role: RoleUser, Content: "hello", Timestamp: h[0].Timestamp}, h[0])
	assert.Equal(t, RoleAssistant, h[1].Role)
	assert.Equal(t, "Sure", h[3].Content)
}

func TestTerminatePersistsBeforeRemoving(t *testing.T) {
	f := &fakeFactory{}
	sink := &recordingSink{}
	r := newRegistry(f, sink)

	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	r.AppendTurn("c", "hello", "Hi!")
	e.Handle.(*fakeHandle).setUsage(agent.Usage{InputTokens: 50, OutputTokens: 30})

	var presentDuring []bool
	sink.during = func() {
		_, ok := r.Get("c")
		presentDuring = append(presentDuring, ok)
	}
	res := e.Handle.Resources()[0].(*fakeResource)
	var presentAtRelease bool
	res.onRelease = func() { _, presentAtRelease = r.Get("c") }

	rep := r.Terminate(context.Background(), "c")
	require.NoError(t, rep.Err())
	assert.True(t, rep.Found)
	assert.True(t, rep.UsageLogged)
	assert.True(t, rep.HistoryPersisted)
	assert.Equal(t, 1, rep.Released)
	assert.Equal(t, agent.Usage{InputTokens: 50, OutputTokens: 30}, rep.Usage)

	assert.Equal(t, []string{"usage", "history"}, sink.steps)
	assert.Equal(t, []bool{true, true}, presentDuring)
	assert.True(t, presentAtRelease)
	assert.Equal(t, int32(1), res.released.Load())

	require.Len(t, sink.usage, 1)
	u := sink.usage[0]
	assert.Equal(t, e.SessionID, u.SessionID)
	assert.Equal(t, "user-1", u.UserID)
	assert.Equal(t, int64(50), u.InputTokens)
	assert.Equal(t, int64(30), u.OutputTokens)

	require.Len(t, sink.sessions, 1)
	s := sink.sessions[0]
	assert.Equal(t, "hello", s.Title)
	assert.Equal(t, "c", s.ConnID)
	assert.Len(t, s.History, 2)
	assert.Equal(t, e.CreatedAt, s.CreatedAt)

	_, ok := r.Get("c")
	assert.False(t, ok)
}

func TestTerminateIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	f := &fakeFactory{}
	r := newRegistry(f, sink)
	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	r.AppendTurn("c", "a", "b")
	e.Handle.(*fakeHandle).setUsage(agent.Usage{InputTokens: 1})

	first := r.Terminate(context.Background(), "c")
	second := r.Terminate(context.Background(), "c")
	assert.True(t, first.Found)
	assert.False(t, second.Found)
	assert.Len(t, sink.usage, 1)
	assert.Len(t, sink.sessions, 1)
	assert.Equal(t, int32(1), e.Handle.Resources()[0].(*fakeResource).released.Load())

	assert.Equal(t, Report{}, r.Terminate(context.Background(), "never-existed"))
}

func TestTerminateSkipsEmptyRecords(t *testing.T) {
	sink := &recordingSink{}
	r := newRegistry(&fakeFactory{}, sink)
	_, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)

	rep := r.Terminate(context.Background(), "c")
	assert.NoError(t, rep.Err())
	assert.False(t, rep.UsageLogged)
	assert.False(t, rep.HistoryPersisted)
	assert.Empty(t, sink.steps)
	assert.Equal(t, 1, rep.Released)
}

func TestTerminateIsolatesFailures(t *testing.T) {
	sink := &recordingSink{usageErr: errors.New("db down")}
	f := &fakeFactory{}
	r := newRegistry(f, sink)
	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	r.AppendTurn("c", "a", "b")
	h := e.Handle.(*fakeHandle)
	h.setUsage(agent.Usage{OutputTokens: 3})
	bad := &fakeResource{name: "bad", err: errors.New("busy")}
	good := &fakeResource{name: "good"}
	h.resources = []agent.Resource{bad, good}

	rep := r.Terminate(context.Background(), "c")
	assert.False(t, rep.UsageLogged)
	assert.True(t, rep.HistoryPersisted)
	assert.Equal(t, 1, rep.Released)
	assert.Len(t, rep.Errors, 2)
	assert.Equal(t, int32(1), good.released.Load())
	assert.Equal(t, 0, r.Len())
}

func TestTerminateWaitsForRunningTurn(t *testing.T) {
	r := newRegistry(&fakeFactory{}, &recordingSink{})
	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)

	release, err := e.AcquireTurn(context.Background())
	require.NoError(t, err)

	done := make(chan Report, 1)
	go func() { done <- r.Terminate(context.Background(), "c") }()

	select {
	case <-done:
		t.Fatal("terminate finished while a turn was running")
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := r.Get("c")
	assert.True(t, ok)
	assert.True(t, r.AppendTurn("c", "late", "answer"))

	release()
	select {
	case rep := <-done:
		assert.True(t, rep.HistoryPersisted)
	case <-time.After(5 * time.Second):
		t.Fatal("terminate did not finish")
	}

	_, err = e.AcquireTurn(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, r.AppendTurn("c", "x", "y"))
}

func TestSecondTurnWaitsForFirst(t *testing.T) {
	r := newRegistry(&fakeFactory{}, nil)
	e, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)

	release, err := e.AcquireTurn(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = e.AcquireTurn(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	release()
}

func TestFailedEntryIsReplaced(t *testing.T) {
	f := &fakeFactory{}
	r := newRegistry(f, nil)
	old, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	old.MarkFailed()

	fresh, created, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, old, fresh)
	assert.NotSame(t, old.Handle, fresh.Handle)
	assert.NotEqual(t, old.SessionID, fresh.SessionID)
	assert.True(t, old.Closed())
	assert.Equal(t, int32(1), old.Handle.Resources()[0].(*fakeResource).released.Load())
}

func TestTerminatedHandleIsNeverReused(t *testing.T) {
	f := &fakeFactory{}
	r := newRegistry(f, nil)
	first, _, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	r.Terminate(context.Background(), "c")

	second, created, err := r.GetOrCreate(context.Background(), "c", alice, agent.Configuration{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, first.Handle, second.Handle)
	assert.Equal(t, int32(2), f.calls.Load())

	// a stale entry does not take the new one down
	assert.False(t, r.TerminateEntry(context.Background(), first).Found)
	_, ok := r.Get("c")
	assert.True(t, ok)
	assert.True(t, r.TerminateEntry(context.Background(), second).Found)
	assert.Equal(t, 0, r.Len())
}

func TestCloseTerminatesAll(t *testing.T) {
	sink := &recordingSink{}
	r := newRegistry(&fakeFactory{}, sink)
	for _, c := range []string{"a", "b", "c"} {
		_, _, err := r.GetOrCreate(context.Background(), c, alice, agent.Configuration{})
		require.NoError(t, err)
		r.AppendTurn(c, "q", "a")
	}

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())
	assert.Len(t, sink.sessions, 3)

	_, _, err := r.GetOrCreate(context.Background(), "d", alice, agent.Configuration{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestGetOrCreateHonorsContext(t *testing.T) {
	r := newRegistry(&fakeFactory{}, nil)
	unlock, err := r.keys.Lock(context.Background(), "c")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.GetOrCreate(ctx, "c", alice, agent.Configuration{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "", Title(nil))
	assert.Equal(t, "hello", Title([]Turn{{Role: RoleAssistant, Content: "x"}, {Role: RoleUser, Content: "  hello "}}))

	long := strings.Repeat("é", 70)
	got := Title([]Turn{{Role: RoleUser, Content: long}})
	assert.Equal(t, strings.Repeat("é", TitleMaxRunes)+"...", got)
}
