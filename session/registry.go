// Package session owns the connection-to-agent table and the termination
// sequence that persists a session before it is discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/pkg/logging"
)

var (
	// ErrSessionClosed is returned for work on a terminated entry or a
	// closed registry.
	ErrSessionClosed = errors.New("session closed")
	// ErrIdentityMismatch is returned when a connection's live session
	// belongs to a different identity than the current turn.
	ErrIdentityMismatch = errors.New("session belongs to another identity")
)

// DefaultPersistTimeout bounds the persistence steps of one termination.
const DefaultPersistTimeout = 30 * time.Second

// Options configures a Registry.
type Options struct {
	// Sink receives termination records. Nil disables persistence.
	Sink           Sink
	PersistTimeout time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// Registry maps connection ids to live entries. Creation and termination of
// the same connection id are serialized; different ids proceed in parallel.
// The map mutex is never held while calling out to the factory, the sink or
// a handle. The per-id lock is: it stays held across Factory.Create and while
// termination waits for a running turn, so one id never gets two handles and
// a slow factory only stalls its own connection.
type Registry struct {
	factory agent.Factory
	sink    Sink
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time

	keys *keyLock

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool
}

// New returns an empty registry that builds handles with factory.
func New(factory agent.Factory, opts Options) *Registry {
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		factory: factory,
		sink:    opts.Sink,
		timeout: opts.PersistTimeout,
		log:     logging.OrNop(opts.Logger).Named("session"),
		now:     opts.Now,
		keys:    newKeyLock(),
		entries: make(map[string]*Entry),
	}
}

// GetOrCreate returns the live entry for connID, creating it with the
// factory when there is none. cfg is ignored when an entry exists. A failed
// entry is terminated and replaced. created reports whether the factory ran.
func (r *Registry) GetOrCreate(ctx context.Context, connID string, id auth.Identity, cfg agent.Configuration) (e *Entry, created bool, err error) {
	unlock, err := r.keys.Lock(ctx, connID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	r.mu.Lock()
	closed := r.closed
	e = r.entries[connID]
	r.mu.Unlock()
	if closed {
		return nil, false, ErrSessionClosed
	}

	if e != nil {
		if e.IdentityID != id.ID {
			return nil, false, ErrIdentityMismatch
		}
		if !e.Failed() {
			return e, false, nil
		}
		r.log.Info("replacing failed session", zap.String("conn_id", connID), zap.String("session_id", e.SessionID))
		r.terminateLocked(ctx, e)
	}

	h, err := r.factory.Create(ctx, id, cfg)
	if err != nil {
		return nil, false, err
	}
	e = newEntry(connID, uuid.NewString(), id.ID, cfg, h, r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.release(context.WithoutCancel(ctx), e, &Report{})
		return nil, false, ErrSessionClosed
	}
	r.entries[connID] = e
	r.mu.Unlock()

	r.log.Info("session created",
		zap.String("conn_id", connID),
		zap.String("session_id", e.SessionID),
		zap.String("user_id", id.ID),
		zap.Strings("capabilities", h.Descriptor().Capabilities),
	)
	return e, true, nil
}

// Get returns the live entry for connID.
func (r *Registry) Get(connID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[connID]
	return e, ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// AppendTurn records a completed exchange on connID's entry. It reports
// false, and logs, when the entry is gone.
func (r *Registry) AppendTurn(connID, user, assistant string) bool {
	e, ok := r.Get(connID)
	if !ok || !e.append(user, assistant, r.now()) {
		r.log.Warn("append to missing session", zap.String("conn_id", connID))
		return false
	}
	return true
}

// Report describes what one termination did.
type Report struct {
	Found            bool
	SessionID        string
	Usage            agent.Usage
	UsageLogged      bool
	HistoryPersisted bool
	Released         int
	Errors           []error
}

// Err joins the failures of all steps.
func (rep Report) Err() error { return errors.Join(rep.Errors...) }

// Terminate drains and removes connID's entry: it waits for the run in
// flight, persists usage and history, releases the handle's resources and
// only then deletes the entry. Terminating an absent id is a no-op.
func (r *Registry) Terminate(ctx context.Context, connID string) Report {
	unlock, err := r.keys.Lock(ctx, connID)
	if err != nil {
		return Report{Errors: []error{err}}
	}
	defer unlock()

	e, ok := r.Get(connID)
	if !ok {
		return Report{}
	}
	return r.terminateLocked(ctx, e)
}

// TerminateEntry terminates e if it is still the live entry of its
// connection. A stale entry is a no-op.
func (r *Registry) TerminateEntry(ctx context.Context, e *Entry) Report {
	unlock, err := r.keys.Lock(ctx, e.ConnID)
	if err != nil {
		return Report{Errors: []error{err}}
	}
	defer unlock()

	cur, ok := r.Get(e.ConnID)
	if !ok || cur != e {
		return Report{}
	}
	return r.terminateLocked(ctx, e)
}

// terminateLocked runs the termination sequence. The caller holds the key
// lock for e.ConnID.
func (r *Registry) terminateLocked(ctx context.Context, e *Entry) Report {
	rep := Report{Found: true, SessionID: e.SessionID}
	log := r.log.With(zap.String("conn_id", e.ConnID), zap.String("session_id", e.SessionID))

	release, err := e.AcquireTurn(ctx)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		log.Error("terminate: waiting for run", zap.Error(err))
		rep.Errors = append(rep.Errors, err)
		return rep
	}
	history := e.close()
	if release != nil {
		release()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	now := r.now()

	rep.Usage = e.Handle.Usage()
	if r.sink != nil && rep.Usage.Total() > 0 {
		err := r.sink.UpsertUsageLog(pctx, UsageRecord{
			SessionID:    e.SessionID,
			ConnID:       e.ConnID,
			UserID:       e.IdentityID,
			InputTokens:  rep.Usage.InputTokens,
			OutputTokens: rep.Usage.OutputTokens,
			CreatedAt:    now,
		})
		if err != nil {
			log.Error("persist usage", zap.Error(err))
			rep.Errors = append(rep.Errors, fmt.Errorf("usage log: %w", err))
		} else {
			rep.UsageLogged = true
		}
	}

	if r.sink != nil && len(history) > 0 {
		err := r.sink.UpsertSessionRecord(pctx, SessionRecord{
			SessionID: e.SessionID,
			ConnID:    e.ConnID,
			UserID:    e.IdentityID,
			Title:     Title(history),
			CreatedAt: e.CreatedAt,
			UpdatedAt: now,
			History:   history,
		})
		if err != nil {
			log.Error("persist history", zap.Error(err))
			rep.Errors = append(rep.Errors, fmt.Errorf("session record: %w", err))
		} else {
			rep.HistoryPersisted = true
		}
	}

	r.release(pctx, e, &rep)

	r.mu.Lock()
	if r.entries[e.ConnID] == e {
		delete(r.entries, e.ConnID)
	}
	r.mu.Unlock()

	log.Info("session terminated",
		zap.Int64("input_tokens", rep.Usage.InputTokens),
		zap.Int64("output_tokens", rep.Usage.OutputTokens),
		zap.Int("turns", len(history)/2),
		zap.Bool("usage_logged", rep.UsageLogged),
		zap.Bool("history_persisted", rep.HistoryPersisted),
	)
	return rep
}

func (r *Registry) release(ctx context.Context, e *Entry, rep *Report) {
	for _, res := range e.Handle.Resources() {
		if err := res.Release(ctx); err != nil {
			r.log.Warn("release resource",
				zap.String("conn_id", e.ConnID),
				zap.String("resource", res.Name()),
				zap.Error(err),
			)
			rep.Errors = append(rep.Errors, fmt.Errorf("release %s: %w", res.Name(), err))
			continue
		}
		rep.Released++
	}
}

// Close refuses new sessions and terminates every live one.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.Terminate(ctx, id).Err(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
