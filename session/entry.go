package session

import (
	"context"
	"sync"
	"time"

	"github.com/gliderlab/aiosgate/agent"
)

// Entry binds one connection to its agent handle and accumulated history.
// The handle is owned by the entry for the entry's whole life.
type Entry struct {
	ConnID     string
	SessionID  string
	IdentityID string
	Config     agent.Configuration
	Handle     agent.Handle
	CreatedAt  time.Time

	// turn is held by the run in flight; later turns queue on it.
	turn chan struct{}

	mu      sync.Mutex
	history []Turn
	failed  bool
	closed  bool
}

func newEntry(connID, sessionID, identityID string, cfg agent.Configuration, h agent.Handle, now time.Time) *Entry {
	return &Entry{
		ConnID:     connID,
		SessionID:  sessionID,
		IdentityID: identityID,
		Config:     cfg,
		Handle:     h,
		CreatedAt:  now,
		turn:       make(chan struct{}, 1),
	}
}

// AcquireTurn waits until no other turn runs on the entry. It fails with
// ErrSessionClosed once the entry has been terminated.
func (e *Entry) AcquireTurn(ctx context.Context) (release func(), err error) {
	select {
	case e.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		<-e.turn
		return nil, ErrSessionClosed
	}
	var once sync.Once
	return func() { once.Do(func() { <-e.turn }) }, nil
}

// History returns a copy of the turn log.
func (e *Entry) History() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Turn(nil), e.history...)
}

// MarkFailed poisons the entry after a failed run. A poisoned entry is
// never handed out again.
func (e *Entry) MarkFailed() {
	e.mu.Lock()
	e.failed = true
	e.mu.Unlock()
}

// Failed reports whether a run on the entry failed.
func (e *Entry) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Closed reports whether the entry has been terminated.
func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Entry) append(user, assistant string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.history = append(e.history,
		Turn{Role: RoleUser, Content: user, Timestamp: now},
		Turn{Role: RoleAssistant, Content: assistant, Timestamp: now},
	)
	return true
}

// close marks the entry terminated and returns its final history.
func (e *Entry) close() []Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return append([]Turn(nil), e.history...)
}
