// Package coordinator drives one conversational turn against an agent handle
// and turns the handle's chunk stream into ordered outbound events.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/session"
)

// RunFailureMessage is shown to the user when a run fails.
const RunFailureMessage = "An error occurred while processing your request. Starting a new session..."

const defaultBuffer = 64

var (
	// ErrTurnLimit is the cause of a run stopped by the duration or chunk
	// limit.
	ErrTurnLimit = errors.New("turn exceeded its duration or chunk limit")
	// ErrHandleFailed is the cause of a turn refused because an earlier run
	// on the same session failed.
	ErrHandleFailed = errors.New("a previous run on this session failed")
)

// RunFailure reports a turn that ended in the FAILED state.
type RunFailure struct {
	TurnID string
	Err    error
}

func (e *RunFailure) Error() string { return "run failed: " + e.Err.Error() }

func (e *RunFailure) Unwrap() error { return e.Err }

// State is the lifecycle state of a turn.
type State int

const (
	StateStarted State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Appender records a completed exchange. *session.Registry implements it.
type Appender interface {
	AppendTurn(connID, user, assistant string) bool
}

// Options configures a Coordinator.
type Options struct {
	// MaxDuration bounds one run; 0 means no limit.
	MaxDuration time.Duration
	// MaxChunks bounds the chunks of one run; 0 means no limit.
	MaxChunks int
	// Buffer is the capacity of a turn's event channel.
	Buffer int
	Logger *zap.Logger
}

// Coordinator runs turns. It is safe for concurrent use; turns on the same
// entry are serialized by the entry's turn lock.
type Coordinator struct {
	appender Appender
	opts     Options
	log      *zap.Logger
}

// New returns a Coordinator that records completed turns with appender.
func New(appender Appender, opts Options) *Coordinator {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Coordinator{
		appender: appender,
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("coordinator"),
	}
}

// TurnInput is one inbound user turn.
type TurnInput struct {
	TurnID  string
	UserID  string
	Message string
	// Context is prior conversation text supplied by the client.
	Context string
	Media   []agent.Media
}

// Result is the outcome of a finished turn.
type Result struct {
	TurnID string
	State  State
	// Answer is the concatenated final-answer text.
	Answer string
	Chunks int
	Err    error
}

// Turn is a running turn. Events is closed when the turn finishes, after
// which Result is valid.
type Turn struct {
	id     string
	events chan Event
	done   chan struct{}
	result Result
}

func (t *Turn) ID() string { return t.id }

func (t *Turn) Events() <-chan Event { return t.events }

func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It must only be called after Done is closed.
func (t *Turn) Result() Result { return t.result }

// Wait blocks until the turn finishes and returns its outcome.
func (t *Turn) Wait() Result {
	<-t.done
	return t.result
}

// ComposeInput prefixes message with the prior conversation context, if any.
func ComposeInput(priorContext, message string) string {
	if strings.TrimSpace(priorContext) == "" {
		return message
	}
	return "Previous conversation context:\n" + priorContext + "\n\nCurrent message: " + message
}

// RunTurn starts a turn on e and returns immediately. The turn waits behind
// any turn already running on e.
//
// ctx is the connection's context. Once it is done, events are dropped but
// the run itself continues until the engine finishes or the duration limit
// expires, so the engine is never interrupted mid-call.
func (c *Coordinator) RunTurn(ctx context.Context, e *session.Entry, in TurnInput) *Turn {
	if in.TurnID == "" {
		in.TurnID = uuid.NewString()
	}
	t := &Turn{
		id:     in.TurnID,
		events: make(chan Event, c.opts.Buffer),
		done:   make(chan struct{}),
		result: Result{TurnID: in.TurnID, State: StateStarted},
	}
	go c.run(ctx, e, in, t)
	return t
}

func (c *Coordinator) run(ctx context.Context, e *session.Entry, in TurnInput, t *Turn) {
	defer close(t.done)
	defer close(t.events)

	log := c.log.With(
		zap.String("conn_id", e.ConnID),
		zap.String("session_id", e.SessionID),
		zap.String("turn_id", t.id),
	)
	res := &t.result

	release, err := e.AcquireTurn(ctx)
	if err != nil {
		res.State = StateFailed
		res.Err = err
		if errors.Is(err, session.ErrSessionClosed) {
			c.send(ctx, t, Error(t.id, RunFailureMessage, true))
		}
		log.Debug("turn not started", zap.Error(err))
		return
	}
	defer release()

	if e.Failed() {
		c.fail(ctx, t, e, log, ErrHandleFailed)
		return
	}

	desc := e.Handle.Descriptor()
	req := agent.RunRequest{Message: ComposeInput(in.Context, in.Message)}
	if desc.UserIDPassthrough {
		req.UserID = in.UserID
	}
	for _, m := range in.Media {
		if !desc.Accepts(m.Kind) {
			log.Debug("dropping undeclared media", zap.String("kind", string(m.Kind)), zap.String("name", m.Name))
			continue
		}
		req.Media = append(req.Media, m)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if c.opts.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.opts.MaxDuration)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	defer cancel()

	start := time.Now()
	var answer strings.Builder
	var runErr error
	for chunk, err := range e.Handle.Run(runCtx, req) {
		if err != nil {
			runErr = err
			break
		}
		res.Chunks++
		if c.opts.MaxChunks > 0 && res.Chunks > c.opts.MaxChunks {
			runErr = ErrTurnLimit
			break
		}
		res.State = StateStreaming

		switch chunk.Kind {
		case agent.ChunkContent:
			if chunk.Text == "" {
				continue
			}
			final := chunk.Final()
			if final {
				answer.WriteString(chunk.Text)
			}
			c.send(ctx, t, Event{
				Type:          EventContent,
				Text:          chunk.Text,
				Owner:         chunk.Origin.Owner(),
				IsFinalAnswer: final,
			})
		case agent.ChunkCapabilityStart, agent.ChunkCapabilityEnd:
			phase := PhaseCapabilityStart
			if chunk.Kind == agent.ChunkCapabilityEnd {
				phase = PhaseCapabilityEnd
			}
			c.send(ctx, t, Event{
				Type:       EventProgress,
				Phase:      phase,
				Capability: chunk.Capability,
				Owner:      chunk.Origin.Owner(),
			})
		}
	}
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = ErrTurnLimit
	}
	if runErr != nil {
		c.fail(ctx, t, e, log, runErr)
		return
	}

	res.State = StateCompleted
	res.Answer = answer.String()
	c.send(ctx, t, Event{Type: EventStreamEnd, Done: true})
	if c.appender != nil {
		c.appender.AppendTurn(e.ConnID, in.Message, res.Answer)
	}
	log.Debug("turn completed",
		zap.Int("chunks", res.Chunks),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("connected", ctx.Err() == nil),
	)
}

// fail poisons the entry and reports the failure. The caller is expected to
// terminate the session once the turn is done.
func (c *Coordinator) fail(ctx context.Context, t *Turn, e *session.Entry, log *zap.Logger, cause error) {
	e.MarkFailed()
	t.result.State = StateFailed
	t.result.Err = &RunFailure{TurnID: t.id, Err: cause}
	log.Error("run failed", zap.Error(cause), zap.Int("chunks", t.result.Chunks))
	c.send(ctx, t, Error(t.id, RunFailureMessage, true))
}

// send delivers ev in order, or drops it once the connection is gone.
func (c *Coordinator) send(ctx context.Context, t *Turn, ev Event) {
	ev.TurnID = t.id
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}
