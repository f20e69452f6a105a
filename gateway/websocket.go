// WebSocket handler for real-time chat

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/coordinator"
	"github.com/gliderlab/aiosgate/session"
)

// Inbound message controls
const (
	ControlSend      = "send"
	ControlTerminate = "terminate"
	// ControlTerminateSession is the name older clients send.
	ControlTerminateSession = "terminate_session"
	ControlNewChat          = "new_chat"
	MsgTypePing             = "ping"
	MsgTypePong             = "pong"
)

// Outbound frame types besides the coordinator's event types
const (
	FramePing = "ping"
	FramePong = "pong"
)

// Status messages
const (
	StatusConnected  = "Connected to server"
	StatusCreated    = "Session created"
	StatusTerminated = "Session terminated"
)

// User-facing error messages
const (
	msgInvalidFormat   = "Invalid message format."
	msgEmptyMessage    = "Message is empty."
	msgAuthUnavailable = "Authentication service is unavailable. Please try again."
	msgSessionError    = "Session error. Starting new chat..."
	msgOtherIdentity   = "This chat belongs to another account. Starting new chat..."
	msgConfiguration   = "The requested assistant configuration is not available."
)

// Inbound is one client message on /ws/chat.
type Inbound struct {
	Type        string              `json:"type,omitempty"`
	Control     string              `json:"control,omitempty"`
	AccessToken string              `json:"accessToken,omitempty"`
	Message     string              `json:"message,omitempty"`
	Context     string              `json:"context,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	Files       []Attachment        `json:"files,omitempty"`
	Config      agent.Configuration `json:"config"`
	DeepSearch  bool                `json:"is_deepsearch,omitempty"`
	BrowseAI    bool                `json:"is_browse_ai,omitempty"`
}

// control returns the requested action; an empty one means send.
func (m *Inbound) control() string {
	c := m.Control
	if c == "" {
		c = m.Type
	}
	switch c {
	case "", ControlSend:
		return ControlSend
	case ControlTerminateSession:
		return ControlTerminate
	}
	return c
}

// configuration merges the top-level mode flags older clients send.
func (m *Inbound) configuration() agent.Configuration {
	cfg := m.Config
	cfg.DeepSearch = cfg.DeepSearch || m.DeepSearch
	cfg.BrowseAI = cfg.BrowseAI || m.BrowseAI
	return cfg
}

// Frame is one outbound message.
type Frame struct {
	Type          string `json:"type"`
	ID            string `json:"id,omitempty"`
	Text          string `json:"text,omitempty"`
	Streaming     bool   `json:"streaming,omitempty"`
	Owner         string `json:"owner,omitempty"`
	IsFinalAnswer *bool  `json:"is_final_answer,omitempty"`
	Done          bool   `json:"done,omitempty"`
	Phase         string `json:"phase,omitempty"`
	Capability    string `json:"capability_name,omitempty"`
	Message       string `json:"message,omitempty"`
	ResetRequired bool   `json:"reset_required,omitempty"`
}

func frameOf(ev coordinator.Event) Frame {
	f := Frame{
		Type:          string(ev.Type),
		ID:            ev.TurnID,
		Owner:         ev.Owner,
		Done:          ev.Done,
		Phase:         ev.Phase,
		Capability:    ev.Capability,
		Message:       ev.Message,
		ResetRequired: ev.ResetRequired,
	}
	if ev.Type == coordinator.EventContent {
		final := ev.IsFinalAnswer
		f.Text = ev.Text
		f.Streaming = true
		f.IsFinalAnswer = &final
	}
	return f
}

// HandleWebSocket handles WebSocket upgrade requests
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := getClientIP(r)
	if msg, ok := g.acquireConn(ip); !ok {
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}

	opts := &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		OriginPatterns:  g.cfg.AllowedOrigins,
	}
	if slices.Contains(g.cfg.AllowedOrigins, "*") {
		opts.InsecureSkipVerify = true
	}
	// Server read/write timeouts would otherwise outlive the hijack.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.log.Warn("websocket accept", zap.String("ip", ip), zap.Error(err))
		g.releaseConn(ip)
		return
	}
	conn.SetReadLimit(g.cfg.MaxMessageBytes)

	c := &client{
		g:      g,
		id:     uuid.NewString(),
		conn:   conn,
		ip:     ip,
		inbox:  make(chan *Inbound, 16),
		closed: make(chan struct{}),
	}
	c.log = g.log.With(zap.String("conn_id", c.id))

	g.wg.Add(1)
	defer g.wg.Done()
	defer g.releaseConn(ip)
	c.serve(r.Context())
}

func (g *Gateway) acquireConn(ip string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wsConns >= g.cfg.MaxConnections {
		return "too many WebSocket connections", false
	}
	if g.wsIPConns[ip] >= g.cfg.MaxConnectionsPerIP {
		return "too many connections from this IP", false
	}
	g.wsConns++
	g.wsIPConns[ip]++
	return "", true
}

func (g *Gateway) releaseConn(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wsConns--
	g.wsIPConns[ip]--
	if g.wsIPConns[ip] <= 0 {
		delete(g.wsIPConns, ip)
	}
}

// client is one chat connection. Its messages are handled one at a time by
// the dispatcher, so the turns of a connection never interleave.
type client struct {
	g    *Gateway
	id   string
	conn *websocket.Conn
	ip   string
	log  *zap.Logger

	// Mutex to protect all write operations (coder/websocket is not thread-safe)
	writeMu sync.Mutex

	inbox  chan *Inbound
	closed chan struct{} // dispatcher finished
}

func (c *client) serve(reqCtx context.Context) {
	ctx, cancel := context.WithCancel(reqCtx)
	stop := context.AfterFunc(c.g.base, cancel)
	defer stop()
	defer cancel()

	c.log.Info("client connected", zap.String("ip", c.ip))
	c.send(ctx, statusFrame("", StatusConnected))

	go c.dispatch(ctx)
	go c.pingLoop(ctx)

	c.readLoop(ctx)
	cancel()
	close(c.inbox)
	c.conn.Close(websocket.StatusNormalClosure, "")

	// Disconnect converges on the same termination as an explicit request,
	// once the turn in flight has finished.
	c.g.wg.Add(1)
	go func() {
		defer c.g.wg.Done()
		<-c.closed
		rep := c.g.registry.Terminate(context.Background(), c.id)
		c.logReport("disconnect", rep)
	}()
	c.log.Info("client disconnected")
}

func (c *client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}

		msg := new(Inbound)
		if err := json.Unmarshal(data, msg); err != nil {
			c.send(ctx, coordinatorError("", msgInvalidFormat, false))
			continue
		}

		switch msg.control() {
		case MsgTypePing:
			c.send(ctx, Frame{Type: FramePong})
			continue
		case MsgTypePong:
			// Connection alive, do nothing
			continue
		}

		select {
		case c.inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Ping goroutine to detect dead connections
func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.g.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(ctx, Frame{Type: FramePing}); err != nil {
				c.log.Info("ping failed, closing connection", zap.Error(err))
				c.conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *client) dispatch(ctx context.Context) {
	defer close(c.closed)
	for msg := range c.inbox {
		if ctx.Err() != nil {
			continue
		}
		switch ctl := msg.control(); ctl {
		case ControlSend:
			c.handleSend(ctx, msg)
		case ControlTerminate, ControlNewChat:
			c.handleTerminate(ctx, ctl)
		default:
			c.log.Debug("unknown control", zap.String("control", ctl))
			c.send(ctx, coordinatorError("", msgInvalidFormat, false))
		}
	}
}

func (c *client) handleTerminate(ctx context.Context, ctl string) {
	rep := c.g.registry.Terminate(context.WithoutCancel(ctx), c.id)
	c.logReport(ctl, rep)
	c.send(ctx, statusFrame("", StatusTerminated))
}

func (c *client) handleSend(ctx context.Context, msg *Inbound) {
	turnID := uuid.NewString()

	id, err := c.g.verifier.Verify(ctx, msg.AccessToken)
	if err != nil {
		var ae *auth.AuthError
		if errors.As(err, &ae) {
			c.log.Info("credential rejected", zap.String("reason", string(ae.Reason)))
			c.send(ctx, coordinatorError(turnID, ae.UserMessage(), false))
			return
		}
		c.log.Warn("identity verification unavailable", zap.Error(err))
		c.send(ctx, coordinatorError(turnID, msgAuthUnavailable, false))
		return
	}

	atts := slices.Concat(msg.Attachments, msg.Files)
	if msg.Message == "" && len(atts) == 0 {
		c.send(ctx, coordinatorError(turnID, msgEmptyMessage, false))
		return
	}

	e, created, err := c.g.registry.GetOrCreate(ctx, c.id, id, msg.configuration())
	if err != nil {
		c.sessionError(ctx, turnID, err)
		return
	}
	if created {
		c.send(ctx, statusFrame(turnID, StatusCreated))
	}

	text, media := c.g.resolveAttachments(atts, c.log)
	turn := c.g.coord.RunTurn(ctx, e, coordinator.TurnInput{
		TurnID:  turnID,
		UserID:  id.ID,
		Message: composeMessage(msg.Message, text),
		Context: msg.Context,
		Media:   media,
	})
	for ev := range turn.Events() {
		c.send(ctx, frameOf(ev))
	}

	res := turn.Result()
	var rf *coordinator.RunFailure
	if errors.As(res.Err, &rf) {
		// The handle's state is untrusted after a failed run.
		rep := c.g.registry.TerminateEntry(context.WithoutCancel(ctx), e)
		c.logReport("run failure", rep)
	}
}

func (c *client) sessionError(ctx context.Context, turnID string, err error) {
	var cfgErr *agent.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		c.log.Info("configuration rejected", zap.Error(err))
		c.send(ctx, coordinatorError(turnID, msgConfiguration, false))
	case errors.Is(err, session.ErrIdentityMismatch):
		c.log.Warn("identity changed on connection", zap.Error(err))
		c.send(ctx, coordinatorError(turnID, msgOtherIdentity, true))
		c.logReport("identity changed", c.g.registry.Terminate(context.WithoutCancel(ctx), c.id))
	case ctx.Err() != nil:
	default:
		c.log.Error("session create failed", zap.Error(err))
		c.send(ctx, coordinatorError(turnID, msgSessionError, true))
	}
}

func (c *client) logReport(reason string, rep session.Report) {
	if !rep.Found {
		return
	}
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("session_id", rep.SessionID),
		zap.Int64("input_tokens", rep.Usage.InputTokens),
		zap.Int64("output_tokens", rep.Usage.OutputTokens),
		zap.Bool("usage_logged", rep.UsageLogged),
		zap.Bool("history_persisted", rep.HistoryPersisted),
	}
	if err := rep.Err(); err != nil {
		c.log.Warn("session terminated with errors", append(fields, zap.Error(err))...)
		return
	}
	c.log.Info("session terminated", fields...)
}

func coordinatorError(turnID, msg string, reset bool) Frame {
	return frameOf(coordinator.Error(turnID, msg, reset))
}

func statusFrame(turnID, msg string) Frame {
	return frameOf(coordinator.Status(turnID, msg))
}

// send writes f, dropping it once the connection is gone.
func (c *client) send(ctx context.Context, f Frame) {
	if ctx.Err() != nil {
		return
	}
	if err := c.write(ctx, f); err != nil {
		c.log.Debug("write failed", zap.String("type", f.Type), zap.Error(err))
	}
}

func (c *client) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.g.cfg.SendTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
