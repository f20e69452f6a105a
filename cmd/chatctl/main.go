// Command chatctl is a terminal client for the gateway's /ws/chat endpoint.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/coordinator"
	"github.com/gliderlab/aiosgate/gateway"
)

type options struct {
	url     string
	token   string
	secret  string
	user    string
	caps    []string
	context string
}

var opts options

var rootCmd = &cobra.Command{
	Use:          "chatctl",
	Short:        "Chat with the gateway from a terminal",
	Long:         "Reads one message per line from stdin. /new starts a new chat, /quit exits.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return run(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:55080/ws/chat", "gateway websocket url")
	f.StringVar(&opts.token, "token", os.Getenv("AIOS_TOKEN"), "access token (default $AIOS_TOKEN)")
	f.StringVar(&opts.secret, "secret", "", "mint a one-hour HS256 token with this secret instead of --token")
	f.StringVar(&opts.user, "user", "local-dev", "subject of a minted token")
	f.StringSliceVar(&opts.caps, "cap", nil, "capability flags for new sessions, e.g. --cap calculator,web_crawler")
	f.StringVar(&opts.context, "context", "", "prior conversation context sent with every message")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (o options) accessToken(now time.Time) (string, error) {
	if o.secret == "" {
		return o.token, nil
	}
	return auth.SignHS256(o.secret, map[string]any{
		"sub": o.user,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
}

// configuration maps capability names onto a session configuration. Unknown
// names are rejected here rather than silently ignored by the gateway.
func configuration(caps []string) (agent.Configuration, error) {
	flags := make(map[string]bool, len(caps))
	for _, c := range caps {
		flags[strings.TrimSpace(c)] = true
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return agent.Configuration{}, err
	}
	var cfg agent.Configuration
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return agent.Configuration{}, fmt.Errorf("capabilities: %w", err)
	}
	return cfg, cfg.Validate()
}

type chat struct {
	conn   *websocket.Conn
	frames chan gateway.Frame
	// readErr is valid once frames is closed.
	readErr error
	out     io.Writer
	errOut  io.Writer
	// final is true while the last content written to out was a final answer.
	final bool
}

func run(ctx context.Context, o options, in io.Reader, out, errOut io.Writer) error {
	token, err := o.accessToken(time.Now())
	if err != nil {
		return err
	}
	cfg, err := configuration(o.caps)
	if err != nil {
		return err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, o.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", o.url, err)
	}
	defer conn.Close()

	c := &chat{conn: conn, frames: make(chan gateway.Frame, 64), out: out, errOut: errOut}
	go c.readLoop()
	// Unblock the reader on interrupt.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := c.await(ctx, isStatus(gateway.StatusConnected)); err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	lines.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for {
		fmt.Fprint(errOut, "> ")
		if !lines.Scan() {
			fmt.Fprintln(errOut)
			return lines.Err()
		}
		line := strings.TrimSpace(lines.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case "/new":
			if err := conn.WriteJSON(gateway.Inbound{Type: gateway.ControlNewChat}); err != nil {
				return err
			}
			err = c.await(ctx, isStatus(gateway.StatusTerminated))
		default:
			msg := gateway.Inbound{
				Type:        gateway.ControlSend,
				AccessToken: token,
				Message:     line,
				Context:     o.context,
				Config:      cfg,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
			err = c.await(ctx, turnEnded)
		}
		if err != nil {
			return err
		}
	}
}

func (c *chat) readLoop() {
	defer close(c.frames)
	for {
		var fr gateway.Frame
		if err := c.conn.ReadJSON(&fr); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.readErr = err
			}
			return
		}
		c.frames <- fr
	}
}

func isStatus(msg string) func(gateway.Frame) bool {
	return func(fr gateway.Frame) bool {
		return fr.Type == string(coordinator.EventStatus) && fr.Message == msg
	}
}

func turnEnded(fr gateway.Frame) bool {
	return fr.Type == string(coordinator.EventStreamEnd) || fr.Type == string(coordinator.EventError)
}

// await renders frames until done reports true.
func (c *chat) await(ctx context.Context, done func(gateway.Frame) bool) error {
	for {
		select {
		case fr, ok := <-c.frames:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if c.readErr != nil {
					return c.readErr
				}
				return errors.New("connection closed by server")
			}
			if fr.Type == gateway.FramePing {
				if err := c.conn.WriteJSON(gateway.Frame{Type: gateway.FramePong}); err != nil {
					return err
				}
				continue
			}
			c.render(fr)
			if done(fr) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// render prints final-answer text to out and everything else to errOut.
func (c *chat) render(fr gateway.Frame) {
	switch fr.Type {
	case string(coordinator.EventContent):
		if fr.IsFinalAnswer != nil && *fr.IsFinalAnswer {
			fmt.Fprint(c.out, fr.Text)
			c.final = true
			return
		}
		c.endLine()
		fmt.Fprintf(c.errOut, "  [%s] %s\n", fr.Owner, fr.Text)
	case string(coordinator.EventProgress):
		c.endLine()
		verb := "started"
		if fr.Phase == coordinator.PhaseCapabilityEnd {
			verb = "finished"
		}
		fmt.Fprintf(c.errOut, "  %s %s %s\n", fr.Owner, fr.Capability, verb)
	case string(coordinator.EventStreamEnd):
		c.endLine()
	case string(coordinator.EventStatus):
		c.endLine()
		fmt.Fprintf(c.errOut, "* %s\n", fr.Message)
	case string(coordinator.EventError):
		c.endLine()
		fmt.Fprintf(c.errOut, "error: %s\n", fr.Message)
		if fr.ResetRequired {
			fmt.Fprintln(c.errOut, "* the next message starts a new session")
		}
	case gateway.FramePong:
	default:
		fmt.Fprintf(c.errOut, "? %s\n", fr.Type)
	}
}

func (c *chat) endLine() {
	if c.final {
		fmt.Fprintln(c.out)
		c.final = false
	}
}
