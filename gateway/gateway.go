// Gateway module - HTTP server
// Hosts the /ws/chat transport and the thin session/usage endpoints.

package gateway

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/coordinator"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/session"
	"github.com/gliderlab/aiosgate/storage"
)

// Store backs the HTTP endpoints. *storage.Storage implements it.
type Store interface {
	ListSessions(ctx context.Context, userID string, limit int) ([]storage.SessionSummary, error)
	GetSession(ctx context.Context, userID, sessionID string) (*session.SessionRecord, error)
	UsageTotals(ctx context.Context, userID string) (storage.UsageTotals, error)
	CheckRateLimit(ctx context.Context, endpoint, key string, maxPerHour int) (bool, error)
}

// Options wires a Gateway.
type Options struct {
	Config      config.GatewayConfig
	Verifier    auth.Verifier
	Registry    *session.Registry
	Coordinator *coordinator.Coordinator
	// Store is optional; without it the HTTP endpoints answer 503.
	Store  Store
	Logger *zap.Logger
}

// Gateway serves chat connections against one session registry.
type Gateway struct {
	cfg      config.GatewayConfig
	verifier auth.Verifier
	registry *session.Registry
	coord    *coordinator.Coordinator
	store    Store
	log      *zap.Logger
	server   *http.Server

	// WebSocket connection limiting
	mu        sync.Mutex
	wsConns   int
	wsIPConns map[string]int

	// closes live chat connections on Shutdown
	base     context.Context
	stopConn context.CancelFunc
	// connections and their disconnect terminations
	wg sync.WaitGroup
}

// New creates a Gateway with the given options
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:       opts.Config,
		verifier:  opts.Verifier,
		registry:  opts.Registry,
		coord:     opts.Coordinator,
		store:     opts.Store,
		log:       logging.OrNop(opts.Logger).Named("gateway"),
		wsIPConns: make(map[string]int),
	}
	g.base, g.stopConn = context.WithCancel(context.Background())

	// Apply defaults
	if g.cfg.Port == 0 {
		g.cfg.Port = config.DefaultGatewayPort
	}
	if g.cfg.Host == "" {
		g.cfg.Host = "0.0.0.0"
	}
	if g.cfg.MaxMessageBytes <= 0 {
		g.cfg.MaxMessageBytes = 16 * 1024 * 1024
	}
	if g.cfg.MaxConnections <= 0 {
		g.cfg.MaxConnections = 200
	}
	if g.cfg.MaxConnectionsPerIP <= 0 {
		g.cfg.MaxConnectionsPerIP = 10
	}
	if g.cfg.PingInterval <= 0 {
		g.cfg.PingInterval = config.DefaultPingInterval
	}
	if g.cfg.SendTimeout <= 0 {
		g.cfg.SendTimeout = config.DefaultSendTimeout
	}
	return g
}

// Config returns the gateway configuration
func (g *Gateway) Config() config.GatewayConfig {
	return g.cfg
}

// writeJSON writes a JSON response with proper Content-Type header
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.log.Warn("encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

type identityKey struct{}

// IdentityFrom returns the identity stored by requireAuth.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}

// credential reads a bearer token from the Authorization header or the
// token query parameter.
func credential(r *http.Request) string {
	if tok := auth.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := g.verifier.Verify(r.Context(), credential(r))
		if err != nil {
			var ae *auth.AuthError
			if errors.As(err, &ae) {
				g.writeError(w, http.StatusUnauthorized, ae.UserMessage())
				return
			}
			g.log.Warn("identity verification unavailable", zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	}
}

// rateLimit must run inside requireAuth; the limit is per identity.
func (g *Gateway) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil || g.cfg.RateLimitPerHour <= 0 {
			next(w, r)
			return
		}
		id, _ := IdentityFrom(r.Context())
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		allowed, err := g.store.CheckRateLimit(r.Context(), endpoint, id.ID, g.cfg.RateLimitPerHour)
		if err != nil {
			g.log.Warn("rate limit check failed", zap.String("user_id", id.ID), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, "rate limit unavailable")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "3600")
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) requireStore(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.store == nil {
			g.writeError(w, http.StatusServiceUnavailable, "storage not configured")
			return
		}
		next(w, r)
	}
}

// addCORS wraps an HTTP handler with CORS headers
func (g *Gateway) addCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// gzipResponseWriter wraps http.ResponseWriter for gzip compression
type gzipResponseWriter struct {
	http.ResponseWriter
	gw *gzip.Writer
}

func (gr *gzipResponseWriter) Write(p []byte) (int, error) {
	return gr.gw.Write(p)
}

// addGzip compresses responses for clients that accept gzip
func (g *Gateway) addGzip(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}
		gw := gzip.NewWriter(w)
		defer gw.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		next(&gzipResponseWriter{ResponseWriter: w, gw: gw}, r)
	}
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	// WebSocket endpoint; credentials travel inside each message
	mux.HandleFunc("GET /ws/chat", g.HandleWebSocket)

	api := func(h http.HandlerFunc) http.HandlerFunc {
		return g.requireStore(g.requireAuth(g.rateLimit(g.addGzip(h))))
	}
	mux.HandleFunc("GET /sessions", api(g.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", api(g.handleSession))
	mux.HandleFunc("GET /usage", api(g.handleUsage))

	return g.addCORS(mux)
}

// Start listens on the configured address until Shutdown.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port))
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (g *Gateway) Serve(ln net.Listener) error {
	g.mu.Lock()
	g.server = &http.Server{
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(g.log),
	}
	srv := g.server
	g.mu.Unlock()

	g.log.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes live chat connections and
// waits for their terminations to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			g.log.Warn("graceful shutdown failed", zap.Error(err))
			srv.Close()
		}
	}
	// http.Server does not track hijacked websocket connections.
	g.stopConn()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

// Wait blocks until every connection and its termination has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.registry.Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

const defaultSessionsLimit = 50

func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	limit := defaultSessionsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 500)
	}
	list, err := g.store.ListSessions(r.Context(), id.ID, limit)
	if err != nil {
		g.log.Error("list sessions", zap.String("user_id", id.ID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "error listing sessions")
		return
	}
	g.writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	rec, err := g.store.GetSession(r.Context(), id.ID, r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		g.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		g.log.Error("get session", zap.String("user_id", id.ID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "error loading session")
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	totals, err := g.store.UsageTotals(r.Context(), id.ID)
	if err != nil {
		g.log.Error("usage totals", zap.String("user_id", id.ID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "error loading usage")
		return
	}
	g.writeJSON(w, http.StatusOK, totals)
}

// getClientIP extracts client IP from HTTP request (handles proxies)
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
