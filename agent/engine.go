package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/config"
	llmfactory "github.com/gliderlab/aiosgate/pkg/llm/factory"
	"github.com/gliderlab/aiosgate/sandbox"
	"github.com/gliderlab/aiosgate/tools"
)

// Engine is a TeamFactory built from the server configuration, together with
// the sandbox manager backing its handles.
type Engine struct {
	*TeamFactory
	sandboxes *sandbox.Manager
}

// NewEngine builds the provider, the sandbox manager (when enabled) and the
// team factory described by cfg. memory may be nil.
func NewEngine(ctx context.Context, cfg *config.ServerConfig, memory tools.MemoryStore, log *zap.Logger) (*Engine, error) {
	provider, err := llmfactory.New(ctx, cfg.Agent)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	opts := Options{
		Provider:          provider,
		Model:             cfg.Agent.Model,
		Temperature:       cfg.Agent.Temperature,
		HistoryTurns:      cfg.Agent.HistoryTurns,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		Memory:            memory,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		Logger:            log,
	}
	e := &Engine{}
	if cfg.Sandbox.Enabled {
		e.sandboxes = sandbox.NewManager(cfg.Sandbox, log)
		opts.Sandboxes = e.sandboxes
	}
	if e.TeamFactory, err = NewTeamFactory(opts); err != nil {
		return nil, err
	}
	e.log.Info("engine ready",
		zap.String("provider", provider.Name()),
		zap.String("model", cfg.Agent.Model),
		zap.Bool("sandbox", e.sandboxes != nil),
		zap.Bool("memory", memory != nil),
	)
	return e, nil
}

// Close releases sandboxes still held by live handles.
func (e *Engine) Close(ctx context.Context) error {
	if e.sandboxes == nil {
		return nil
	}
	return e.sandboxes.ReleaseAll(ctx)
}
