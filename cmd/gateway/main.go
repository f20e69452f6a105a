package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/auth"
	"github.com/gliderlab/aiosgate/coordinator"
	"github.com/gliderlab/aiosgate/gateway"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/kv"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/rpcproto"
	"github.com/gliderlab/aiosgate/session"
	"github.com/gliderlab/aiosgate/storage"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath   string
	discardSpool bool
)

var rootCmd = &cobra.Command{
	Use:          "aios-gateway",
	Short:        "Real-time chat gateway for the AIOS agent team",
	SilenceUsage: true,
	RunE:         runGateway,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().BoolVar(&discardSpool, "discard-spool", false, "drop records waiting in the spool instead of replaying them")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var sink session.Sink = store
	if cfg.Storage.SpoolDir != "" {
		kvOpts := kv.DefaultOptions(cfg.Storage.SpoolDir)
		kvOpts.Logger = log
		spool, err := kv.Open(kvOpts)
		if err != nil {
			return fmt.Errorf("open spool: %w", err)
		}
		defer spool.Close()
		sink = storage.NewSpoolingSink(store, spool, log)

		reconciler := storage.NewReconciler(spool, store, cfg.Storage.ReconcileInterval, log)
		if discardSpool {
			if _, err := reconciler.Discard(); err != nil {
				return err
			}
		}
		rctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			reconciler.Run(rctx)
		}()
		// Stop replaying before the spool closes.
		defer func() {
			cancel()
			<-done
		}()
	}

	factory, closeFactory, err := newFactory(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeFactory()

	verifier, err := auth.FromConfig(cfg.Auth, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}

	registry := session.New(factory, session.Options{Sink: sink, Logger: log})
	coord := coordinator.New(registry, coordinator.Options{
		MaxDuration: cfg.Turn.MaxDuration,
		MaxChunks:   cfg.Turn.MaxChunks,
		Logger:      log,
	})
	gw := gateway.New(gateway.Options{
		Config:      cfg.Gateway,
		Verifier:    verifier,
		Registry:    registry,
		Coordinator: coord,
		Store:       store,
		Logger:      log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err = <-errCh:
		if err != nil {
			log.Error("gateway stopped", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := gw.Shutdown(sctx); serr != nil {
		log.Warn("gateway shutdown", zap.Error(serr))
	}
	// Sessions whose connections never closed are persisted here.
	if cerr := registry.Close(sctx); cerr != nil {
		log.Warn("registry close", zap.Error(cerr))
	}
	return err
}

// newFactory returns the remote factory when an agent process is configured,
// the in-process engine otherwise.
func newFactory(ctx context.Context, cfg *config.ServerConfig, store *storage.Storage, log *zap.Logger) (agent.Factory, func(), error) {
	if cfg.Agent.RemoteAddr != "" {
		conn, err := rpcproto.Dial(cfg.Agent.RemoteAddr, cfg.Agent.RemoteTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to agent at %s: %w", cfg.Agent.RemoteAddr, err)
		}
		log.Info("using remote agent", zap.String("addr", cfg.Agent.RemoteAddr))
		return rpcproto.NewRemoteFactory(conn, log), func() { conn.Close() }, nil
	}

	engine, err := agent.NewEngine(ctx, cfg, store, log)
	if err != nil {
		return nil, nil, err
	}
	return engine, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("release sandboxes", zap.Error(err))
		}
	}, nil
}
