package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/gliderlab/aiosgate/agent"
	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/rpcproto"
	"github.com/gliderlab/aiosgate/storage"
)

var (
	configPath string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:          "aios-agent",
	Short:        "Serve the agent team to gateways over a unix socket",
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.Flags().StringVar(&socketPath, "socket", "", "unix socket to listen on (default: agent.remote_addr or the data dir socket)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
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

	// The engine's long-term memory lives in the shared database.
	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	engine, err := agent.NewEngine(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	log.Info("agent config",
		zap.String("provider", cfg.Agent.Provider),
		zap.String("model", cfg.Agent.Model),
		zap.String("api_key", maskKey(cfg.Agent.APIKey)),
	)

	sock := socketPath
	if sock == "" {
		sock = cfg.Agent.RemoteAddr
	}
	if sock == "" {
		sock = config.DefaultSocketPath()
	}
	// Ensure old socket is removed
	_ = os.Remove(sock)
	lis, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	defer os.Remove(sock)
	_ = os.Chmod(sock, 0o660)

	srv := rpcproto.NewServer(engine, log)
	gs := grpc.NewServer()
	srv.Register(gs)

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info("agent listening", zap.String("socket", sock))

	select {
	case err = <-errCh:
		log.Error("grpc serve", zap.Error(err))
	case <-ctx.Done():
		log.Info("agent shutting down", zap.Int("handles", srv.Len()))
	}

	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		gs.Stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rerr := srv.ReleaseAll(sctx); rerr != nil {
		log.Warn("release handles", zap.Error(rerr))
	}
	if rerr := engine.Close(sctx); rerr != nil {
		log.Warn("release sandboxes", zap.Error(rerr))
	}
	return err
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
