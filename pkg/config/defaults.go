// Package config provides configuration types and defaults for the AIOS
// gateway and agent services.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// ===== Ports =====

const (
	// DefaultGatewayPort is the standard port for the chat gateway
	DefaultGatewayPort = 55080
)

// ===== Turns =====

const (
	DefaultHistoryTurns      = 6
	DefaultMaxToolIterations = 8
	DefaultMaxTurnDuration   = 10 * time.Minute
	DefaultMaxTurnChunks     = 20000
	DefaultSendTimeout       = 5 * time.Second
	DefaultPingInterval      = 30 * time.Second
)

// ===== Paths =====

// DefaultDataDir returns the data directory (<binary-dir>/data unless AIOS_DATA_DIR is set)
func DefaultDataDir() string {
	if d := os.Getenv("AIOS_DATA_DIR"); d != "" {
		return d
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "data")
}

// DefaultDBPath returns the default sqlite database path
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), "aios.db")
}

// DefaultSpoolDir returns the default badger spool directory
func DefaultSpoolDir() string {
	return filepath.Join(DefaultDataDir(), "spool")
}

// DefaultSocketPath returns the unix socket the agent process listens on
func DefaultSocketPath() string {
	if s := os.Getenv("AIOS_AGENT_SOCK"); s != "" {
		return s
	}
	return filepath.Join(os.TempDir(), "aios-agent.sock")
}

// DefaultSandboxRoot returns the parent directory for per-session sandboxes
func DefaultSandboxRoot() string {
	return filepath.Join(os.TempDir(), "aios-sandbox")
}
