package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds the HTTP and WebSocket listener parameters
type GatewayConfig struct {
	Host                string        `yaml:"host"`                   // Host to bind (default: "0.0.0.0")
	Port                int           `yaml:"port"`                   // Port to listen (default: 55080)
	ReadTimeout         time.Duration `yaml:"read_timeout"`           // HTTP read timeout (default: 120s)
	WriteTimeout        time.Duration `yaml:"write_timeout"`          // HTTP write timeout (default: 180s)
	IdleTimeout         time.Duration `yaml:"idle_timeout"`           // HTTP idle timeout (default: 300s)
	AllowedOrigins      []string      `yaml:"allowed_origins"`        // WebSocket origin patterns (empty: same host only)
	MaxMessageBytes     int64         `yaml:"max_message_bytes"`      // Inbound frame limit (default: 16MB, attachments are inline)
	MaxConnections      int           `yaml:"max_connections"`        // Global WebSocket limit (default: 200)
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"` // Per-IP WebSocket limit (default: 10)
	PingInterval        time.Duration `yaml:"ping_interval"`          // Keepalive interval (default: 30s)
	SendTimeout         time.Duration `yaml:"send_timeout"`           // Per-frame write timeout (default: 5s)
	UploadDir           string        `yaml:"upload_dir"`             // Root for attachment paths (empty: inline only)
	RateLimitPerHour    int           `yaml:"rate_limit_per_hour"`    // Per-identity HTTP API limit (0: unlimited)
}

// AuthConfig selects how credentials are verified
type AuthConfig struct {
	JWTSecret    string        `yaml:"jwt_secret"`     // HS256 shared secret (local verification)
	Audience     string        `yaml:"audience"`       // Expected "aud" claim (optional)
	RemoteURL    string        `yaml:"remote_url"`     // Auth provider base URL, e.g. https://xyz.supabase.co
	RemoteAPIKey string        `yaml:"remote_api_key"` // Provider anon key sent as "apikey"
	Leeway       time.Duration `yaml:"leeway"`         // Clock skew tolerance for exp/nbf (default: 30s)
}

// AgentConfig holds engine construction parameters
type AgentConfig struct {
	Provider          string        `yaml:"provider"`            // "openai", "gemini" or "echo" (default: echo when no key)
	Model             string        `yaml:"model"`               // Model id
	APIKey            string        `yaml:"api_key"`             // Provider API key
	BaseURL           string        `yaml:"base_url"`            // OpenAI-compatible base URL override
	Temperature       float32       `yaml:"temperature"`         // Sampling temperature (0: provider default)
	HistoryTurns      int           `yaml:"history_turns"`       // Completed turns replayed to the model (default: 6)
	MaxToolIterations int           `yaml:"max_tool_iterations"` // Tool round-trips per run (default: 8)
	RemoteAddr        string        `yaml:"remote_addr"`         // Unix socket of a separate agent process (optional)
	RemoteTimeout     time.Duration `yaml:"remote_timeout"`      // Dial timeout for RemoteAddr (default: 10s)
}

// TurnConfig bounds a single streaming run
type TurnConfig struct {
	MaxDuration time.Duration `yaml:"max_duration"` // Wall clock limit (default: 10m)
	MaxChunks   int           `yaml:"max_chunks"`   // Chunk count limit (default: 20000)
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DBPath            string        `yaml:"db_path"`            // Database path
	MaxOpenConns      int           `yaml:"max_open_conns"`     // Max open connections (default: 4)
	MaxIdleConns      int           `yaml:"max_idle_conns"`     // Max idle connections (default: 4)
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`  // Connection max lifetime (default: 5m)
	WalMode           bool          `yaml:"wal_mode"`           // Enable WAL mode (default: true)
	SyncMode          string        `yaml:"sync_mode"`          // Sync mode (default: "NORMAL")
	SpoolDir          string        `yaml:"spool_dir"`          // Badger spool for failed writes (empty: disabled)
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // Spool replay interval (default: 1m)
}

// SandboxConfig controls per-session execution sandboxes
type SandboxConfig struct {
	Enabled        bool          `yaml:"enabled"`          // Allow shell/python capabilities (default: false)
	RootDir        string        `yaml:"root_dir"`         // Parent of per-session work dirs
	ExecTimeout    time.Duration `yaml:"exec_timeout"`     // Per-command limit (default: 60s)
	MaxOutputBytes int           `yaml:"max_output_bytes"` // Captured output cap (default: 64KB)
	UsePty         bool          `yaml:"use_pty"`          // Run commands on a pseudo terminal
}

// LogConfig selects logger level and encoding
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig combines all server configurations
type ServerConfig struct {
	Gateway       GatewayConfig `yaml:"gateway"`
	Auth          AuthConfig    `yaml:"auth"`
	Agent         AgentConfig   `yaml:"agent"`
	Turn          TurnConfig    `yaml:"turn"`
	Storage       StorageConfig `yaml:"storage"`
	Sandbox       SandboxConfig `yaml:"sandbox"`
	Log           LogConfig     `yaml:"log"`
	EnvConfigPath string        `yaml:"env_config"` // Path to env.config
}

// DefaultServerConfig returns a complete default configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Gateway: GatewayConfig{
			Host:                "0.0.0.0",
			Port:                DefaultGatewayPort,
			ReadTimeout:         120 * time.Second,
			WriteTimeout:        180 * time.Second,
			IdleTimeout:         300 * time.Second,
			MaxMessageBytes:     16 * 1024 * 1024,
			MaxConnections:      200,
			MaxConnectionsPerIP: 10,
			PingInterval:        DefaultPingInterval,
			SendTimeout:         DefaultSendTimeout,
		},
		Auth: AuthConfig{
			Leeway: 30 * time.Second,
		},
		Agent: AgentConfig{
			HistoryTurns:      DefaultHistoryTurns,
			MaxToolIterations: DefaultMaxToolIterations,
			RemoteTimeout:     10 * time.Second,
		},
		Turn: TurnConfig{
			MaxDuration: DefaultMaxTurnDuration,
			MaxChunks:   DefaultMaxTurnChunks,
		},
		Storage: StorageConfig{
			DBPath:            DefaultDBPath(),
			MaxOpenConns:      4,
			MaxIdleConns:      4,
			ConnMaxLifetime:   5 * time.Minute,
			WalMode:           true,
			SyncMode:          "NORMAL",
			SpoolDir:          DefaultSpoolDir(),
			ReconcileInterval: time.Minute,
		},
		Sandbox: SandboxConfig{
			RootDir:        DefaultSandboxRoot(),
			ExecTimeout:    60 * time.Second,
			MaxOutputBytes: 64 * 1024,
		},
		Log:           LogConfig{Level: "info", Format: "json"},
		EnvConfigPath: filepath.Join(DefaultDataDir(), "env.config"),
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then env.config, then the process environment.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if cfg.EnvConfigPath != "" {
		fileEnv := ReadEnvConfig(cfg.EnvConfigPath)
		cfg.LoadFromEnv(func(key string) string { return fileEnv[key] })
	}
	cfg.LoadFromEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overrides configuration with values returned by lookup
func (c *ServerConfig) LoadFromEnv(lookup func(string) string) {
	if v := lookup("AIOS_HOST"); v != "" {
		c.Gateway.Host = v
	}
	if v := lookup("AIOS_PORT"); v != "" {
		c.Gateway.Port = parseInt(v, c.Gateway.Port)
	}
	if v := lookup("AIOS_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = splitList(v)
	}
	if v := lookup("AIOS_UPLOAD_DIR"); v != "" {
		c.Gateway.UploadDir = v
	}

	if v := lookup("AIOS_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := lookup("SUPABASE_URL"); v != "" {
		c.Auth.RemoteURL = v
	}
	if v := lookup("SUPABASE_KEY"); v != "" {
		c.Auth.RemoteAPIKey = v
	}

	if v := lookup("AIOS_PROVIDER"); v != "" {
		c.Agent.Provider = v
	}
	if v := lookup("AIOS_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := lookup("AIOS_AGENT_ADDR"); v != "" {
		c.Agent.RemoteAddr = v
	}
	// Vendor keys only fill in a provider that has not been chosen yet.
	if v := lookup("OPENAI_API_KEY"); v != "" && (c.Agent.Provider == "" || c.Agent.Provider == "openai") {
		c.Agent.Provider = "openai"
		c.Agent.APIKey = v
	}
	if v := lookup("OPENAI_BASE_URL"); v != "" && c.Agent.Provider == "openai" {
		c.Agent.BaseURL = v
	}
	if v := lookup("GEMINI_API_KEY"); v != "" && (c.Agent.Provider == "" || c.Agent.Provider == "gemini") {
		c.Agent.Provider = "gemini"
		c.Agent.APIKey = v
	}

	if v := lookup("AIOS_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := lookup("AIOS_SPOOL_DIR"); v != "" {
		c.Storage.SpoolDir = v
	}
	if v := lookup("AIOS_SANDBOX"); v != "" {
		c.Sandbox.Enabled = parseBool(v, c.Sandbox.Enabled)
	}
	if v := lookup("AIOS_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects configurations the gateway cannot start with
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}
	switch c.Agent.Provider {
	case "", "echo", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("agent.provider unknown: %q", c.Agent.Provider))
	}
	if (c.Agent.Provider == "openai" || c.Agent.Provider == "gemini") && c.Agent.APIKey == "" {
		errs = append(errs, fmt.Errorf("agent.api_key required for provider %s", c.Agent.Provider))
	}
	if c.Turn.MaxDuration < 0 || c.Turn.MaxChunks < 0 {
		errs = append(errs, errors.New("turn limits must not be negative"))
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path required"))
	}
	return errors.Join(errs...)
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return n
}

func parseBool(s string, defaultVal bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return defaultVal
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
