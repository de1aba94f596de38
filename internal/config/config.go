// Package config handles loading and validating buildbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/buildbox/internal/auth"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for buildbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Runtime directory. Default: ~/.buildbox. Override: BUILDBOX_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Workspaces    WorkspacesConfig     `json:"workspaces" yaml:"workspaces"`
	Sessions      SessionsConfig       `json:"sessions" yaml:"sessions"`
	Reconciler    *ReconcilerConfig    `json:"reconciler,omitempty" yaml:"reconciler,omitempty"` // nil = no background jobs
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
}

// StorageConfig configures the catalog persistence backend.
// When nil, defaults to SQLite with the database under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/buildbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: BUILDBOX_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProviderConfig selects and configures the sandbox backend.
type ProviderConfig struct {
	Type           string                    `json:"type" yaml:"type"`                                 // "local" (default), "docker", "daytona", "kubernetes".
	TimeoutSeconds int                       `json:"timeout_seconds" yaml:"timeout_seconds"`           // Per provider call. Default: 30.
	Local          *LocalProviderConfig      `json:"local,omitempty" yaml:"local,omitempty"`           // Used when type=local.
	Docker         *DockerProviderConfig     `json:"docker,omitempty" yaml:"docker,omitempty"`         // Used when type=docker.
	Daytona        *DaytonaProviderConfig    `json:"daytona,omitempty" yaml:"daytona,omitempty"`       // Used when type=daytona.
	Kubernetes     *KubernetesProviderConfig `json:"kubernetes,omitempty" yaml:"kubernetes,omitempty"` // Used when type=kubernetes.
}

// ProviderType returns the configured provider, defaulting to "local".
func (p ProviderConfig) ProviderType() string {
	if p.Type != "" {
		return p.Type
	}
	return "local"
}

// Timeout returns the per-call provider timeout with a default of 30s.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// LocalProviderConfig configures host-directory sandboxes.
type LocalProviderConfig struct {
	PreviewHost   string `json:"preview_host" yaml:"preview_host"`       // Default: localhost.
	Shell         string `json:"shell" yaml:"shell"`                     // Default: /bin/sh.
	MaxMemoryMB   int    `json:"max_memory_mb" yaml:"max_memory_mb"`     // 0 = no cap.
	MaxCPUSeconds int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // 0 = no cap.
}

// DockerProviderConfig configures container sandboxes.
type DockerProviderConfig struct {
	Binary      string   `json:"binary,omitempty" yaml:"binary,omitempty"` // Default: docker.
	Image       string   `json:"image" yaml:"image"`                       // Default: node:22-bookworm.
	MemoryMB    int      `json:"memory_mb" yaml:"memory_mb"`               // Default: 2048.
	CPUCores    float64  `json:"cpu_cores" yaml:"cpu_cores"`               // Default: 2.
	PIDsLimit   int      `json:"pids_limit" yaml:"pids_limit"`             // Default: 512.
	Network     string   `json:"network" yaml:"network"`                   // Default: bridge.
	Ports       []int    `json:"ports" yaml:"ports"`                       // Default: [3000].
	PreviewHost string   `json:"preview_host" yaml:"preview_host"`         // Default: localhost.
	Shell       string   `json:"shell" yaml:"shell"`                       // Default: /bin/bash.
	Env         []string `json:"env,omitempty" yaml:"env,omitempty"`       // KEY=VALUE pairs.
}

// DaytonaProviderConfig configures the Daytona control plane client.
type DaytonaProviderConfig struct {
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: DAYTONA_API_KEY env var.
	APIURL   string `json:"api_url,omitempty" yaml:"api_url,omitempty"` // Override: DAYTONA_API_URL env var.
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`
	Snapshot string `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Shell    string `json:"shell,omitempty" yaml:"shell,omitempty"`
}

// KubernetesProviderConfig configures agent-sandbox claims.
type KubernetesProviderConfig struct {
	Namespace string `json:"namespace" yaml:"namespace"` // Default: default.
	Template  string `json:"template" yaml:"template"`   // SandboxTemplate name. Required.
}

// WorkspacesConfig configures the sandbox service.
type WorkspacesConfig struct {
	HardDelete bool `json:"hard_delete" yaml:"hard_delete"` // Also delete at the provider. Default: soft delete only.
}

// SessionsConfig configures builder sessions and their shells.
type SessionsConfig struct {
	IdleTimeoutSeconds    int               `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`       // Sessions with no shells idle this long are reaped. Default: 1800.
	AcquireTimeoutSeconds int               `json:"acquire_timeout_seconds" yaml:"acquire_timeout_seconds"` // Create+start budget. Default: 120.
	Shell                 string            `json:"shell,omitempty" yaml:"shell,omitempty"`                 // Empty = provider default.
	Env                   map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// IdleTimeout returns the session idle timeout with a default of 30m.
func (s SessionsConfig) IdleTimeout() time.Duration {
	if s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// AcquireTimeout returns the sandbox acquisition timeout with a default of 2m.
func (s SessionsConfig) AcquireTimeout() time.Duration {
	if s.AcquireTimeoutSeconds > 0 {
		return time.Duration(s.AcquireTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// ReconcilerConfig configures the background cron jobs.
type ReconcilerConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	SyncSchedule string `json:"sync_schedule" yaml:"sync_schedule"` // Cron expression. Default: "*/5 * * * *".
	ReapSchedule string `json:"reap_schedule" yaml:"reap_schedule"` // Cron expression. Default: "* * * * *".
}

// Schedules returns the sync and reap schedules with defaults applied.
func (r *ReconcilerConfig) Schedules() (sync, reap string) {
	sync, reap = "*/5 * * * *", "* * * * *"
	if r != nil && r.SyncSchedule != "" {
		sync = r.SyncSchedule
	}
	if r != nil && r.ReapSchedule != "" {
		reap = r.ReapSchedule
	}
	return sync, reap
}

// GatewaysConfig holds the inbound surfaces.
type GatewaysConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Terminal WebSocket. Mounted on the HTTP server.
	MCP       *MCPGatewayConfig       `json:"mcp,omitempty" yaml:"mcp,omitempty"`             // MCP tools. Mounted on the HTTP server.
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → user ID. Override: BUILDBOX_API_KEY adds a key for "admin".
	JWT                 *JWTConfig        `json:"jwt,omitempty" yaml:"jwt,omitempty"`
	CORSOrigins         []string          `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"` // Applies to sandbox and session creation.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// JWTConfig configures HS256 bearer token validation.
type JWTConfig struct {
	Secret   string `json:"secret,omitempty" yaml:"secret,omitempty"` // Override: BUILDBOX_JWT_SECRET env var.
	Issuer   string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience string `json:"audience,omitempty" yaml:"audience,omitempty"`
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// WebSocketGatewayConfig configures the terminal WebSocket endpoint.
type WebSocketGatewayConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Path    string   `json:"path" yaml:"path"`                           // Default: "/ws/terminal".
	Origins []string `json:"origins,omitempty" yaml:"origins,omitempty"` // Accepted Origin patterns. Empty = same host only.
}

// WSPath returns the WebSocket path with a default of "/ws/terminal".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/terminal"
}

// MCPGatewayConfig configures the MCP tool endpoint.
type MCPGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/mcp".
}

// MCPPath returns the MCP path with a default of "/mcp".
func (m *MCPGatewayConfig) MCPPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/mcp"
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "buildbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB       bool `json:"include_db" yaml:"include_db"`
	IncludeProvider bool `json:"include_provider" yaml:"include_provider"`
}

// AnomalyConfig configures threshold-based detection of provider error spikes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = warn above 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// DefaultConfigPath returns the default config file path (~/.buildbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/buildbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".buildbox", "config.yaml")
}

// Default returns the zero-file configuration: local provider, SQLite, HTTP
// on :8080 with the terminal WebSocket mounted. Env overrides still apply.
func Default() (*Config, error) {
	cfg := &Config{
		Gateways: GatewaysConfig{
			HTTP:      &HTTPGatewayConfig{Enabled: true},
			WebSocket: &WebSocketGatewayConfig{Enabled: true},
		},
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Secrets can be set in the config file or overridden by environment variables.
// Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("BUILDBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BUILDBOX_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("DAYTONA_API_KEY"); v != "" {
		if c.Provider.Daytona == nil {
			c.Provider.Daytona = &DaytonaProviderConfig{}
		}
		c.Provider.Daytona.APIKey = v
	}
	if v := os.Getenv("DAYTONA_API_URL"); v != "" {
		if c.Provider.Daytona == nil {
			c.Provider.Daytona = &DaytonaProviderConfig{}
		}
		c.Provider.Daytona.APIURL = v
	}
	if v := os.Getenv("BUILDBOX_JWT_SECRET"); v != "" && c.Gateways.HTTP != nil {
		if c.Gateways.HTTP.JWT == nil {
			c.Gateways.HTTP.JWT = &JWTConfig{}
		}
		c.Gateways.HTTP.JWT.Secret = v
	}
	if v := os.Getenv("BUILDBOX_API_KEY"); v != "" && c.Gateways.HTTP != nil {
		if c.Gateways.HTTP.APIKeys == nil {
			c.Gateways.HTTP.APIKeys = make(map[string]string)
		}
		c.Gateways.HTTP.APIKeys[v] = auth.AdminUser
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
// Empty means the home package default (~/.buildbox).
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return ""
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.Provider.ProviderType() {
	case "local", "docker":
	case "daytona":
		if c.Provider.Daytona == nil || c.Provider.Daytona.APIKey == "" {
			return fmt.Errorf("provider.daytona.api_key is required (set DAYTONA_API_KEY env var)")
		}
	case "kubernetes":
		if c.Provider.Kubernetes == nil || c.Provider.Kubernetes.Template == "" {
			return fmt.Errorf("provider.kubernetes.template is required")
		}
	default:
		return fmt.Errorf("provider.type %q is not supported (use local, docker, daytona, or kubernetes)", c.Provider.Type)
	}
	if c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("provider.timeout_seconds must not be negative")
	}
	if l := c.Provider.Local; l != nil && (l.MaxMemoryMB < 0 || l.MaxCPUSeconds < 0) {
		return fmt.Errorf("provider.local limits must not be negative")
	}
	if d := c.Provider.Docker; d != nil {
		if d.MemoryMB < 0 || d.CPUCores < 0 || d.PIDsLimit < 0 {
			return fmt.Errorf("provider.docker limits must not be negative")
		}
		for _, p := range d.Ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("provider.docker.ports: %d is not a valid port", p)
			}
		}
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set BUILDBOX_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}

	if c.Sessions.IdleTimeoutSeconds < 0 || c.Sessions.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("sessions timeouts must not be negative")
	}

	if c.Reconciler != nil && c.Reconciler.Enabled {
		syncSpec, reapSpec := c.Reconciler.Schedules()
		if _, err := cron.ParseStandard(syncSpec); err != nil {
			return fmt.Errorf("reconciler.sync_schedule %q: %w", syncSpec, err)
		}
		if _, err := cron.ParseStandard(reapSpec); err != nil {
			return fmt.Errorf("reconciler.reap_schedule %q: %w", reapSpec, err)
		}
	}

	if h := c.Gateways.HTTP; h != nil {
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
		if h.JWT != nil && h.JWT.Secret != "" && len(h.JWT.Secret) < 32 {
			return fmt.Errorf("gateways.http.jwt.secret must be at least 32 bytes")
		}
	}
	if (c.Gateways.WebSocket != nil && c.Gateways.WebSocket.Enabled || c.Gateways.MCP != nil && c.Gateways.MCP.Enabled) &&
		(c.Gateways.HTTP == nil || !c.Gateways.HTTP.Enabled) {
		return fmt.Errorf("websocket and mcp gateways require the http gateway to be enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}

	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		if o.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	if o := c.Observability; o != nil && o.Anomaly != nil {
		if o.Anomaly.ErrorRateThreshold < 0 || o.Anomaly.ErrorRateThreshold > 1 {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be between 0 and 1")
		}
		if o.Anomaly.WindowSeconds < 0 {
			return fmt.Errorf("observability.anomaly.window_seconds must not be negative")
		}
	}
	return nil
}
