package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BUILDBOX_DATA_DIR", "BUILDBOX_DB_DSN", "DAYTONA_API_KEY",
		"DAYTONA_API_URL", "BUILDBOX_JWT_SECRET", "BUILDBOX_API_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "buildbox.yaml", `
data_dir: /var/lib/buildbox
provider:
  type: docker
  timeout_seconds: 45
  docker:
    image: node:22
    ports: [3000, 5173]
workspaces:
  hard_delete: true
sessions:
  idle_timeout_seconds: 600
reconciler:
  enabled: true
  sync_schedule: "*/10 * * * *"
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
    api_keys:
      secret-key: alice
  websocket:
    enabled: true
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.ProviderType() != "docker" || cfg.Provider.Timeout() != 45*time.Second {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.Docker == nil || len(cfg.Provider.Docker.Ports) != 2 {
		t.Errorf("docker = %+v", cfg.Provider.Docker)
	}
	if !cfg.Workspaces.HardDelete {
		t.Error("hard_delete not loaded")
	}
	if cfg.Sessions.IdleTimeout() != 10*time.Minute || cfg.Sessions.AcquireTimeout() != 2*time.Minute {
		t.Errorf("session timeouts = %v/%v", cfg.Sessions.IdleTimeout(), cfg.Sessions.AcquireTimeout())
	}
	sync, reap := cfg.Reconciler.Schedules()
	if sync != "*/10 * * * *" || reap != "* * * * *" {
		t.Errorf("schedules = %q/%q", sync, reap)
	}
	if cfg.Gateways.HTTP.Addr() != ":9090" || cfg.Gateways.HTTP.APIKeys["secret-key"] != "alice" {
		t.Errorf("http = %+v", cfg.Gateways.HTTP)
	}
	if cfg.Gateways.WebSocket.WSPath() != "/ws/terminal" || cfg.Gateways.MCP.MCPPath() != "/mcp" {
		t.Error("gateway path defaults not applied")
	}
	if cfg.ResolvedDataDir() != "/var/lib/buildbox" {
		t.Errorf("data dir = %q", cfg.ResolvedDataDir())
	}
}

func TestLoadJSON(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "buildbox.json", `{"provider":{"type":"local"},"storage":{"driver":"sqlite"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.ResolvedDataDir() != "" {
		t.Errorf("data dir = %q, want empty (home default)", cfg.ResolvedDataDir())
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUILDBOX_DATA_DIR", "/tmp/bb")
	t.Setenv("BUILDBOX_DB_DSN", "postgres://u:p@db/buildbox")
	t.Setenv("DAYTONA_API_KEY", "dtn_key")
	t.Setenv("DAYTONA_API_URL", "https://daytona.internal/api")
	t.Setenv("BUILDBOX_JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("BUILDBOX_API_KEY", "env-key")

	path := writeConfig(t, "buildbox.yaml", `
provider:
  type: daytona
gateways:
  http:
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/bb" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@db/buildbox" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Provider.Daytona.APIKey != "dtn_key" || cfg.Provider.Daytona.APIURL != "https://daytona.internal/api" {
		t.Errorf("daytona = %+v", cfg.Provider.Daytona)
	}
	if cfg.Gateways.HTTP.JWT == nil || len(cfg.Gateways.HTTP.JWT.Secret) != 32 {
		t.Errorf("jwt = %+v", cfg.Gateways.HTTP.JWT)
	}
	if cfg.Gateways.HTTP.APIKeys["env-key"] != "admin" {
		t.Errorf("api keys = %v", cfg.Gateways.HTTP.APIKeys)
	}
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Provider.ProviderType() != "local" || cfg.Provider.Timeout() != 30*time.Second {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled || cfg.Gateways.HTTP.Addr() != ":8080" {
		t.Errorf("http = %+v", cfg.Gateways.HTTP)
	}
	if cfg.Reconciler != nil {
		t.Error("reconciler should be off by default")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unknown provider", "provider: {type: firecracker}", "provider.type"},
		{"daytona without key", "provider: {type: daytona}", "DAYTONA_API_KEY"},
		{"kubernetes without template", "provider: {type: kubernetes}", "provider.kubernetes.template"},
		{"bad docker port", "provider: {type: docker, docker: {ports: [70000]}}", "provider.docker.ports"},
		{"unknown storage", "storage: {driver: mysql}", "storage.driver"},
		{"postgres without dsn", "storage: {driver: postgres}", "storage.postgres.dsn"},
		{"bad cron", "reconciler: {enabled: true, sync_schedule: 'every day'}", "reconciler.sync_schedule"},
		{"short jwt secret", "gateways: {http: {enabled: true, jwt: {secret: short}}}", "jwt.secret"},
		{"ws without http", "gateways: {websocket: {enabled: true}}", "require the http gateway"},
		{"bad log level", "logging: {level: verbose}", "logging.level"},
		{"tracing without endpoint", "observability: {tracing: {enabled: true}}", "tracing.endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := resolvePath("~/buildbox.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "buildbox.yaml") {
		t.Errorf("resolvePath = %q", got)
	}
}
