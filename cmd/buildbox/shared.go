package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/buildbox/internal/auth"
	"github.com/jkaninda/buildbox/internal/config"
	"github.com/jkaninda/buildbox/internal/home"
	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/provider/daytona"
	"github.com/jkaninda/buildbox/internal/provider/docker"
	"github.com/jkaninda/buildbox/internal/provider/kubernetes"
	"github.com/jkaninda/buildbox/internal/provider/local"
	"github.com/jkaninda/buildbox/internal/ratelimit"
	"github.com/jkaninda/buildbox/internal/session"
	"github.com/jkaninda/buildbox/internal/storage"
	pgstore "github.com/jkaninda/buildbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/buildbox/internal/storage/sqlite"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// SharedComponents holds the initialized subsystems behind every gateway.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Home     *home.Home
	Store    storage.Store
	Obs      *observability.Observability
	Provider workspace.Provider
	Service  *workspace.Service
	Sessions *session.Manager
	Auth     *auth.Authenticator
	Limiter  *ratelimit.Limiter // nil = unlimited.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger from the logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// initShared performs all common initialization. Callers must call
// sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory.
	var (
		h   *home.Home
		err error
	)
	if dir := cfg.ResolvedDataDir(); dir != "" {
		h, err = home.New(dir)
	} else {
		h, err = home.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("initializing data directory: %w", err)
	}
	if err := h.EnsureAll(); err != nil {
		return nil, fmt.Errorf("initializing data directory: %w", err)
	}
	sc.Home = h
	logger.Debug("data directory initialized", slog.String("path", h.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized", slog.Any("features", obs.Features()))

	// Catalog storage.
	store, err := initStore(cfg, h, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() { _ = store.Close() })

	// Provider.
	provider, err := newProvider(cfg, h, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing provider: %w", err)
	}
	sc.Provider = observability.InstrumentProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	logger.Info("provider initialized", slog.String("provider", provider.Name()))

	sc.Service = workspace.NewService(sc.Provider, store.Workspaces(), workspace.Config{
		Timeout:    cfg.Provider.Timeout(),
		HardDelete: cfg.Workspaces.HardDelete,
	}, logger)

	// Sessions.
	var shellEnv map[string]string
	if len(cfg.Sessions.Env) > 0 {
		shellEnv = cfg.Sessions.Env
	}
	sessCfg := session.Config{
		AcquireTimeout: cfg.Sessions.AcquireTimeout(),
		Shell:          workspace.ShellOptions{Shell: cfg.Sessions.Shell, Env: shellEnv},
		Admins:         []string{auth.AdminUser},
	}
	if m := obs.MetricsOrNil(); m != nil {
		sessCfg.Metrics = m
		sessCfg.Observer = m
	}
	sc.Sessions = session.NewManager(sc.Service, sessCfg, logger)
	sc.addCleanup(sc.Sessions.CloseAll)

	// Health checks.
	if hc := obs.HealthOrNil(); hc != nil {
		hcfg := cfg.Observability.Health
		if hcfg == nil || hcfg.IncludeDB {
			hc.AddCheck("storage", store.Ping)
		}
		if hcfg != nil && hcfg.IncludeProvider {
			hc.AddCheck("provider", func(ctx context.Context) error {
				_, err := sc.Provider.List(ctx)
				return err
			})
		}
	}

	// Authentication and rate limiting.
	if hg := cfg.Gateways.HTTP; hg != nil {
		authCfg := auth.Config{APIKeys: hg.APIKeys}
		if hg.JWT != nil {
			authCfg.JWTSecret = hg.JWT.Secret
			authCfg.Issuer = hg.JWT.Issuer
			authCfg.Audience = hg.JWT.Audience
		}
		sc.Auth, err = auth.New(authCfg)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing authentication: %w", err)
		}
		if hg.RateLimit.RequestsPerMinute > 0 {
			sc.Limiter = ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: hg.RateLimit.RequestsPerMinute,
				BurstSize:         hg.RateLimit.BurstSize,
			})
		}
	}

	return sc, nil
}

// initStore opens and migrates the catalog store selected by the storage
// config.
func initStore(cfg *config.Config, h *home.Home, logger *slog.Logger) (storage.Store, error) {
	var (
		st  storage.Store
		err error
	)
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pc := cfg.Storage.Postgres
		st, err = pgstore.Open(pgstore.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		sqlCfg := sqlitestore.Config{Path: h.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path, perr := home.ResolvePath(cfg.Storage.SQLite.Path)
				if perr != nil {
					return nil, perr
				}
				sqlCfg.Path = path
			}
			sqlCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		st, err = sqlitestore.Open(sqlCfg, logger)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// newProvider builds the sandbox backend named by provider.type.
func newProvider(cfg *config.Config, h *home.Home, logger *slog.Logger) (workspace.Provider, error) {
	pc := cfg.Provider
	switch pc.ProviderType() {
	case "local":
		lc := local.Config{}
		if l := pc.Local; l != nil {
			lc = local.Config{
				PreviewHost:   l.PreviewHost,
				Shell:         l.Shell,
				MaxMemoryMB:   l.MaxMemoryMB,
				MaxCPUSeconds: l.MaxCPUSeconds,
			}
		}
		return local.New(h, lc, logger)

	case "docker":
		dc := docker.Config{}
		if d := pc.Docker; d != nil {
			dc = docker.Config{
				Binary:      d.Binary,
				Image:       d.Image,
				MemoryMB:    d.MemoryMB,
				CPUCores:    d.CPUCores,
				PIDsLimit:   d.PIDsLimit,
				Network:     d.Network,
				Ports:       d.Ports,
				PreviewHost: d.PreviewHost,
				Shell:       d.Shell,
				Env:         d.Env,
			}
		}
		return docker.New(dc, nil, logger), nil

	case "daytona":
		dc := daytona.Config{}
		if d := pc.Daytona; d != nil {
			dc = daytona.Config{
				APIKey:   d.APIKey,
				BaseURL:  d.APIURL,
				Target:   d.Target,
				Snapshot: d.Snapshot,
				Shell:    d.Shell,
			}
		}
		return daytona.New(dc, logger)

	case "kubernetes":
		kc := kubernetes.Config{}
		if k := pc.Kubernetes; k != nil {
			kc = kubernetes.Config{Namespace: k.Namespace, Template: k.Template}
		}
		c, err := kubernetes.NewClient()
		if err != nil {
			return nil, err
		}
		return kubernetes.New(c, kc, logger)

	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}
}
