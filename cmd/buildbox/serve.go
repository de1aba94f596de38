package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/buildbox/internal/config"
	"github.com/jkaninda/buildbox/internal/gateway"
	"github.com/jkaninda/buildbox/internal/gateway/httpapi"
	mcpgw "github.com/jkaninda/buildbox/internal/gateway/mcp"
	"github.com/jkaninda/buildbox/internal/gateway/ws"
	"github.com/jkaninda/buildbox/internal/reconciler"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, terminal WebSocket and MCP gateways",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `buildbox --config path` and `buildbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file (default: built-in defaults)")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// no path is given.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("BUILDBOX_CONFIG", path)
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

// runServe starts buildbox in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger := newLogger(cfg.Logging)
	logger.Info("starting buildbox",
		slog.String("version", version),
		slog.String("provider", cfg.Provider.ProviderType()),
		slog.String("storage", cfg.StorageDriverName()),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background jobs.
	if cfg.Reconciler != nil && cfg.Reconciler.Enabled {
		syncSpec, reapSpec := cfg.Reconciler.Schedules()
		rcfg := reconciler.Config{
			SyncSchedule: syncSpec,
			ReapSchedule: reapSpec,
			IdleTTL:      cfg.Sessions.IdleTimeout(),
			SyncTimeout:  2 * cfg.Provider.Timeout(),
			Syncer:       sc.Service,
			Reaper:       sc.Sessions,
		}
		if sc.Limiter != nil {
			rcfg.Pruner = sc.Limiter
		}
		if m := sc.Obs.MetricsOrNil(); m != nil {
			rcfg.Metrics = m
		}
		rec, err := reconciler.New(rcfg, logger)
		if err != nil {
			return fmt.Errorf("initializing reconciler: %w", err)
		}
		stopReconciler := rec.Start(ctx)
		defer stopReconciler()
	}

	gateways := buildGateways(cfg, sc)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			logger.Info("gateway starting", slog.String("gateway", g.Name()))
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway",
				slog.String("gateway", gateways[i].Name()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// buildGateways creates the enabled gateways. The terminal WebSocket and
// MCP endpoints are mounted on the HTTP gateway's server.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	hcfg := cfg.Gateways.HTTP
	if hcfg == nil || !hcfg.Enabled {
		return nil
	}

	gcfg := httpapi.Config{
		ListenAddr:     hcfg.Addr(),
		EnableDocs:     hcfg.EnableDocs,
		MaxRequestSize: hcfg.MaxRequestSizeBytes,
		CORSOrigins:    hcfg.CORSOrigins,
		HealthChecker:  sc.Obs.HealthOrNil(),
		Tracer:         sc.Obs.TracerOrNil().Tracer(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gcfg.Metrics = m
		gcfg.MetricsRegistry = m.Registry
		if mc := cfg.Observability.Metrics; mc != nil && mc.Path != "" {
			gcfg.MetricsPath = mc.Path
		}
	}

	gw := httpapi.NewGateway(gcfg, sc.Service, sc.Sessions, sc.Auth, sc.Limiter, sc.Logger)

	if wcfg := cfg.Gateways.WebSocket; wcfg != nil && wcfg.Enabled {
		origins := wcfg.Origins
		if len(origins) == 0 {
			origins = hcfg.CORSOrigins
		}
		term := ws.NewServer(sc.Sessions, sc.Auth, ws.Config{Origins: origins}, sc.Logger)
		gw.WithHandler(wcfg.WSPath(), term.Handler())
		sc.Logger.Debug("terminal websocket mounted", slog.String("path", wcfg.WSPath()))
	}

	if mcfg := cfg.Gateways.MCP; mcfg != nil && mcfg.Enabled {
		h := mcpgw.NewServer(sc.Service, sc.Auth, version, sc.Logger).Handler()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			gw.WithMethodHandler(method, mcfg.MCPPath(), h)
		}
		sc.Logger.Debug("mcp endpoint mounted", slog.String("path", mcfg.MCPPath()))
	}

	return []gateway.Gateway{gw}
}
