package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 30 * time.Second
	maxNameLength  = 128
)

// Config tunes the Service.
type Config struct {
	// Timeout bounds every provider call. Zero = 30s.
	Timeout time.Duration

	// HardDelete makes Delete remove the sandbox at the provider as well
	// as hiding it from the catalog.
	HardDelete bool
}

// Service is the single entry point for sandbox lifecycle operations.
// It validates input, bounds provider calls with a timeout, keeps the
// catalog in step and maps every failure onto the package error kinds.
type Service struct {
	provider Provider
	catalog  Catalog
	timeout  time.Duration
	hard     bool
	logger   *slog.Logger

	starts singleflight.Group
}

// NewService creates a Service. A nil catalog falls back to an in-memory one.
func NewService(provider Provider, catalog Catalog, cfg Config, logger *slog.Logger) *Service {
	if catalog == nil {
		catalog = NewMemoryCatalog()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		catalog:  catalog,
		timeout:  timeout,
		hard:     cfg.HardDelete,
		logger:   logger,
	}
}

// ProviderName returns the name of the configured backend.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Create provisions a new sandbox. An empty name defaults to DefaultName.
func (s *Service) Create(ctx context.Context, name string) (*Sandbox, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidArgument, maxNameLength)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sb, err := s.provider.Create(cctx, name)
	if err != nil {
		return nil, classify("create", err)
	}
	if sb == nil {
		return nil, errNoSandbox("create")
	}
	s.fill(sb)

	if err := s.catalog.Upsert(ctx, Record{Sandbox: *sb, CreatedBy: ActorFrom(ctx)}); err != nil {
		// The sandbox exists at the provider; a catalog miss only loses bookkeeping.
		s.logger.Warn("catalog upsert failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("sandbox created",
		slog.String("sandbox_id", sb.ID),
		slog.String("name", sb.Name),
		slog.String("provider", sb.Provider),
	)
	return sb, nil
}

// List returns every sandbox visible to the provider credential, minus
// soft-deleted ones. The result is never nil.
func (s *Service) List(ctx context.Context) ([]Sandbox, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	all, err := s.provider.List(cctx)
	if err != nil {
		return nil, classify("list", err)
	}

	deleted, err := s.catalog.DeletedIDs(ctx)
	if err != nil {
		return nil, classify("catalog", err)
	}

	out := make([]Sandbox, 0, len(all))
	for i := range all {
		if deleted[all[i].ID] {
			continue
		}
		s.fill(&all[i])
		out = append(out, all[i])
	}
	return out, nil
}

// Get returns one sandbox by id.
func (s *Service) Get(ctx context.Context, id string) (*Sandbox, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: sandbox id is required", ErrInvalidArgument)
	}
	if err := s.checkNotDeleted(ctx, id); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sb, err := s.provider.Get(cctx, id)
	if err != nil {
		return nil, classify("get", err)
	}
	if sb == nil {
		return nil, errNoSandbox("get")
	}
	s.fill(sb)
	return sb, nil
}

// Start boots a sandbox. Already-running sandboxes are returned without a
// provider start call, and concurrent starts of one id share a single call.
func (s *Service) Start(ctx context.Context, id string) (*Sandbox, error) {
	sb, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.Running() {
		return sb, nil
	}

	v, err, shared := s.starts.Do(id, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		sb, err := s.provider.Start(cctx, id)
		if err != nil {
			return nil, err
		}
		if sb == nil {
			return nil, errNoSandbox("start")
		}
		return sb, nil
	})
	if err != nil {
		return nil, classify("start", err)
	}

	started := *v.(*Sandbox)
	started.Ports = append([]int(nil), started.Ports...)
	s.fill(&started)

	if !shared {
		if err := s.catalog.Upsert(ctx, Record{Sandbox: started}); err != nil {
			s.logger.Warn("catalog upsert failed",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
		s.logger.Info("sandbox started",
			slog.String("sandbox_id", id),
			slog.String("status", string(started.Status)),
		)
	}
	return &started, nil
}

// PreviewURL resolves the public URL of a port exposed by a running sandbox.
func (s *Service) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	if err := ValidatePort(port); err != nil {
		return "", err
	}
	sb, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !sb.Running() {
		return "", fmt.Errorf("%w: %q is %s", ErrNotRunning, id, sb.Status)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url, err := s.provider.PreviewURL(cctx, id, port)
	if err != nil {
		return "", classify("preview", err)
	}
	return url, nil
}

// Delete hides a sandbox from the catalog. The provider resource is only
// removed when hard delete is configured.
func (s *Service) Delete(ctx context.Context, id string) error {
	sb, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.catalog.Upsert(ctx, Record{Sandbox: *sb}); err != nil {
		return classify("catalog", err)
	}
	if err := s.catalog.MarkDeleted(ctx, id); err != nil {
		return classify("catalog", err)
	}

	if s.hard {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.provider.Delete(cctx, id); err != nil {
			return classify("delete", err)
		}
	}

	s.logger.Info("sandbox deleted",
		slog.String("sandbox_id", id),
		slog.Bool("hard", s.hard),
	)
	return nil
}

// Sync copies provider state into the catalog and returns the number of
// live sandboxes refreshed.
func (s *Service) Sync(ctx context.Context) (int, error) {
	sandboxes, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range sandboxes {
		if err := s.catalog.Upsert(ctx, Record{Sandbox: sandboxes[i]}); err != nil {
			return n, classify("catalog", err)
		}
		n++
	}
	return n, nil
}

// SpawnShell starts an interactive shell inside a running sandbox.
func (s *Service) SpawnShell(ctx context.Context, id string, opts ShellOptions) (Process, error) {
	spawner, ok := s.provider.(Spawner)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s does not support interactive shells", ErrSpawn, s.provider.Name())
	}
	sb, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if !sb.Running() {
		return nil, fmt.Errorf("%w: %w: %q is %s", ErrSpawn, ErrNotRunning, id, sb.Status)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	proc, err := spawner.SpawnShell(cctx, id, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if proc == nil {
		return nil, fmt.Errorf("%w: provider returned no process", ErrSpawn)
	}
	return proc, nil
}

func (s *Service) checkNotDeleted(ctx context.Context, id string) error {
	rec, err := s.catalog.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Sandboxes created outside this service have no record yet.
		return nil
	}
	if err != nil {
		return classify("catalog", err)
	}
	if rec.Deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return nil
}

func (s *Service) fill(sb *Sandbox) {
	if sb.Provider == "" {
		sb.Provider = s.provider.Name()
	}
}
