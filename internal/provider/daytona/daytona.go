// Package daytona provides a sandbox provider for Daytona-compatible
// control planes. Lifecycle calls go to the REST API; interactive shells use
// the toolbox PTY API over WebSocket.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	providerName   = "daytona"
	defaultBaseURL = "https://app.daytona.io/api"
	labelManaged   = "buildbox.managed"
	labelName      = "buildbox.name"
	pollInterval   = time.Second

	// stoppedGracePolls is how many polls after a start request may still
	// report the old stopped state.
	stoppedGracePolls = 3
)

var (
	_ workspace.Provider = (*Client)(nil)
	_ workspace.Spawner  = (*Client)(nil)
)

// Config configures the Daytona client.
type Config struct {
	APIKey   string
	BaseURL  string // Empty = https://app.daytona.io/api.
	Target   string // Region/target for new sandboxes. Empty = server default.
	Snapshot string // Snapshot/image for new sandboxes. Empty = server default.
	Shell    string // Default interactive shell. Empty = server default.
}

// Client implements workspace.Provider against the Daytona REST API.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	poll       time.Duration
}

// Option configures the Daytona client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollInterval overrides how often Start polls for readiness.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.poll = d }
}

// New creates a Daytona client.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("daytona API key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: http.DefaultClient,
		logger:     logger,
		poll:       pollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return providerName }

// apiSandbox is the sandbox representation on the wire.
type apiSandbox struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type createRequest struct {
	Labels   map[string]string `json:"labels"`
	Target   string            `json:"target,omitempty"`
	Snapshot string            `json:"snapshot,omitempty"`
}

type previewResponse struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// apiError carries the HTTP status of a failed call.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daytona API error (status %d): %s", e.Status, e.Body)
}

func (c *Client) Create(ctx context.Context, name string) (*workspace.Sandbox, error) {
	req := createRequest{
		Labels:   map[string]string{labelManaged: "true", labelName: name},
		Target:   c.cfg.Target,
		Snapshot: c.cfg.Snapshot,
	}
	var out apiSandbox
	if err := c.call(ctx, http.MethodPost, "/sandbox", req, &out); err != nil {
		return nil, err
	}
	c.logger.Info("daytona sandbox created", slog.String("sandbox_id", out.ID), slog.String("state", out.State))
	sb := toSandbox(out)
	return &sb, nil
}

func (c *Client) List(ctx context.Context) ([]workspace.Sandbox, error) {
	labels, err := json.Marshal(map[string]string{labelManaged: "true"})
	if err != nil {
		return nil, err
	}
	var out []apiSandbox
	if err := c.call(ctx, http.MethodGet, "/sandbox?labels="+url.QueryEscape(string(labels)), nil, &out); err != nil {
		return nil, err
	}
	result := make([]workspace.Sandbox, 0, len(out))
	for _, s := range out {
		result = append(result, toSandbox(s))
	}
	return result, nil
}

func (c *Client) Get(ctx context.Context, id string) (*workspace.Sandbox, error) {
	var out apiSandbox
	if err := c.call(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, mapNotFound(err, id)
	}
	sb := toSandbox(out)
	return &sb, nil
}

// Start asks the control plane to boot the sandbox and polls until it
// reports started or the context expires. The control plane applies the
// start asynchronously, so a stopped state only counts as a failure once
// the sandbox was seen starting or stoppedGracePolls polls have passed.
func (c *Client) Start(ctx context.Context, id string) (*workspace.Sandbox, error) {
	if err := c.call(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/start", nil, nil); err != nil {
		return nil, mapNotFound(err, id)
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	seenStarting := false
	for polls := 1; ; polls++ {
		sb, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch sb.Status {
		case workspace.StatusRunning:
			c.logger.Info("daytona sandbox started", slog.String("sandbox_id", id))
			return sb, nil
		case workspace.StatusStarting:
			seenStarting = true
		case workspace.StatusStopped:
			if seenStarting || polls > stoppedGracePolls {
				return nil, fmt.Errorf("sandbox %q stopped while starting", id)
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for sandbox %q to start: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) PreviewURL(ctx context.Context, id string, port int) (string, error) {
	var out previewResponse
	path := fmt.Sprintf("/sandbox/%s/ports/%d/preview-url", url.PathEscape(id), port)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", mapNotFound(err, id)
	}
	if out.URL == "" {
		return "", fmt.Errorf("daytona returned an empty preview URL for %s:%d", id, port)
	}
	return out.URL, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(id), nil, nil); err != nil {
		return mapNotFound(err, id)
	}
	c.logger.Info("daytona sandbox deleted", slog.String("sandbox_id", id))
	return nil
}

// call makes an authenticated JSON request to the control plane.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daytona request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func mapNotFound(err error, id string) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %q", workspace.ErrNotFound, id)
	}
	return err
}

func toSandbox(s apiSandbox) workspace.Sandbox {
	return workspace.Sandbox{
		ID:        s.ID,
		Name:      s.Labels[labelName],
		Status:    stateToStatus(s.State),
		Provider:  providerName,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func stateToStatus(state string) workspace.Status {
	switch strings.ToLower(state) {
	case "started":
		return workspace.StatusRunning
	case "creating", "starting", "restoring", "pending_build", "building_snapshot", "pulling_snapshot":
		return workspace.StatusStarting
	case "stopped", "stopping", "archived", "archiving", "error", "build_failed", "destroyed", "destroying":
		return workspace.StatusStopped
	default:
		return workspace.StatusCreated
	}
}

// ptyPath returns the toolbox PTY path for a sandbox.
func ptyPath(id string) string {
	return "/toolbox/" + url.PathEscape(id) + "/toolbox/process/pty"
}
