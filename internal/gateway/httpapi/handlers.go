package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/buildbox/internal/observability"
	"github.com/jkaninda/buildbox/internal/session"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// maxTerminalDimension bounds resize requests.
const maxTerminalDimension = 1000

// CreateWorkspaceRequest is the JSON body for POST /api/workspaces.
type CreateWorkspaceRequest struct {
	Name string `json:"name,omitempty"` // Empty = "New Sandbox".
}

// SuccessResponse acknowledges deletes and closes.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// PreviewResponse is the JSON response for GET /api/workspaces/{id}/preview.
type PreviewResponse struct {
	PreviewURL string `json:"previewUrl"`
}

// CreateSessionRequest is the JSON body for POST /api/sessions.
type CreateSessionRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"` // Empty = create a sandbox on first use.
	Name        string `json:"name,omitempty"`
}

// ResizeRequest is the JSON body for POST /api/sessions/{id}/resize.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeResponse reports how many terminals received the new size.
type ResizeResponse struct {
	Terminals int `json:"terminals"`
}

// ToggleRequest is the JSON body for POST /api/sessions/{id}/terminal/toggle.
type ToggleRequest struct {
	Visible *bool `json:"visible,omitempty"` // Omitted = flip.
}

// ToggleResponse reports the resulting visibility.
type ToggleResponse struct {
	Visible bool `json:"visible"`
}

// --- Workspaces ---

func (g *Gateway) handleWorkspaceList(c *okapi.Context) error {
	list, err := g.ws.List(requestContext(c))
	if err != nil {
		return g.writeError(c, "list", err)
	}
	return c.OK(list)
}

func (g *Gateway) handleWorkspaceCreate(c *okapi.Context) error {
	if ok, err := g.allow(c); !ok {
		return err
	}

	var req CreateWorkspaceRequest
	if err := bindOptional(c, &req); err != nil {
		return g.writeError(c, "create", err)
	}

	sb, err := g.ws.Create(requestContext(c), req.Name)
	if err != nil {
		return g.writeError(c, "create", err)
	}
	g.logger.Info("http workspace created",
		slog.String("user_id", c.GetString(ctxUserID)),
		slog.String("correlation_id", c.GetString(ctxCorrelationID)),
		slog.String("sandbox_id", sb.ID),
	)
	return c.JSON(http.StatusCreated, sb)
}

func (g *Gateway) handleWorkspaceGet(c *okapi.Context) error {
	sb, err := g.ws.Get(requestContext(c), c.Param("id"))
	if err != nil {
		return g.writeError(c, "get", err)
	}
	return c.OK(sb)
}

func (g *Gateway) handleWorkspaceDelete(c *okapi.Context) error {
	if err := g.ws.Delete(requestContext(c), c.Param("id")); err != nil {
		return g.writeError(c, "delete", err)
	}
	return c.OK(SuccessResponse{Success: true})
}

func (g *Gateway) handleWorkspaceStart(c *okapi.Context) error {
	sb, err := g.ws.Start(requestContext(c), c.Param("id"))
	if err != nil {
		return g.writeError(c, "start", err)
	}
	return c.OK(sb)
}

func (g *Gateway) handleWorkspacePreview(c *okapi.Context) error {
	port, err := workspace.ParsePort(c.Request().URL.Query().Get("port"))
	if err != nil {
		return g.writeError(c, "preview", err)
	}
	url, err := g.ws.PreviewURL(requestContext(c), c.Param("id"), port)
	if err != nil {
		return g.writeError(c, "preview", err)
	}
	return c.OK(PreviewResponse{PreviewURL: url})
}

// --- Sessions ---

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	if ok, err := g.allow(c); !ok {
		return err
	}

	var req CreateSessionRequest
	if err := bindOptional(c, &req); err != nil {
		return g.writeError(c, "session_create", err)
	}
	if req.WorkspaceID != "" {
		if _, err := g.ws.Get(requestContext(c), req.WorkspaceID); err != nil {
			return g.writeError(c, "session_create", err)
		}
	}

	s := g.sessions.Create(session.CreateOptions{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		CreatedBy:   c.GetString(ctxUserID),
	})
	return c.JSON(http.StatusCreated, s.Info())
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	all := g.sessions.ListFor(c.GetString(ctxUserID))
	out := make([]session.Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	return c.OK(out)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	s, err := g.sessions.GetFor(c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		return g.writeError(c, "session_get", err)
	}
	return c.OK(s.Info())
}

func (g *Gateway) handleSessionClose(c *okapi.Context) error {
	if err := g.sessions.CloseFor(c.Param("id"), c.GetString(ctxUserID)); err != nil {
		return g.writeError(c, "session_close", err)
	}
	return c.OK(SuccessResponse{Success: true})
}

func (g *Gateway) handleSessionResize(c *okapi.Context) error {
	s, err := g.sessions.GetFor(c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		return g.writeError(c, "session_resize", err)
	}
	var req ResizeRequest
	if err := c.Bind(&req); err != nil {
		return g.writeError(c, "session_resize", fmt.Errorf("%w: invalid request body", workspace.ErrInvalidArgument))
	}
	if err := validateSize(req.Cols, req.Rows); err != nil {
		return g.writeError(c, "session_resize", err)
	}
	n := s.Resize(uint16(req.Cols), uint16(req.Rows))
	return c.OK(ResizeResponse{Terminals: n})
}

func (g *Gateway) handleSessionToggle(c *okapi.Context) error {
	s, err := g.sessions.GetFor(c.Param("id"), c.GetString(ctxUserID))
	if err != nil {
		return g.writeError(c, "session_toggle", err)
	}
	var req ToggleRequest
	if err := bindOptional(c, &req); err != nil {
		return g.writeError(c, "session_toggle", err)
	}
	return c.OK(ToggleResponse{Visible: s.ToggleTerminal(req.Visible)})
}

// --- Liveness ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// bindOptional decodes a JSON body when one is present. A missing body
// leaves dst untouched.
func bindOptional(c *okapi.Context, dst any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", workspace.ErrInvalidArgument)
	}
	return nil
}

// validateSize rejects terminal dimensions outside 1..maxTerminalDimension.
func validateSize(cols, rows int) error {
	if cols < 1 || rows < 1 || cols > maxTerminalDimension || rows > maxTerminalDimension {
		return fmt.Errorf("%w: terminal size %dx%d out of range", workspace.ErrInvalidArgument, cols, rows)
	}
	return nil
}
