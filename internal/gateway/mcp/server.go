// Package mcp exposes sandbox lifecycle operations as MCP (Model Context
// Protocol) tools so the builder chat can drive workspaces directly.
// Tool failures are returned as tool results with IsError set, prefixed
// with the error kind, so the model can tell "not found" from a provider
// outage.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/buildbox/internal/auth"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// Tool names.
const (
	ToolList    = "list_workspaces"
	ToolCreate  = "create_workspace"
	ToolGet     = "get_workspace"
	ToolStart   = "start_workspace"
	ToolPreview = "preview_workspace"
	ToolDelete  = "delete_workspace"
)

// Workspaces is the subset of workspace.Service the tools call.
type Workspaces interface {
	List(ctx context.Context) ([]workspace.Sandbox, error)
	Create(ctx context.Context, name string) (*workspace.Sandbox, error)
	Get(ctx context.Context, id string) (*workspace.Sandbox, error)
	Start(ctx context.Context, id string) (*workspace.Sandbox, error)
	PreviewURL(ctx context.Context, id string, port int) (string, error)
	Delete(ctx context.Context, id string) error
}

type principalKey struct{}

// Server is the MCP tool server.
type Server struct {
	ws      Workspaces
	auth    *auth.Authenticator
	logger  *slog.Logger
	mcp     *server.MCPServer
	version string
}

// NewServer registers the workspace tools on a new MCP server.
func NewServer(ws Workspaces, authn *auth.Authenticator, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		ws:      ws,
		auth:    authn,
		logger:  logger,
		version: version,
		mcp:     server.NewMCPServer("buildbox", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP transport wrapped with authentication.
func (s *Server) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(s.mcp,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if p, ok := r.Context().Value(principalKey{}).(auth.Principal); ok {
				ctx = context.WithValue(ctx, principalKey{}, p)
				ctx = workspace.WithActor(ctx, p.UserID)
			}
			return ctx
		}),
	)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.auth.AuthenticateRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		streamable.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) registerTools() {
	idArg := mcp.WithString("id", mcp.Required(), mcp.Description("Sandbox ID"))

	s.mcp.AddTool(mcp.NewTool(ToolList,
		mcp.WithDescription("List all sandboxes visible to the builder."),
	), s.handleList)

	s.mcp.AddTool(mcp.NewTool(ToolCreate,
		mcp.WithDescription("Create a new sandbox. It starts stopped."),
		mcp.WithString("name", mcp.Description("Display name. Defaults to \"New Sandbox\".")),
	), s.handleCreate)

	s.mcp.AddTool(mcp.NewTool(ToolGet,
		mcp.WithDescription("Fetch a sandbox by ID."),
		idArg,
	), s.handleGet)

	s.mcp.AddTool(mcp.NewTool(ToolStart,
		mcp.WithDescription("Start a sandbox. Starting a running sandbox is a no-op."),
		idArg,
	), s.handleStart)

	s.mcp.AddTool(mcp.NewTool(ToolPreview,
		mcp.WithDescription("Public preview URL for a port inside a running sandbox."),
		idArg,
		mcp.WithString("port", mcp.Description("Port number, 1-65535. Defaults to 3000.")),
	), s.handlePreview)

	s.mcp.AddTool(mcp.NewTool(ToolDelete,
		mcp.WithDescription("Delete a sandbox."),
		idArg,
	), s.handleDelete)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.ws.List(ctx)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(list)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sb, err := s.ws.Create(ctx, req.GetString("name", ""))
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	s.logger.InfoContext(ctx, "mcp workspace created",
		slog.String("sandbox_id", sb.ID),
		slog.String("user_id", workspace.ActorFrom(ctx)),
	)
	return jsonResult(sb)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	sb, err := s.ws.Get(ctx, id)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(sb)
}

func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	sb, err := s.ws.Start(ctx, id)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return jsonResult(sb)
}

func (s *Server) handlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	port, err := workspace.ParsePort(req.GetString("port", ""))
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	url, err := s.ws.PreviewURL(ctx, id, port)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	return mcp.NewToolResultText(url), nil
}

func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req)
	if err != nil {
		return s.failure(ctx, req, err), nil
	}
	if err := s.ws.Delete(ctx, id); err != nil {
		return s.failure(ctx, req, err), nil
	}
	return mcp.NewToolResultText("deleted " + id), nil
}

// failure logs err and converts it into an error tool result.
func (s *Server) failure(ctx context.Context, req mcp.CallToolRequest, err error) *mcp.CallToolResult {
	kind := workspace.KindOf(err)
	s.logger.WarnContext(ctx, "mcp tool failed",
		slog.String("tool", req.Params.Name),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", kind, err.Error()))
}

func requireID(req mcp.CallToolRequest) (string, error) {
	id := req.GetString("id", "")
	if id == "" {
		return "", fmt.Errorf("%w: id is required", workspace.ErrInvalidArgument)
	}
	return id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
