package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/buildbox/internal/auth"
	"github.com/jkaninda/buildbox/internal/workspace"
	"github.com/jkaninda/buildbox/internal/workspace/workspacetest"
)

const testKey = "mcp-key"

func newTestServer(t *testing.T) (*httptest.Server, *workspacetest.Provider) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := workspacetest.New()
	svc := workspace.NewService(p, nil, workspace.Config{Timeout: 5 * time.Second}, logger)
	authn, err := auth.New(auth.Config{APIKeys: map[string]string{testKey: "alice"}})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(svc, authn, "test", logger).Handler())
	t.Cleanup(srv.Close)
	return srv, p
}

func connect(t *testing.T, url string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(url,
		transport.WithHTTPHeaders(map[string]string{"Authorization": "Bearer " + testKey}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "buildbox-test", Version: "0.0.1"}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func call(t *testing.T, c *mcpclient.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(res.Content))
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestRejectsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListTools(t *testing.T) {
	srv, _ := newTestServer(t)
	c := connect(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{ToolList, ToolCreate, ToolGet, ToolStart, ToolPreview, ToolDelete} {
		if !got[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestWorkspaceTools(t *testing.T) {
	srv, p := newTestServer(t)
	c := connect(t, srv.URL)

	res := call(t, c, ToolCreate, map[string]any{"name": "Demo"})
	if res.IsError {
		t.Fatalf("create failed: %s", text(t, res))
	}
	var sb workspace.Sandbox
	if err := json.Unmarshal([]byte(text(t, res)), &sb); err != nil {
		t.Fatal(err)
	}
	if sb.Name != "Demo" || sb.ID == "" {
		t.Fatalf("created %+v", sb)
	}

	res = call(t, c, ToolStart, map[string]any{"id": sb.ID})
	if res.IsError {
		t.Fatalf("start failed: %s", text(t, res))
	}
	call(t, c, ToolStart, map[string]any{"id": sb.ID})
	if n := p.StartCalls(); n != 1 {
		t.Errorf("provider start calls = %d, want 1", n)
	}

	res = call(t, c, ToolPreview, map[string]any{"id": sb.ID})
	if got := text(t, res); got != "https://3000-"+sb.ID+".preview.test" {
		t.Errorf("default preview = %q", got)
	}
	res = call(t, c, ToolPreview, map[string]any{"id": sb.ID, "port": "8080"})
	if got := text(t, res); got != "https://8080-"+sb.ID+".preview.test" {
		t.Errorf("preview on 8080 = %q", got)
	}

	res = call(t, c, ToolList, nil)
	var list []workspace.Sandbox
	if err := json.Unmarshal([]byte(text(t, res)), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("list = %d sandboxes, want 1", len(list))
	}

	res = call(t, c, ToolDelete, map[string]any{"id": sb.ID})
	if res.IsError {
		t.Fatalf("delete failed: %s", text(t, res))
	}
	res = call(t, c, ToolGet, map[string]any{"id": sb.ID})
	if !res.IsError || !strings.HasPrefix(text(t, res), workspace.KindNotFound) {
		t.Errorf("get after delete = %q, want not_found error", text(t, res))
	}
}

func TestToolErrors(t *testing.T) {
	srv, p := newTestServer(t)
	c := connect(t, srv.URL)

	tests := []struct {
		name string
		tool string
		args map[string]any
		kind string
	}{
		{"missing id", ToolGet, nil, workspace.KindInvalidArgument},
		{"unknown id", ToolStart, map[string]any{"id": "nope"}, workspace.KindNotFound},
		{"bad port", ToolPreview, map[string]any{"id": "x", "port": "not-a-number"}, workspace.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, c, tt.tool, tt.args)
			if !res.IsError {
				t.Fatal("expected an error result")
			}
			if got := text(t, res); !strings.HasPrefix(got, tt.kind+":") {
				t.Errorf("error = %q, want kind %s", got, tt.kind)
			}
		})
	}

	p.ListErr = errors.New("upstream down")
	res := call(t, c, ToolList, nil)
	if !res.IsError || !strings.HasPrefix(text(t, res), workspace.KindProvider) {
		t.Errorf("provider failure = %q", text(t, res))
	}
}
