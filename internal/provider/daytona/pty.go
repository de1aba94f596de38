package daytona

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/workspace"
)

const ptyReadLimit = 1 << 20

type ptyCreateRequest struct {
	ID    string            `json:"id"`
	Cols  uint16            `json:"cols"`
	Rows  uint16            `json:"rows"`
	Shell string            `json:"shell,omitempty"`
	Envs  map[string]string `json:"envs,omitempty"`
}

type ptyResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// SpawnShell opens a toolbox PTY session and connects to it over WebSocket.
// Output arrives as WebSocket messages; input is sent as binary frames.
func (c *Client) SpawnShell(ctx context.Context, id string, opts workspace.ShellOptions) (workspace.Process, error) {
	shell := opts.Shell
	if shell == "" {
		shell = c.cfg.Shell
	}
	cols, rows := opts.Size()
	sessionID := "buildbox-" + uuid.NewString()

	req := ptyCreateRequest{ID: sessionID, Cols: cols, Rows: rows, Shell: shell, Envs: opts.Env}
	if err := c.call(ctx, http.MethodPost, ptyPath(id), req, nil); err != nil {
		return nil, mapNotFound(err, id)
	}

	connectURL := c.baseURL + ptyPath(id) + "/" + sessionID + "/connect"
	conn, _, err := websocket.Dial(ctx, connectURL, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.cfg.APIKey}},
	})
	if err != nil {
		c.deleteSession(id, sessionID)
		return nil, fmt.Errorf("connecting to pty session: %w", err)
	}
	conn.SetReadLimit(ptyReadLimit)

	p := newPTYProcess(c, id, sessionID, conn)
	c.logger.Info("daytona shell started",
		slog.String("sandbox_id", id),
		slog.String("pty_session", sessionID),
	)
	return p, nil
}

// ptyProcess adapts a PTY WebSocket to workspace.Process.
type ptyProcess struct {
	client    *Client
	sandboxID string
	sessionID string
	conn      *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	pr *io.PipeReader
	pw *io.PipeWriter

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newPTYProcess(c *Client, sandboxID, sessionID string, conn *websocket.Conn) *ptyProcess {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	p := &ptyProcess{
		client:    c,
		sandboxID: sandboxID,
		sessionID: sessionID,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *ptyProcess) readLoop() {
	defer close(p.done)
	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				p.err = err
			}
			_ = p.pw.Close()
			return
		}
		if _, err := p.pw.Write(data); err != nil {
			return
		}
	}
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	return p.pr.Read(b)
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	if err := p.conn.Write(p.ctx, websocket.MessageBinary, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Resize calls the toolbox resize endpoint. No-op once the session ended.
func (p *ptyProcess) Resize(cols, rows uint16) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	path := ptyPath(p.sandboxID) + "/" + p.sessionID + "/resize"
	return p.client.call(ctx, http.MethodPost, path, ptyResizeRequest{Cols: cols, Rows: rows}, nil)
}

func (p *ptyProcess) Wait() error {
	<-p.done
	return p.err
}

// Close ends the WebSocket and removes the PTY session on the server.
func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		_ = p.conn.Close(websocket.StatusNormalClosure, "shell closed")
		p.cancel()
		_ = p.pr.Close()
		p.client.deleteSession(p.sandboxID, p.sessionID)
	})
	return nil
}

// deleteSession removes a PTY session. Errors are logged but not returned.
func (c *Client) deleteSession(sandboxID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path := ptyPath(sandboxID) + "/" + sessionID
	if err := c.call(ctx, http.MethodDelete, path, nil, nil); err != nil {
		c.logger.Warn("failed to delete pty session",
			slog.String("sandbox_id", sandboxID),
			slog.String("pty_session", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
