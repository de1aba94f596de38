// Package ws implements the terminal WebSocket gateway. Browsers connect to
// a builder session, get an interactive shell inside its sandbox, and
// exchange raw terminal bytes as binary frames. Text frames carry JSON
// control messages.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/buildbox/internal/auth"
	"github.com/jkaninda/buildbox/internal/session"
)

// Subprotocol is the WebSocket subprotocol spoken by terminal clients.
const Subprotocol = "buildbox-terminal-v1"

const (
	defaultPingInterval = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Control message types carried in text frames.
const (
	MsgResize  = "resize"
	MsgToggle  = "toggle"
	MsgVisible = "visible" // server -> client: current terminal visibility
	MsgError   = "error"   // server -> client: malformed control message
)

// ControlMessage is a JSON control frame.
type ControlMessage struct {
	Type    string `json:"type"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Config configures the terminal WebSocket server.
type Config struct {
	// Origins lists host patterns allowed to open sockets from a browser.
	// Empty = same-origin only.
	Origins []string

	// PingInterval between keepalive pings. Zero = 30s.
	PingInterval time.Duration
}

// Server upgrades HTTP requests to terminal sockets.
type Server struct {
	sessions *session.Manager
	auth     *auth.Authenticator
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates a terminal WebSocket server. authn may be nil, in which
// case every caller is accepted.
func NewServer(sessions *session.Manager, authn *auth.Authenticator, cfg Config, logger *slog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		auth:     authn,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.GetFor(sessionID, principal.UserID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.cfg.Origins,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "client must speak "+Subprotocol)
		return
	}

	s.handleConnection(r.Context(), conn, sess, principal.UserID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, sess *session.Session, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	term := newTerminal(ctx, conn)
	logger := s.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("terminal_id", term.ID()),
		slog.String("user_id", userID),
	)
	defer func() {
		term.closeInput(io.EOF)
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	logger.Info("terminal connected")
	sess.Touch()

	// Attach blocks until the sandbox is running; keystrokes typed meanwhile
	// wait in the input queue while control frames are served.
	go func() {
		shell, err := sess.Attach(ctx, term)
		if err != nil {
			// The error line is already on the terminal.
			term.closeInput(err)
			conn.Close(websocket.StatusInternalError, "shell failed to start")
			cancel()
			return
		}
		select {
		case <-shell.Done():
			logger.Info("shell exited")
			conn.Close(websocket.StatusNormalClosure, "shell exited")
			cancel()
		case <-ctx.Done():
		}
	}()

	go s.pingLoop(ctx, conn, logger)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				logger.Info("terminal disconnected")
			default:
				if ctx.Err() == nil {
					logger.Warn("terminal connection error", slog.String("error", err.Error()))
				}
			}
			return
		}
		sess.Touch()

		switch typ {
		case websocket.MessageBinary:
			if err := term.feed(data); err != nil {
				if !errors.Is(err, errInputDropped) {
					return
				}
				logger.Warn("terminal input dropped", slog.Int("bytes", len(data)))
			}
		case websocket.MessageText:
			s.handleControl(ctx, term, sess, data, logger)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, term *wsTerminal, sess *session.Session, data []byte, logger *slog.Logger) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		term.sendControl(ctx, ControlMessage{Type: MsgError, Error: "invalid control message"})
		return
	}

	switch msg.Type {
	case MsgResize:
		if msg.Cols < 1 || msg.Rows < 1 || msg.Cols > 1000 || msg.Rows > 1000 {
			term.sendControl(ctx, ControlMessage{Type: MsgError, Error: fmt.Sprintf("invalid size %dx%d", msg.Cols, msg.Rows)})
			return
		}
		n := sess.Resize(uint16(msg.Cols), uint16(msg.Rows))
		logger.Debug("terminal resized",
			slog.Int("cols", msg.Cols),
			slog.Int("rows", msg.Rows),
			slog.Int("terminals", n),
		)
	case MsgToggle:
		visible := sess.ToggleTerminal(msg.Visible)
		term.sendControl(ctx, ControlMessage{Type: MsgVisible, Visible: &visible})
	default:
		term.sendControl(ctx, ControlMessage{Type: MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Debug("terminal ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// inputQueueSize bounds the keystroke frames buffered while no shell is
// reading them, typically while the sandbox is still starting.
const inputQueueSize = 256

// errInputDropped reports a keystroke frame discarded because the input
// queue was full.
var errInputDropped = errors.New("terminal input queue full")

// wsTerminal adapts a WebSocket connection to terminal.Terminal. Binary
// frames from the client are queued for the shell; shell output is written
// back as binary frames. Read is called from a single goroutine.
type wsTerminal struct {
	id   string
	ctx  context.Context
	conn *websocket.Conn

	input   chan []byte
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	writeMu sync.Mutex
}

func newTerminal(ctx context.Context, conn *websocket.Conn) *wsTerminal {
	return &wsTerminal{
		id:     uuid.NewString(),
		ctx:    ctx,
		conn:   conn,
		input:  make(chan []byte, inputQueueSize),
		closed: make(chan struct{}),
	}
}

func (t *wsTerminal) ID() string { return t.id }

func (t *wsTerminal) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		select {
		case data := <-t.input:
			t.pending = data
		case <-t.closed:
			return 0, t.closeErr
		}
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *wsTerminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// feed queues client keystrokes for the shell without blocking. It fails
// once input is closed, and drops the frame with errInputDropped when the
// queue is full.
func (t *wsTerminal) feed(data []byte) error {
	select {
	case <-t.closed:
		return t.closeErr
	default:
	}
	select {
	case t.input <- data:
		return nil
	default:
		return errInputDropped
	}
}

// closeInput ends the keystroke stream. Pending and later reads fail with err.
func (t *wsTerminal) closeInput(err error) {
	t.closeOnce.Do(func() {
		t.closeErr = err
		close(t.closed)
	})
}

func (t *wsTerminal) sendControl(ctx context.Context, msg ControlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = t.conn.Write(wctx, websocket.MessageText, data)
}
