// Package terminal connects browser terminals to interactive shells running
// inside a sandbox. A Shell pumps bytes between one terminal and one process;
// a Registry owns every terminal/shell pair of a builder session.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/buildbox/internal/workspace"
)

// Terminal is the user-facing end of a shell. Reads yield keystrokes,
// writes display process output.
type Terminal interface {
	io.Reader
	io.Writer
	ID() string
}

// SpawnFunc starts a process for a Shell.
type SpawnFunc func(ctx context.Context, opts workspace.ShellOptions) (workspace.Process, error)

// Shell is a live process wired to a terminal.
type Shell struct {
	term   Terminal
	proc   workspace.Process
	logger *slog.Logger

	exited    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	waitErr   error
}

// Spawn starts a process and pumps I/O between it and term. If the process
// cannot be started, exactly one error message is written to term and the
// returned error wraps workspace.ErrSpawn.
func Spawn(ctx context.Context, spawn SpawnFunc, term Terminal, opts workspace.ShellOptions, logger *slog.Logger) (*Shell, error) {
	if logger == nil {
		logger = slog.Default()
	}
	proc, err := spawn(ctx, opts)
	if err != nil {
		if !errors.Is(err, workspace.ErrSpawn) {
			err = fmt.Errorf("%w: %w", workspace.ErrSpawn, err)
		}
		ReportError(term, err)
		logger.Warn("shell spawn failed",
			slog.String("terminal_id", term.ID()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s := &Shell{
		term:   term,
		proc:   proc,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.pumpOutput()
	go s.pumpInput()
	go s.wait()
	return s, nil
}

// ReportError writes a single marked error line to a terminal.
func ReportError(term Terminal, err error) {
	msg := fmt.Sprintf("\r\n\x1b[31m[buildbox] failed to start shell: %s\x1b[0m\r\n", err.Error())
	_, _ = io.WriteString(term, msg)
}

// Resize forwards a new window size to the process. It is a no-op once the
// process has exited.
func (s *Shell) Resize(cols, rows uint16) error {
	if s.exited.Load() {
		return nil
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		if s.exited.Load() {
			return nil
		}
		return err
	}
	return nil
}

// Exited reports whether the process has terminated.
func (s *Shell) Exited() bool {
	return s.exited.Load()
}

// Done is closed once the process has exited.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Err returns the process exit error after Done is closed.
func (s *Shell) Err() error {
	<-s.done
	return s.waitErr
}

// Close terminates the process. It is safe to call more than once.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.proc.Close()
	})
	return err
}

// pumpOutput copies process output to the terminal until the process
// stops producing it.
func (s *Shell) pumpOutput() {
	if _, err := io.Copy(s.term, s.proc); err != nil && !s.exited.Load() {
		s.logger.Debug("shell output closed",
			slog.String("terminal_id", s.term.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// pumpInput copies keystrokes into the process. When the terminal goes away
// the process is terminated.
func (s *Shell) pumpInput() {
	_, err := io.Copy(s.proc, s.term)
	if err != nil && !s.exited.Load() {
		s.logger.Debug("shell input closed",
			slog.String("terminal_id", s.term.ID()),
			slog.String("error", err.Error()),
		)
	}
	_ = s.Close()
}

func (s *Shell) wait() {
	s.waitErr = s.proc.Wait()
	s.exited.Store(true)
	_ = s.Close()
	close(s.done)
	s.logger.Debug("shell exited", slog.String("terminal_id", s.term.ID()))
}
