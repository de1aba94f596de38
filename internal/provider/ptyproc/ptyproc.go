// Package ptyproc runs a command on a pseudo-terminal and exposes it as a
// workspace.Process.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/jkaninda/buildbox/internal/workspace"
)

var _ workspace.Process = (*Process)(nil)

// Process is a command attached to a PTY.
type Process struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce  sync.Once
	waitErr   error
	done      chan struct{}
	closeOnce sync.Once
}

// Start launches cmd on a new PTY of the given size. The command becomes the
// leader of its own session, so Close reaches every process it forked.
func Start(cmd *exec.Cmd, cols, rows uint16) (*Process, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("starting %s on pty: %w", cmd.Path, err)
	}
	p := &Process{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go p.reap()
	return p, nil
}

func (p *Process) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		// Linux reports EIO on the master once the slave side is gone.
		return n, os.ErrClosed
	}
	return n, err
}

func (p *Process) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

// Resize sets the PTY window size, which delivers SIGWINCH to the shell.
func (p *Process) Resize(cols, rows uint16) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Wait blocks until the command exits. It may be called more than once.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close kills the whole process group and releases the PTY.
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				// Negative PID = the entire process group.
				_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
			}
		}
		err = p.ptmx.Close()
	})
	return err
}

// PID returns the process id of the command.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) reap() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
}
