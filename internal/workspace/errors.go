package workspace

import (
	"context"
	"errors"
	"fmt"
)

// Every error returned by Service matches exactly one of these with errors.Is.
var (
	ErrNotFound        = errors.New("sandbox not found")
	ErrNotRunning      = errors.New("sandbox not running")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrProvider        = errors.New("provider error")
	ErrSpawn           = errors.New("shell spawn failed")
)

// Error kind names used in logs and metric labels.
const (
	KindNotFound        = "not_found"
	KindNotRunning      = "not_running"
	KindInvalidArgument = "invalid_argument"
	KindProvider        = "provider_error"
	KindSpawn           = "spawn_error"
)

// KindOf returns the kind name of err, or "" for nil.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSpawn):
		return KindSpawn
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotRunning):
		return KindNotRunning
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindProvider
	}
}

// classify wraps unrecognised errors as provider failures. Deadline
// expiry is a provider failure too.
// errNoSandbox reports a provider call that returned neither a sandbox nor
// an error.
func errNoSandbox(op string) error {
	return fmt.Errorf("%w: %s returned no sandbox", ErrProvider, op)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrProvider),
		errors.Is(err, ErrSpawn):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s timed out: %w", ErrProvider, op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
	}
}
