// Package home manages the buildbox runtime directory.
// The catalog database, local sandbox roots and logs all live under a single
// root so a deployment can be moved or wiped as a unit.
//
// Default root: ~/.buildbox (configurable via data_dir or BUILDBOX_DATA_DIR).
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const defaultRelativePath = ".buildbox"

// Home resolves and lazily creates runtime directories.
type Home struct {
	Root string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Home rooted at the given path, expanding ~ and creating
// the root directory if needed.
func New(root string) (*Home, error) {
	resolved, err := ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %q: %w", root, err)
	}

	h := &Home{
		Root:    resolved,
		created: make(map[string]bool),
	}
	if err := h.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return h, nil
}

// Default creates a Home at ~/.buildbox.
func Default() (*Home, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(dir, defaultRelativePath))
}

// SandboxesDir returns <root>/sandboxes/, the parent of local sandbox roots.
func (h *Home) SandboxesDir() string {
	return h.dir("sandboxes")
}

// LogsDir returns <root>/logs/.
func (h *Home) LogsDir() string {
	return h.dir("logs")
}

// DatabasePath returns <root>/buildbox.db.
func (h *Home) DatabasePath() string {
	return filepath.Join(h.Root, "buildbox.db")
}

// SandboxDir returns <root>/sandboxes/<id>/ and creates it.
func (h *Home) SandboxDir(id string) (string, error) {
	p := filepath.Join(h.SandboxesDir(), SanitizeName(id))
	if err := h.ensureDir(p, 0750); err != nil {
		return "", err
	}
	return p, nil
}

// RemoveSandboxDir deletes a sandbox root. Missing directories are ignored.
func (h *Home) RemoveSandboxDir(id string) error {
	p := filepath.Join(h.Root, "sandboxes", SanitizeName(id))
	h.mu.Lock()
	delete(h.created, p)
	h.mu.Unlock()
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing sandbox dir %s: %w", p, err)
	}
	return nil
}

// EnsureAll creates all standard directories.
func (h *Home) EnsureAll() error {
	for _, d := range []string{h.SandboxesDir(), h.LogsDir()} {
		if err := h.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

func (h *Home) dir(name string) string {
	p := filepath.Join(h.Root, name)
	_ = h.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory once; later calls hit the cache.
func (h *Home) ensureDir(path string, perm os.FileMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	h.created[path] = true
	return nil
}

// ResolvePath expands ~ to the user home directory and returns an absolute path.
func ResolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, path[1:])
	}
	return filepath.Abs(path)
}

// SanitizeName replaces path separators so ids cannot escape their parent.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
