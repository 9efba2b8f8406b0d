package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace confines file tools to a root directory.
type Workspace struct {
	Root string
}

// root returns the absolute workspace root.
func (w Workspace) root() (string, error) {
	root := strings.TrimSpace(w.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	return abs, nil
}

// Resolve returns the absolute path for p and its slash-separated form
// relative to the root. Paths outside the root are rejected.
func (w Workspace) Resolve(p string) (abs string, rel string, err error) {
	clean := strings.TrimSpace(p)
	if clean == "" {
		return "", "", fmt.Errorf("path is required")
	}
	root, err := w.root()
	if err != nil {
		return "", "", err
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)
	rel, err = filepath.Rel(root, target)
	if err != nil {
		return "", "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", "", fmt.Errorf("path %q escapes workspace", p)
	}
	return target, filepath.ToSlash(rel), nil
}
