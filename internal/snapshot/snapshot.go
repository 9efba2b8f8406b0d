// Package snapshot records working tree states at step boundaries and
// reports which files changed between them.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// Tracker captures working tree snapshots.
type Tracker interface {
	// Track records the current tree and returns its identifier.
	Track(ctx context.Context) (string, error)
	// Patch lists files that differ between a snapshot and the current tree.
	Patch(ctx context.Context, hash string) (models.PatchPart, error)
	// Diff summarizes per-file line changes between two snapshots.
	Diff(ctx context.Context, from, to string) ([]models.FileDiff, error)
}

// Backend names.
const (
	BackendGit  = "git"
	BackendHash = "hash"
)

// DefaultIgnore lists paths never snapshotted.
var DefaultIgnore = []string{".git/**", "node_modules/**"}

// Config selects and configures a tracker.
type Config struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Backend  string   `yaml:"backend" json:"backend,omitempty" jsonschema:"enum=git,enum=hash"`
	Worktree string   `yaml:"worktree" json:"worktree,omitempty"`
	DataDir  string   `yaml:"data_dir" json:"data_dir,omitempty"`
	Ignore   []string `yaml:"ignore" json:"ignore,omitempty"`
	// MaxFileSize caps the bytes retained per file by the hash backend.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size,omitempty"`
}

// New builds the configured tracker. It returns nil when snapshots are
// disabled.
func New(cfg Config) (Tracker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if strings.TrimSpace(cfg.Worktree) == "" {
		return nil, fmt.Errorf("snapshot worktree is required")
	}
	worktree, err := filepath.Abs(cfg.Worktree)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree: %w", err)
	}
	cfg.Worktree = worktree
	ignore := append(append([]string{}, DefaultIgnore...), cfg.Ignore...)

	switch cfg.Backend {
	case "", BackendGit:
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("snapshot data_dir is required for the git backend")
		}
		return NewGitTracker(worktree, cfg.DataDir, ignore), nil
	case BackendHash:
		return NewHashTracker(worktree, ignore, cfg.MaxFileSize), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}
