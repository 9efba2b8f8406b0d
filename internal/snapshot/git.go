package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// CommandError describes a failed git invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// GitTracker snapshots the worktree into a private git directory so the
// user's own repository (if any) is never touched.
type GitTracker struct {
	worktree string
	gitDir   string
	ignore   []string

	initOnce sync.Once
	initErr  error
	// mu serializes index updates.
	mu sync.Mutex
}

// NewGitTracker creates a tracker storing objects under gitDir.
func NewGitTracker(worktree, gitDir string, ignore []string) *GitTracker {
	return &GitTracker{worktree: worktree, gitDir: gitDir, ignore: ignore}
}

func (g *GitTracker) run(ctx context.Context, args ...string) (string, error) {
	base := []string{
		"--git-dir", g.gitDir,
		"--work-tree", g.worktree,
		"-c", "core.autocrlf=false",
		"-c", "core.quotepath=false",
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	cmd.Dir = g.worktree
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (g *GitTracker) init(ctx context.Context) error {
	g.initOnce.Do(func() {
		if _, err := os.Stat(filepath.Join(g.gitDir, "HEAD")); err == nil {
			g.initErr = g.writeExclude()
			return
		}
		if err := os.MkdirAll(g.gitDir, 0o755); err != nil {
			g.initErr = fmt.Errorf("create snapshot dir: %w", err)
			return
		}
		cmd := exec.CommandContext(ctx, "git", "init", "--quiet")
		cmd.Env = append(os.Environ(), "GIT_DIR="+g.gitDir, "GIT_WORK_TREE="+g.worktree)
		cmd.Dir = g.worktree
		if out, err := cmd.CombinedOutput(); err != nil {
			g.initErr = &CommandError{Args: []string{"init"}, Stderr: string(out), Err: err}
			return
		}
		g.initErr = g.writeExclude()
	})
	return g.initErr
}

// writeExclude translates ignore globs into the private repo's exclude file.
func (g *GitTracker) writeExclude() error {
	var b strings.Builder
	for _, pattern := range g.ignore {
		b.WriteString("/" + strings.TrimPrefix(pattern, "/") + "\n")
	}
	dir := filepath.Join(g.gitDir, "info")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create exclude dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "exclude"), []byte(b.String()), 0o644)
}

func (g *GitTracker) stage(ctx context.Context) error {
	if err := g.init(ctx); err != nil {
		return err
	}
	_, err := g.run(ctx, "add", "--all", ".")
	return err
}

func (g *GitTracker) Track(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.stage(ctx); err != nil {
		return "", err
	}
	out, err := g.run(ctx, "write-tree")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *GitTracker) Patch(ctx context.Context, hash string) (models.PatchPart, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.stage(ctx); err != nil {
		return models.PatchPart{}, err
	}
	out, err := g.run(ctx, "diff", "--cached", "--no-ext-diff", "--name-only", hash, "--", ".")
	if err != nil {
		return models.PatchPart{}, err
	}
	patch := models.PatchPart{Hash: hash}
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			patch.Files = append(patch.Files, filepath.Join(g.worktree, filepath.FromSlash(trimmed)))
		}
	}
	return patch, nil
}

func (g *GitTracker) Diff(ctx context.Context, from, to string) ([]models.FileDiff, error) {
	if err := g.init(ctx); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, "diff", "--no-ext-diff", "--no-renames", "--numstat", from, to, "--", ".")
	if err != nil {
		return nil, err
	}
	return parseNumstat(out), nil
}

// parseNumstat reads `git diff --numstat` output. Binary files report "-"
// counts, which become zero.
func parseNumstat(out string) []models.FileDiff {
	var diffs []models.FileDiff
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		additions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])
		diffs = append(diffs, models.FileDiff{File: fields[2], Additions: additions, Deletions: deletions})
	}
	return diffs
}
