package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// DefaultMaxFileSize bounds the content kept per file for line diffs.
const DefaultMaxFileSize = 1 << 20

// manifest maps slash-separated relative paths to content digests.
type manifest map[string]string

// HashTracker snapshots the worktree by content hashing, with no external
// tooling. Snapshots live in memory for the life of the process.
type HashTracker struct {
	worktree    string
	ignore      []string
	maxFileSize int64

	mu        sync.Mutex
	manifests map[string]manifest
	// blobs holds file contents by digest; oversized files are absent.
	blobs map[string][]byte
}

// NewHashTracker creates a tracker rooted at worktree.
func NewHashTracker(worktree string, ignore []string, maxFileSize int64) *HashTracker {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &HashTracker{
		worktree:    worktree,
		ignore:      ignore,
		maxFileSize: maxFileSize,
		manifests:   map[string]manifest{},
		blobs:       map[string][]byte{},
	}
}

func (h *HashTracker) ignored(rel string, dir bool) bool {
	for _, pattern := range h.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A directory is skipped when everything beneath it would be.
		if dir {
			if ok, _ := doublestar.Match(pattern, rel+"/x"); ok && strings.HasSuffix(pattern, "/**") {
				return true
			}
		}
	}
	return false
}

// scan hashes every tracked file; keep stores contents for later diffs.
func (h *HashTracker) scan(ctx context.Context, keep bool) (manifest, error) {
	current := manifest{}
	err := filepath.WalkDir(h.worktree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(h.worktree, path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if h.ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])
		current[rel] = digest
		if keep && int64(len(data)) <= h.maxFileSize {
			h.mu.Lock()
			h.blobs[digest] = data
			h.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan worktree: %w", err)
	}
	return current, nil
}

func (m manifest) id() string {
	paths := make([]string, 0, len(m))
	for path := range m {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	sum := sha256.New()
	for _, path := range paths {
		fmt.Fprintf(sum, "%s\x00%s\n", path, m[path])
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// changed lists paths added, removed or modified between two manifests.
func changed(before, after manifest) []string {
	var paths []string
	for path, digest := range after {
		if before[path] != digest {
			paths = append(paths, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

func (h *HashTracker) Track(ctx context.Context) (string, error) {
	current, err := h.scan(ctx, true)
	if err != nil {
		return "", err
	}
	id := current.id()
	h.mu.Lock()
	h.manifests[id] = current
	h.mu.Unlock()
	return id, nil
}

func (h *HashTracker) lookup(hash string) (manifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.manifests[hash]
	if !ok {
		return nil, fmt.Errorf("unknown snapshot %q", hash)
	}
	return m, nil
}

func (h *HashTracker) Patch(ctx context.Context, hash string) (models.PatchPart, error) {
	before, err := h.lookup(hash)
	if err != nil {
		return models.PatchPart{}, err
	}
	current, err := h.scan(ctx, false)
	if err != nil {
		return models.PatchPart{}, err
	}
	patch := models.PatchPart{Hash: hash}
	for _, rel := range changed(before, current) {
		patch.Files = append(patch.Files, filepath.Join(h.worktree, filepath.FromSlash(rel)))
	}
	return patch, nil
}

func (h *HashTracker) Diff(_ context.Context, from, to string) ([]models.FileDiff, error) {
	before, err := h.lookup(from)
	if err != nil {
		return nil, err
	}
	after, err := h.lookup(to)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var diffs []models.FileDiff
	for _, rel := range changed(before, after) {
		additions, deletions := lineDelta(h.blobs[before[rel]], h.blobs[after[rel]])
		diffs = append(diffs, models.FileDiff{File: rel, Additions: additions, Deletions: deletions})
	}
	return diffs, nil
}

// lineDelta counts lines present only in after (additions) and only in
// before (deletions), treating each side as a multiset of lines.
func lineDelta(before, after []byte) (additions, deletions int) {
	remaining := map[string]int{}
	for _, line := range splitLines(before) {
		remaining[line]++
	}
	for _, line := range splitLines(after) {
		if remaining[line] > 0 {
			remaining[line]--
			continue
		}
		additions++
	}
	for _, n := range remaining {
		deletions += n
	}
	return additions, deletions
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}
