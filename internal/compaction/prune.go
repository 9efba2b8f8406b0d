package compaction

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// Store is the subset of the session store used for pruning.
type Store interface {
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	ListParts(ctx context.Context, messageID string) ([]*models.Part, error)
	UpdatePart(ctx context.Context, part *models.Part) error
}

// PruneResult reports what a prune pass did.
type PruneResult struct {
	Parts  int
	Tokens int64
}

// Prune walks the session backwards and marks completed tool outputs older
// than the protected window as compacted. The two most recent user turns are
// never touched, and the walk stops at a summary message or at output that
// was already compacted. Nothing is written unless at least PruneMinimum
// tokens can be reclaimed.
func Prune(ctx context.Context, store Store, sessionID string, cfg Config, now time.Time) (PruneResult, error) {
	if !cfg.Prune {
		return PruneResult{}, nil
	}
	protect := cfg.PruneProtect
	if protect <= 0 {
		protect = DefaultPruneProtect
	}
	minimum := cfg.PruneMinimum
	if minimum <= 0 {
		minimum = DefaultPruneMinimum
	}

	messages, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list messages: %w", err)
	}

	var (
		total      int64
		reclaimed  int64
		userTurns  int
		candidates []*models.Part
	)

walk:
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == models.RoleUser {
			userTurns++
		}
		if userTurns < 2 {
			continue
		}
		if msg.Role == models.RoleAssistant && msg.Summary {
			break
		}

		parts, err := store.ListParts(ctx, msg.ID)
		if err != nil {
			return PruneResult{}, fmt.Errorf("list parts: %w", err)
		}
		for j := len(parts) - 1; j >= 0; j-- {
			part := parts[j]
			if part.Type != models.PartTool || part.Tool == nil || part.Tool.State.Status != models.ToolCompleted {
				continue
			}
			if slices.Contains(cfg.ProtectedTools, part.Tool.Tool) {
				continue
			}
			if part.Tool.State.CompactedAt != nil {
				break walk
			}
			estimate := EstimateTokens(part.Tool.State.Output)
			total += estimate
			if total > protect {
				reclaimed += estimate
				candidates = append(candidates, part)
			}
		}
	}

	if reclaimed < minimum {
		return PruneResult{}, nil
	}
	for _, part := range candidates {
		stamp := now
		part.Tool.State.CompactedAt = &stamp
		if err := store.UpdatePart(ctx, part); err != nil {
			return PruneResult{}, fmt.Errorf("update part %s: %w", part.ID, err)
		}
	}
	return PruneResult{Parts: len(candidates), Tokens: reclaimed}, nil
}
