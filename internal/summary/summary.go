// Package summary keeps a session's aggregate file-change summary current.
package summary

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Differ reports per-file line changes between two snapshots.
type Differ interface {
	Diff(ctx context.Context, from, to string) ([]models.FileDiff, error)
}

// Service recomputes Session.Summary from the step snapshots recorded in
// the session's history.
type Service struct {
	store  sessions.Store
	differ Differ
	logger *slog.Logger
}

// New creates a summarizer. A nil logger uses slog.Default.
func New(store sessions.Store, differ Differ, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, differ: differ, logger: logger.With("component", "summary")}
}

// Summarize diffs the first step-start snapshot of the session against the
// last step-finish snapshot and stores the totals on the session.
func (s *Service) Summarize(ctx context.Context, sessionID, messageID string) error {
	history, err := sessions.History(ctx, s.store, sessionID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	from, to := snapshotRange(history)
	if from == "" || to == "" {
		return nil
	}

	diffs, err := s.differ.Diff(ctx, from, to)
	if err != nil {
		return fmt.Errorf("diff snapshots: %w", err)
	}
	summary := &models.SessionSummary{Files: len(diffs), Diffs: diffs}
	for _, d := range diffs {
		summary.Additions += d.Additions
		summary.Deletions += d.Deletions
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Summary = summary
	if err := s.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	s.logger.Debug("session summary updated",
		"session_id", sessionID,
		"message_id", messageID,
		"files", summary.Files,
		"additions", summary.Additions,
		"deletions", summary.Deletions,
	)
	return nil
}

func snapshotRange(history []models.MessageWithParts) (from, to string) {
	for _, entry := range history {
		for _, part := range entry.Parts {
			switch {
			case part.StepStart != nil && part.StepStart.Snapshot != "" && from == "":
				from = part.StepStart.Snapshot
			case part.StepFinish != nil && part.StepFinish.Snapshot != "":
				to = part.StepFinish.Snapshot
			}
		}
	}
	return from, to
}
