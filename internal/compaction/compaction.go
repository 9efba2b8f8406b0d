// Package compaction decides when a session's context must be compacted and
// prunes old tool output so later requests stay within the model's budget.
package compaction

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

const (
	// CharsPerToken is the approximate character-to-token ratio for estimation.
	CharsPerToken = 4

	// OutputTokenMax caps the output reservation for models with very large
	// output limits.
	OutputTokenMax = 32_000

	// DefaultPruneProtect is the number of recent tool-output tokens never pruned.
	DefaultPruneProtect = 40_000

	// DefaultPruneMinimum is the least number of tokens worth pruning.
	DefaultPruneMinimum = 20_000
)

// Config controls automatic compaction.
type Config struct {
	// Auto enables overflow detection. When false IsOverflow always reports false.
	Auto bool `yaml:"auto" json:"auto"`
	// Reserve overrides the number of tokens kept free for the next response.
	// Zero reserves min(model output limit, OutputTokenMax).
	Reserve int64 `yaml:"reserve" json:"reserve,omitempty"`
	// Prune enables marking old tool outputs as compacted.
	Prune bool `yaml:"prune" json:"prune"`
	// PruneProtect is the window of recent tool-output tokens kept intact.
	PruneProtect int64 `yaml:"prune_protect" json:"prune_protect,omitempty"`
	// PruneMinimum is the least number of tokens a prune pass must reclaim.
	PruneMinimum int64 `yaml:"prune_minimum" json:"prune_minimum,omitempty"`
	// ProtectedTools are never pruned.
	ProtectedTools []string `yaml:"protected_tools" json:"protected_tools,omitempty"`
}

// DefaultConfig returns automatic compaction with pruning enabled.
func DefaultConfig() Config {
	return Config{
		Auto:         true,
		Prune:        true,
		PruneProtect: DefaultPruneProtect,
		PruneMinimum: DefaultPruneMinimum,
	}
}

// IsOverflow reports whether tokens used by the last step leave too little
// room in the model's context window for another response.
func IsOverflow(tokens models.TokenUsage, model usage.Model, cfg Config) bool {
	if !cfg.Auto || model.ContextLimit <= 0 {
		return false
	}
	reserve := cfg.Reserve
	if reserve <= 0 {
		reserve = OutputTokenMax
		if model.OutputLimit > 0 && model.OutputLimit < reserve {
			reserve = model.OutputLimit
		}
	}
	count := tokens.Input + tokens.CacheRead + tokens.Output
	return count > model.ContextLimit-reserve
}

// EstimateTokens estimates the token count of s (ceiling of len/4).
func EstimateTokens(s string) int64 {
	return int64((len(s) + CharsPerToken - 1) / CharsPerToken)
}

// FormatTranscript renders messages and their parts as plain text suitable
// for a summarization prompt. Compacted tool outputs are elided.
func FormatTranscript(history []models.MessageWithParts) string {
	var sb strings.Builder
	for _, entry := range history {
		if entry.Message == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s]:", entry.Message.Role)
		for _, part := range entry.Parts {
			switch {
			case part.Type == models.PartText && part.Text != nil && !part.Text.Synthetic:
				sb.WriteString(" ")
				sb.WriteString(part.Text.Text)
			case part.Type == models.PartTool && part.Tool != nil:
				state := part.Tool.State
				fmt.Fprintf(&sb, "\n  [tool %s %s: %s]", part.Tool.Tool, state.Status, truncateString(string(state.Input), 200))
				if state.CompactedAt != nil {
					sb.WriteString("\n  [output compacted]")
				} else if state.Output != "" {
					fmt.Fprintf(&sb, "\n  [output: %s]", truncateString(state.Output, 200))
				}
			}
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// truncateString truncates a string to maxLen with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
