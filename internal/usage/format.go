package usage

import (
	"fmt"
	"math"
	"strings"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// FormatTokenCount formats a token count for display.
func FormatTokenCount(count int64) string {
	switch {
	case count <= 0:
		return "0"
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	case count >= 10_000:
		return fmt.Sprintf("%dk", count/1_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// FormatUSD formats a dollar amount for display.
func FormatUSD(amount float64) string {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return ""
	}
	if amount >= 0.01 {
		return fmt.Sprintf("$%.2f", amount)
	}
	return fmt.Sprintf("$%.4f", amount)
}

// FormatTokens formats token usage with a breakdown.
func FormatTokens(tokens models.TokenUsage) string {
	parts := []string{}
	if tokens.Input > 0 {
		parts = append(parts, "in: "+FormatTokenCount(tokens.Input))
	}
	if tokens.Output > 0 {
		parts = append(parts, "out: "+FormatTokenCount(tokens.Output))
	}
	if tokens.Reasoning > 0 {
		parts = append(parts, "reasoning: "+FormatTokenCount(tokens.Reasoning))
	}
	if tokens.CacheRead > 0 {
		parts = append(parts, "cache-r: "+FormatTokenCount(tokens.CacheRead))
	}
	if tokens.CacheWrite > 0 {
		parts = append(parts, "cache-w: "+FormatTokenCount(tokens.CacheWrite))
	}
	if len(parts) == 0 {
		return "0 tokens"
	}
	return fmt.Sprintf("%s tokens (%s)", FormatTokenCount(tokens.Total()), strings.Join(parts, ", "))
}
