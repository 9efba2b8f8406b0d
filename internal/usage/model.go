package usage

import (
	"sort"
	"strings"
	"sync"
)

// Cost is the price of a model in US dollars per million tokens.
type Cost struct {
	Input      float64 `yaml:"input" json:"input"`
	Output     float64 `yaml:"output" json:"output"`
	CacheRead  float64 `yaml:"cache_read" json:"cache_read"`
	CacheWrite float64 `yaml:"cache_write" json:"cache_write"`
}

// Model describes a model's limits and pricing.
type Model struct {
	ID       string `yaml:"id" json:"id"`
	Provider string `yaml:"provider" json:"provider"`
	// ContextLimit is the context window in tokens. Zero disables overflow checks.
	ContextLimit int64 `yaml:"context_limit" json:"context_limit"`
	// OutputLimit is the maximum number of output tokens per response.
	OutputLimit int64 `yaml:"output_limit" json:"output_limit"`
	Cost        Cost  `yaml:"cost" json:"cost"`
}

// defaultModels holds pricing and limits for common models.
var defaultModels = []Model{
	{ID: "claude-sonnet-4-20250514", Provider: "anthropic", ContextLimit: 200_000, OutputLimit: 64_000, Cost: Cost{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
	{ID: "claude-opus-4-20250514", Provider: "anthropic", ContextLimit: 200_000, OutputLimit: 32_000, Cost: Cost{Input: 15, Output: 75, CacheRead: 1.50, CacheWrite: 18.75}},
	{ID: "claude-3-5-sonnet-20241022", Provider: "anthropic", ContextLimit: 200_000, OutputLimit: 8_192, Cost: Cost{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
	{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", ContextLimit: 200_000, OutputLimit: 8_192, Cost: Cost{Input: 1, Output: 5, CacheRead: 0.10, CacheWrite: 1.25}},
	{ID: "gpt-4o", Provider: "openai", ContextLimit: 128_000, OutputLimit: 16_384, Cost: Cost{Input: 2.50, Output: 10, CacheRead: 1.25}},
	{ID: "gpt-4o-mini", Provider: "openai", ContextLimit: 128_000, OutputLimit: 16_384, Cost: Cost{Input: 0.15, Output: 0.60, CacheRead: 0.075}},
	{ID: "o1", Provider: "openai", ContextLimit: 200_000, OutputLimit: 100_000, Cost: Cost{Input: 15, Output: 60, CacheRead: 7.50}},
	{ID: "gemini-2.0-flash", Provider: "google", ContextLimit: 1_048_576, OutputLimit: 8_192, Cost: Cost{Input: 0.10, Output: 0.40}},
	{ID: "gemini-1.5-pro", Provider: "google", ContextLimit: 2_097_152, OutputLimit: 8_192, Cost: Cost{Input: 1.25, Output: 5}},
	{ID: "gemini-2.5-flash", Provider: "google", ContextLimit: 1_048_576, OutputLimit: 65_536, Cost: Cost{Input: 0.30, Output: 2.50, CacheRead: 0.075}},
	{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Provider: "bedrock", ContextLimit: 200_000, OutputLimit: 8_192, Cost: Cost{Input: 3, Output: 15, CacheRead: 0.30, CacheWrite: 3.75}},
	{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Provider: "bedrock", ContextLimit: 200_000, OutputLimit: 8_192, Cost: Cost{Input: 0.80, Output: 4, CacheRead: 0.08, CacheWrite: 1}},
	{ID: "meta.llama3-70b-instruct-v1:0", Provider: "bedrock", ContextLimit: 8_192, OutputLimit: 2_048, Cost: Cost{Input: 2.65, Output: 3.50}},
}

// Catalog resolves model metadata by provider and id.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewCatalog creates a catalog holding the given models.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		c.Register(m)
	}
	return c
}

// DefaultCatalog returns a catalog seeded with well-known models.
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultModels...)
}

func catalogKey(provider, id string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.TrimSpace(id)
}

// Register adds or replaces a model.
func (c *Catalog) Register(m Model) {
	c.mu.Lock()
	c.models[catalogKey(m.Provider, m.ID)] = m
	c.mu.Unlock()
}

// Lookup resolves a model. Versioned ids fall back to the longest registered
// prefix, so "claude-sonnet-4-20250514-v2" resolves to its base entry. When
// nothing matches, a model with no pricing or limits is returned and ok is false.
func (c *Catalog) Lookup(provider, id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.models[catalogKey(provider, id)]; ok {
		return m, true
	}

	prefix := catalogKey(provider, "")
	var best Model
	found := false
	for key, m := range c.models {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if strings.HasPrefix(id, m.ID) && len(m.ID) > len(best.ID) {
			best = m
			found = true
		}
	}
	if found {
		best.ID = id
		return best, true
	}
	return Model{ID: id, Provider: provider}, false
}

// List returns every registered model sorted by provider and id.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}
