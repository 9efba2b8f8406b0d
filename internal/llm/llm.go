// Package llm adapts model provider SDKs to the turn engine's stream
// contract.
//
// Each adapter converts persisted session history into the provider's
// request format, opens a streaming response and translates SDK events into
// turn.StreamEvent values:
//
//	start, start-step, (reasoning-*|text-*|tool-input-*|tool-call)*, finish-step, finish
//
// Provider failures are classified into a FailoverReason and then mapped
// onto the engine's typed errors so its retry policy can decide whether an
// attempt is worth repeating. Adapters never retry on their own.
package llm

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/turnengine/internal/turn"
)

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderBedrock   = "bedrock"
)

// Config selects and configures a provider adapter.
type Config struct {
	Name    string `yaml:"name" json:"name" jsonschema:"enum=anthropic,enum=openai,enum=google,enum=bedrock"`
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	Model   string `yaml:"model" json:"model,omitempty"`
	// MaxOutputTokens applies when the request does not carry a limit.
	MaxOutputTokens int64 `yaml:"max_output_tokens" json:"max_output_tokens,omitempty"`
	// ThinkingBudget enables extended thinking where supported.
	ThinkingBudget int64 `yaml:"thinking_budget" json:"thinking_budget,omitempty"`

	// Bedrock only. Without an access key pair the default AWS credential
	// chain is used.
	Region          string `yaml:"region" json:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key" json:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token" json:"session_token,omitempty"`
}

// Finish reasons reported on finish-step and finish events.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool-calls"
	FinishContentFilter = "content-filter"
	FinishOther         = "other"
)

const defaultMaxOutputTokens = 8192

// New returns the adapter named by cfg.Name.
func New(cfg Config) (turn.Provider, error) {
	switch canonicalName(cfg.Name) {
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderGoogle:
		return NewGoogle(cfg)
	case ProviderBedrock:
		return NewBedrock(cfg)
	case "":
		return nil, fmt.Errorf("llm: provider name is required")
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Name)
	}
}

// DefaultModel returns the model an adapter uses when Config.Model is empty.
func DefaultModel(name string) string {
	switch canonicalName(name) {
	case ProviderAnthropic:
		return defaultAnthropicModel
	case ProviderOpenAI:
		return defaultOpenAIModel
	case ProviderGoogle:
		return defaultGoogleModel
	case ProviderBedrock:
		return defaultBedrockModel
	}
	return ""
}

// APIKeyEnv names the environment variable consulted when Config.APIKey is
// empty. Bedrock authenticates through AWS credentials and has none.
func APIKeyEnv(name string) string {
	switch canonicalName(name) {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGoogle:
		return "GEMINI_API_KEY"
	}
	return ""
}

// canonicalName folds case and the gemini alias.
func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "gemini" {
		return ProviderGoogle
	}
	return name
}

// modelID picks the request model, falling back to the configured default.
func modelID(req *turn.Request, fallback string) string {
	if req != nil && req.Model.ID != "" {
		return req.Model.ID
	}
	return fallback
}

// maxTokens picks the output limit: the request, then the model, then the
// adapter default.
func maxTokens(req *turn.Request, configured int64) int64 {
	switch {
	case req.MaxOutputTokens > 0:
		return req.MaxOutputTokens
	case configured > 0:
		return configured
	case req.Model.OutputLimit > 0:
		return req.Model.OutputLimit
	default:
		return defaultMaxOutputTokens
	}
}

func systemPrompt(req *turn.Request) string {
	var parts []string
	for _, s := range req.System {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
