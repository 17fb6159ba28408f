package config

import (
	"strings"
	"time"
)

type AIConfig interface {
	GetProviders() []ProviderSettings
	GetGenerationTimeout() time.Duration
	GetSystemPrompt() string
	GetHistoryTokenBudget() int
	GetCircuitMaxFailures() int
	GetCircuitResetTimeout() time.Duration
}

// ProviderSettings describes one OpenAI-compatible completion endpoint.
type ProviderSettings struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

type AI struct{}

var _ AIConfig = AI{}

var providerDefaults = map[string]ProviderSettings{
	"openai":     {BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
	"deepseek":   {BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat"},
	"perplexity": {BaseURL: "https://api.perplexity.ai", Model: "sonar"},
}

// GetProviders returns the providers named in AI_PROVIDERS, in fallback order.
// Providers without an API key are skipped.
func (AI) GetProviders() []ProviderSettings {
	var providers []ProviderSettings
	for _, name := range GetEnvList("AI_PROVIDERS", []string{"openai"}) {
		name = strings.ToLower(name)
		prefix := strings.ToUpper(name) + "_"
		defaults := providerDefaults[name]
		p := ProviderSettings{
			Name:    name,
			APIKey:  GetEnv(prefix+"API_KEY", ""),
			BaseURL: GetEnv(prefix+"BASE_URL", defaults.BaseURL),
			Model:   GetEnv(prefix+"MODEL", defaults.Model),
		}
		if p.APIKey == "" || p.BaseURL == "" || p.Model == "" {
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

func (AI) GetGenerationTimeout() time.Duration {
	return GetEnvDuration("AI_TIMEOUT", 60*time.Second)
}

func (AI) GetSystemPrompt() string {
	return GetEnv("AI_SYSTEM_PROMPT", "You are a helpful assistant.")
}

func (AI) GetHistoryTokenBudget() int {
	return GetEnvInt("AI_HISTORY_TOKEN_BUDGET", 12000)
}

func (AI) GetCircuitMaxFailures() int {
	return GetEnvInt("AI_CIRCUIT_MAX_FAILURES", 5)
}

func (AI) GetCircuitResetTimeout() time.Duration {
	return GetEnvDuration("AI_CIRCUIT_RESET", 30*time.Second)
}
