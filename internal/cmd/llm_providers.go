package cmd

import (
	"os"

	"github.com/dativo-io/talon-legal/internal/config"
	"github.com/dativo-io/talon-legal/internal/llm"
)

// buildProviders assembles every LLM backend this process has credentials
// for. API keys come from the environment as a quickstart fallback only —
// see internal/config's package doc — production deployments should route
// tenant credentials through the secrets vault instead. Ollama and Bedrock
// never need a key: Ollama is a local endpoint, Bedrock authenticates via
// IAM, so both are registered unconditionally alongside whatever keyed
// providers are available.
func buildProviders(cfg *config.Config) map[string]llm.Provider {
	providers := make(map[string]llm.Provider)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers["openai"] = llm.NewProviderWithKey("openai", key)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers["anthropic"] = llm.NewProviderWithKey("anthropic", key)
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		providers["bedrock"] = llm.NewBedrockProvider(region)
	}

	baseURL := cfg.OllamaBaseURL
	if baseURL == "" {
		baseURL = config.DefaultOllamaURL
	}
	providers["ollama"] = llm.NewOllamaProvider(baseURL)

	return providers
}
