package llm

import (
	"fmt"

	"github.com/comigor/localchat/internal/config"
)

// NewBackend creates the inference backend client selected by cfg.Provider.
func NewBackend(cfg config.BackendConfig) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderOllama, "":
		return NewOllamaClient(cfg), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend provider %q", cfg.Provider)
	}
}
