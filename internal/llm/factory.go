package llm

import (
	"fmt"

	"github.com/RichardoC/pana-chat/internal/config"
)

// NewClient builds the chat backend selected in the config.
func NewClient(cfg *config.Config) (Client, error) {
	switch cfg.Backend {
	case config.BackendLangChain:
		return NewLangChain(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Instructions)
	case config.BackendOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Instructions), nil
	default:
		return nil, fmt.Errorf("unknown llm backend: %s", cfg.Backend)
	}
}
