package llm

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// NewProvider creates the configured model provider implementation
func NewProvider(cfg *common.Config, storageManager interfaces.StorageManager, logger arbor.ILogger) (interfaces.ModelProvider, error) {
	logger.Info().Str("provider", string(cfg.LLM.DefaultProvider)).Msg("Initializing model provider")

	switch cfg.LLM.DefaultProvider {
	case common.LLMProviderGemini:
		return NewGeminiProvider(&cfg.Gemini, storageManager, logger)
	case common.LLMProviderClaude:
		return NewClaudeProvider(&cfg.Claude, storageManager, logger)
	default:
		return nil, fmt.Errorf("unsupported model provider '%s': must be 'gemini' or 'claude'", cfg.LLM.DefaultProvider)
	}
}

// NewClientFromConfig wires the configured provider into a budgeted client
// with an audit sink
func NewClientFromConfig(cfg *common.Config, storageManager interfaces.StorageManager, logger arbor.ILogger) (*Client, error) {
	provider, err := NewProvider(cfg, storageManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}
	auditor := NewAuditor(provider.Name(), storageManager.ArtifactStorage(), logger)
	return NewClient(provider, &cfg.LLM, auditor, logger), nil
}
