package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// ClaudeProvider implements the ModelProvider interface using the Anthropic
// API. Claude has no native response-schema parameter, so the schema is
// embedded in the system prompt and output is validated by the caller.
type ClaudeProvider struct {
	config *common.ClaudeConfig
	logger arbor.ILogger
	client *anthropic.Client
}

// NewClaudeProvider creates a Claude provider instance.
//
// The provider initialization includes:
//  1. Resolving the Anthropic API key from KV storage with config fallback
//  2. Setting the default model name if not specified
//  3. Initializing the Claude client
//
// Parameters:
//   - claudeConfig: Claude configuration with API key and model settings
//   - storageManager: Storage manager for KV-based API key resolution
//   - logger: Structured logger for provider operations
//
// Returns:
//   - *ClaudeProvider: Initialized provider ready for use
//   - error: nil on success, error with details on failure
func NewClaudeProvider(claudeConfig *common.ClaudeConfig, storageManager interfaces.StorageManager, logger arbor.ILogger) (*ClaudeProvider, error) {
	ctx := context.Background()
	apiKey, err := common.ResolveAPIKey(ctx, storageManager.KeyValueStorage(), "anthropic_api_key", claudeConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API key is required for Claude provider (set via ANTHROPIC_API_KEY, ATLAS_CLAUDE_API_KEY, or claude.api_key in config): %w", err)
	}

	if claudeConfig.Model == "" {
		claudeConfig.Model = "claude-sonnet-4-20250514"
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	logger.Info().
		Str("model", claudeConfig.Model).
		Msg("Claude provider initialized")

	return &ClaudeProvider{
		config: claudeConfig,
		logger: logger,
		client: &client,
	}, nil
}

// Name returns the provider identifier
func (p *ClaudeProvider) Name() string {
	return "claude"
}

// GenerateStructured sends a single structured-output request. The response
// schema is appended to the system prompt; temperature is pinned to zero for
// reproducibility.
func (p *ClaudeProvider) GenerateStructured(ctx context.Context, req *interfaces.ProviderRequest) (*interfaces.ProviderResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	system := req.System
	if req.ResponseSchema != nil {
		schemaJSON, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize response schema: %w", err)
		}
		system = fmt.Sprintf("%s\n\nRespond with a single JSON object conforming exactly to this JSON Schema, with no surrounding prose or markdown:\n%s", system, string(schemaJSON))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxOutputTokens),
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Claude API call failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no response generated from Claude API")
	}

	return &interfaces.ProviderResponse{
		Text:      text,
		TokensIn:  int(resp.Usage.InputTokens),
		TokensOut: int(resp.Usage.OutputTokens),
	}, nil
}

// Close releases provider resources
func (p *ClaudeProvider) Close() error {
	return nil
}
