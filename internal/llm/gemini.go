package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// GeminiProvider implements the ModelProvider interface using the Gemini
// API. Gemini supports native structured output, so the response schema is
// passed through GenerateContentConfig.
type GeminiProvider struct {
	config *common.GeminiConfig
	logger arbor.ILogger
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider instance.
//
// The provider initialization includes:
//  1. Resolving the Google API key from KV storage with config fallback
//  2. Setting the default model name if not specified
//  3. Initializing the genai client against the Gemini API backend
//
// Parameters:
//   - geminiConfig: Gemini configuration with API key and model settings
//   - storageManager: Storage manager for KV-based API key resolution
//   - logger: Structured logger for provider operations
//
// Returns:
//   - *GeminiProvider: Initialized provider ready for use
//   - error: nil on success, error with details on failure
func NewGeminiProvider(geminiConfig *common.GeminiConfig, storageManager interfaces.StorageManager, logger arbor.ILogger) (*GeminiProvider, error) {
	ctx := context.Background()
	apiKey, err := common.ResolveAPIKey(ctx, storageManager.KeyValueStorage(), "gemini_api_key", geminiConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Google API key is required for Gemini provider (set via GEMINI_API_KEY, ATLAS_GEMINI_API_KEY, or gemini.api_key in config): %w", err)
	}

	if geminiConfig.Model == "" {
		geminiConfig.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Info().
		Str("model", geminiConfig.Model).
		Msg("Gemini provider initialized")

	return &GeminiProvider{
		config: geminiConfig,
		logger: logger,
		client: client,
	}, nil
}

// Name returns the provider identifier
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// GenerateStructured sends a single structured-output request with
// temperature zero and a fixed seed
func (p *GeminiProvider) GenerateStructured(ctx context.Context, req *interfaces.ProviderRequest) (*interfaces.ProviderResponse, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0)),
		Seed:            genai.Ptr(int32(req.Seed)),
		MaxOutputTokens: int32(req.MaxOutputTokens),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.ResponseSchema != nil {
		schema, err := convertToGenaiSchema(req.ResponseSchema)
		if err != nil {
			return nil, fmt.Errorf("failed to convert response schema: %w", err)
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{genai.NewPartFromText(req.Prompt)},
		},
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Gemini API call failed: %w", err)
	}

	var text strings.Builder
	if resp != nil && len(resp.Candidates) > 0 {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					text.WriteString(part.Text)
				}
			}
			if text.Len() > 0 {
				break
			}
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no response generated from Gemini API")
	}

	out := &interfaces.ProviderResponse{Text: text.String()}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases provider resources
func (p *GeminiProvider) Close() error {
	return nil
}
