package interfaces

import "context"

// ProviderRequest is a provider-agnostic structured generation request.
// Temperature is always zero and the seed stable; providers that cannot
// honor seeds must treat the prompt fingerprint as the cache key.
type ProviderRequest struct {
	System          string
	Prompt          string
	Model           string
	Seed            int64
	MaxOutputTokens int
	ResponseSchema  map[string]interface{} // strict JSON Schema; additionalProperties:false enforced by the client
}

// ProviderResponse carries the raw text plus token accounting
type ProviderResponse struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// ModelProvider is the uniform surface over external language models.
// Implementations must return valid JSON against the schema or text the
// client can reject; abstention handling lives above this interface.
type ModelProvider interface {
	GenerateStructured(ctx context.Context, req *ProviderRequest) (*ProviderResponse, error)
	Name() string
	Close() error
}
