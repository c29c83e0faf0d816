package common

import (
	"context"
	"fmt"
	"os"

	"github.com/atlascodex/atlas/internal/interfaces"
)

// ResolveAPIKey resolves an API key by name with environment variable priority.
// Resolution order: environment variables → KV store → config fallback → error.
// This ensures ATLAS_* environment variables always take precedence.
func ResolveAPIKey(ctx context.Context, kvStorage interfaces.KeyValueStorage, name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"gemini_api_key":    {"ATLAS_GEMINI_API_KEY", "GEMINI_API_KEY"},
		"google_api_key":    {"ATLAS_GEMINI_API_KEY", "GEMINI_API_KEY"},
		"anthropic_api_key": {"ATLAS_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"claude_api_key":    {"ATLAS_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
	}

	// Environment variables win, ATLAS_* names first
	if envVarNames, hasMappedEnv := keyToEnvMapping[name]; hasMappedEnv {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	// KV store holds file-sourced keys
	if kvStorage != nil {
		apiKey, err := kvStorage.Get(ctx, name)
		if err == nil && apiKey != "" {
			return apiKey, nil
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment, KV store, or config", name)
}
