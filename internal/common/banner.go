package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner with resolved configuration
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Atlas", GetVersion())

	logger.Info().
		Str("version", GetVersion()).
		Str("build", GetBuild()).
		Str("environment", config.Environment).
		Msg("Atlas Codex starting")

	logger.Info().
		Int("max_concurrent", config.Pipeline.MaxConcurrent).
		Str("default_chain", config.Fetch.DefaultChain).
		Str("provider", string(config.LLM.DefaultProvider)).
		Str("badger_path", config.Storage.Badger.Path).
		Msg(fmt.Sprintf("Listening on %s:%d", config.Server.Host, config.Server.Port))
}
