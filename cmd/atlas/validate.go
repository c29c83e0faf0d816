package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlascodex/atlas/internal/common"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load configuration and report the resolved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
				os.Exit(exitInternalError)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "  environment:      %s\n", config.Environment)
			fmt.Fprintf(out, "  storage path:     %s\n", storagePathLabel(config))
			fmt.Fprintf(out, "  cache enabled:    %t (negative TTL %s)\n", config.Cache.Enabled, config.Cache.NegativeTTL)
			fmt.Fprintf(out, "  default chain:    %s\n", config.Fetch.DefaultChain)
			fmt.Fprintf(out, "  model provider:   %s\n", config.LLM.DefaultProvider)
			fmt.Fprintf(out, "  claude key set:   %t\n", config.Claude.APIKey != "")
			fmt.Fprintf(out, "  gemini key set:   %t\n", config.Gemini.APIKey != "")
			fmt.Fprintf(out, "  max concurrent:   %d (queue high water %d)\n",
				config.Pipeline.MaxConcurrent, config.Pipeline.QueueHighWater)
			fmt.Fprintf(out, "  log level:        %s\n", config.Logging.Level)
			return nil
		},
	}
}

func storagePathLabel(config *common.Config) string {
	if config.Storage.Badger.InMemory || config.Storage.Badger.Path == "" {
		return "(in-memory)"
	}
	return config.Storage.Badger.Path
}
