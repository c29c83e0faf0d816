package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atlascodex/atlas/internal/common"
)

// Exit codes surfaced to scripts and CI
const (
	exitSuccess             = 0
	exitContractAbstain     = 2
	exitValidationFail      = 3
	exitAllStrategiesFailed = 4
	exitInternalError       = 5
)

var configFiles []string

func main() {
	rootCmd := &cobra.Command{
		Use:   "atlas",
		Short: "Evidence-first web content extraction",
		Long: `Atlas extracts structured data from web pages under a schema contract.
Every value in the output is anchored to the DOM node it came from; model
claims that cannot be re-verified against the page are dropped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configFiles, "config", "c", nil,
		"configuration file (repeatable; later files override earlier ones)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInternalError)
	}
}

// loadConfig resolves configuration with auto-discovery of atlas.toml when
// no -config flag was given
func loadConfig() (*common.Config, error) {
	paths := configFiles
	if len(paths) == 0 {
		if _, err := os.Stat("atlas.toml"); err == nil {
			paths = []string{"atlas.toml"}
		}
	}
	return common.LoadFromFiles(paths...)
}
