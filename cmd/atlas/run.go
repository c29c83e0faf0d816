package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/events"
	"github.com/atlascodex/atlas/internal/fetch"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
	"github.com/atlascodex/atlas/internal/pipeline"
	"github.com/atlascodex/atlas/internal/storage"
)

func newRunCmd() *cobra.Command {
	var (
		pageURL     string
		query       string
		mode        string
		maxPages    int
		chainType   string
		allowedPII  []string
		tokenBudget int
		timeBudget  int
		showBanner  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one extraction and print the JSON response",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitInternalError)
			}
			logger := common.InitLogger(config)
			if showBanner {
				common.PrintBanner(config, logger)
			}

			req := &models.Request{
				URL:      pageURL,
				Query:    query,
				Mode:     models.ExtractionMode(mode),
				MaxPages: maxPages,
				Options: models.RequestOptions{
					ChainType:  chainType,
					AllowedPII: allowedPII,
				},
			}
			if tokenBudget > 0 || timeBudget > 0 {
				req.Budget = &models.BudgetRequest{Tokens: tokenBudget, TimeMS: timeBudget}
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			response, code := runExtraction(ctx, config, logger, req)
			if response != nil {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(response); err != nil {
					logger.Error().Err(err).Msg("Failed to encode response")
					os.Exit(exitInternalError)
				}
			}
			os.Exit(code)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pageURL, "url", "u", "", "page URL to extract from (required)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "natural-language description of what to extract (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "extraction mode override: strict or soft")
	cmd.Flags().IntVar(&maxPages, "max-pages", 1, "follow pagination up to this many pages")
	cmd.Flags().StringVar(&chainType, "chain", "", "fetch chain: fast, quality, balanced, cost_optimized, robust")
	cmd.Flags().StringSliceVar(&allowedPII, "allow-pii", nil, "PII classes returned unredacted (email, phone)")
	cmd.Flags().IntVar(&tokenBudget, "budget-tokens", 0, "model token budget for the whole job")
	cmd.Flags().IntVar(&timeBudget, "budget-ms", 0, "wall-clock budget in milliseconds for the whole job")
	cmd.Flags().BoolVar(&showBanner, "banner", false, "print the startup banner")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("query")

	return cmd
}

// runExtraction wires the stack together for one job and maps the response
// onto an exit code
func runExtraction(ctx context.Context, config *common.Config, logger arbor.ILogger, req *models.Request) (*models.Response, int) {
	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open storage")
		return nil, exitInternalError
	}
	defer storageManager.Close()

	cache := storage.NewCacheFromManager(storageManager, &config.Cache, logger)
	defer cache.Close()

	chain, pool := buildFetchChain(config, req.Options.ChainType, logger)
	if pool != nil {
		defer pool.Close()
	}

	client, err := llm.NewClientFromConfig(config, storageManager, logger)
	if err != nil {
		logger.Info().Err(err).Msg("Model provider unavailable, running deterministic-only")
		client = nil
	}

	manager := pipeline.NewManager(config, storageManager, cache, chain, client, events.NewService(logger), logger)
	response, err := manager.Run(ctx, req)
	if err != nil {
		logger.Error().Err(err).Msg("Pipeline failed")
		return nil, exitInternalError
	}
	return response, exitCodeFor(response)
}

// buildFetchChain registers the strategies a chain can use. The browser pool
// starts only when the requested chain can reach a browser strategy; a pool
// that fails to start degrades the chain to static-only.
func buildFetchChain(config *common.Config, chainType string, logger arbor.ILogger) (*fetch.Chain, *fetch.BrowserPool) {
	static := fetch.NewStaticStrategy(&config.Fetch, logger)
	strategies := map[string]interfaces.FetchStrategy{
		"static": static,
	}

	var pool *fetch.BrowserPool
	if chainNeedsBrowser(chainType, config.Fetch.DefaultChain) {
		pool = fetch.NewBrowserPool(logger)
		if err := pool.Init(&config.Fetch); err != nil {
			logger.Warn().Err(err).Msg("Browser pool unavailable, continuing with static fetch only")
			pool = nil
		} else {
			browser := fetch.NewBrowserStrategy(pool, &config.Fetch, logger)
			strategies["browser"] = browser
			strategies["browser_js"] = fetch.NewBrowserJSStrategy(pool, &config.Fetch, logger)
			strategies["hybrid"] = fetch.NewHybridStrategy(static, browser, logger)
		}
	}

	selector := fetch.NewStrategySelector(logger)
	limiter := fetch.NewRateLimiter(config.Fetch.RequestDelay)
	return fetch.NewChain(strategies, selector, limiter, &config.Fetch, logger), pool
}

func chainNeedsBrowser(requested, fallback string) bool {
	chain := requested
	if chain == "" {
		chain = fallback
	}
	switch chain {
	case "fast":
		return false
	default:
		return true
	}
}

// exitCodeFor maps a finished response onto the documented exit codes
func exitCodeFor(response *models.Response) int {
	switch response.Status {
	case models.StatusSuccess:
		return exitSuccess
	case models.StatusAbstained:
		return exitContractAbstain
	}

	if response.Metadata.Error != nil {
		switch response.Metadata.Error.Code {
		case models.ErrContractAbstain:
			return exitContractAbstain
		case models.ErrValidationFail, models.ErrStrictModeDrop:
			return exitValidationFail
		case models.ErrAllStrategiesFailed:
			return exitAllStrategiesFailed
		}
	}
	return exitInternalError
}
