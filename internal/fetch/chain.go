package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

// Named fallback chains. Each is an ordered list of strategy names tried
// until one succeeds.
var chains = map[string][]string{
	"fast":           {"static"},
	"quality":        {"browser", "browser_js"},
	"balanced":       {"hybrid"},
	"cost_optimized": {"static", "hybrid"},
	"robust":         {"static", "hybrid", "browser", "browser_js"},
}

const transientRetries = 2

// Chain runs a named fallback chain of acquisition strategies with
// per-strategy retries, per-domain rate limiting, and an optional emergency
// static fallback when the whole chain is exhausted.
type Chain struct {
	strategies map[string]interfaces.FetchStrategy
	selector   *StrategySelector
	limiter    *RateLimiter
	config     *common.FetchConfig
	logger     arbor.ILogger
}

// NewChain wires the registered strategies into a chain executor.
//
// Parameters:
//   - strategies: strategy implementations keyed by Name()
//   - selector: success-rate tracker used to reorder chains; may be nil
//   - limiter: per-domain rate limiter shared by all strategies
//   - config: fetch configuration (default chain, emergency fallback)
//   - logger: structured logger
//
// Returns:
//   - *Chain: ready chain executor
func NewChain(strategies map[string]interfaces.FetchStrategy, selector *StrategySelector, limiter *RateLimiter, config *common.FetchConfig, logger arbor.ILogger) *Chain {
	return &Chain{
		strategies: strategies,
		selector:   selector,
		limiter:    limiter,
		config:     config,
		logger:     logger,
	}
}

// ChainNames lists the valid chain identifiers
func ChainNames() []string {
	return []string{"fast", "quality", "balanced", "cost_optimized", "robust"}
}

// Fetch runs the named chain against the URL. An empty chainType selects the
// configured default. Every failure along the way is collected; exhaustion
// returns a fatal all-strategies-failed error carrying the per-strategy
// detail.
func (c *Chain) Fetch(ctx context.Context, rawURL, chainType, correlationID string) (*interfaces.FetchResult, error) {
	if chainType == "" {
		chainType = c.config.DefaultChain
	}
	order, ok := chains[chainType]
	if !ok {
		return nil, fmt.Errorf("unknown fetch chain %q", chainType)
	}

	if c.selector != nil && len(order) > 1 {
		order = c.selector.Order("", order)
	}

	opts := interfaces.FetchOptions{
		UserAgent: c.config.UserAgent,
		Timeout:   c.config.RequestTimeout,
		WaitTime:  c.config.JavaScriptWaitTime,
	}

	var failures []string
	framework := ""
	for _, name := range order {
		strategy, exists := c.strategies[name]
		if !exists {
			failures = append(failures, fmt.Sprintf("%s: not registered", name))
			continue
		}

		result, err := c.runWithRetries(ctx, strategy, rawURL, opts)
		if err == nil {
			framework = DetectFramework(result.HTML)

			// A fetch only counts when its HTML carries detectable content
			// blocks; an empty shell (unrendered SPA, interstitial) is a miss
			// and the chain advances
			if !anchor.HasContentBlocks(result.HTML, c.logger) {
				if c.selector != nil {
					c.selector.Record(framework, name, false)
				}
				failures = append(failures, fmt.Sprintf("%s: no content blocks detected", name))
				c.logger.Debug().
					Str("url", rawURL).
					Str("strategy", name).
					Msg("Fetched HTML yields no content blocks, treating as miss")
				continue
			}

			if c.selector != nil {
				c.selector.Record(framework, name, true)
			}
			result.Metadata["chain"] = chainType
			result.Metadata["framework"] = framework
			return result, nil
		}

		if c.selector != nil {
			c.selector.Record(framework, name, false)
		}
		failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		c.logger.Warn().
			Str("url", rawURL).
			Str("strategy", name).
			Err(err).
			Msg("Fetch strategy exhausted, trying next in chain")

		if ctx.Err() != nil {
			break
		}
	}

	if c.config.EmergencyFallback && ctx.Err() == nil {
		if result := c.emergencyFetch(ctx, rawURL, opts); result != nil {
			result.Metadata["chain"] = chainType
			return result, nil
		}
		failures = append(failures, "emergency: failed")
	}

	detail := fmt.Sprintf("chain %s exhausted for %s: %s", chainType, rawURL, strings.Join(failures, "; "))
	return nil, models.NewPipelineError(models.ErrAllStrategiesFailed, "acquire", correlationID, detail)
}

// runWithRetries executes one strategy, retrying transient failures with
// linear backoff. Non-transient failures (blocked, invalid response) fail
// immediately since repeating them cannot help.
func (c *Chain) runWithRetries(ctx context.Context, strategy interfaces.FetchStrategy, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		if err := c.limiter.Wait(ctx, rawURL); err != nil {
			return nil, err
		}

		result, err := strategy.Fetch(ctx, rawURL, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err

		fe, ok := AsFetchError(err)
		if !ok || !fe.Transient() {
			return nil, err
		}
	}
	return nil, lastErr
}

// emergencyFetch is the last resort after the chain fails: one bare static
// attempt whose result is marked partial so downstream stages know the page
// may be incomplete.
func (c *Chain) emergencyFetch(ctx context.Context, rawURL string, opts interfaces.FetchOptions) *interfaces.FetchResult {
	static, exists := c.strategies["static"]
	if !exists {
		return nil
	}

	c.logger.Warn().Str("url", rawURL).Msg("Chain exhausted, attempting emergency static fetch")
	result, err := static.Fetch(ctx, rawURL, opts)
	if err != nil || result.HTML == "" {
		return nil
	}
	result.Partial = true
	result.Metadata["emergency"] = true
	return result
}
