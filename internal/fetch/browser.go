package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// BrowserStrategy renders pages in a pooled headless browser and returns the
// post-JavaScript DOM. Slow and expensive; the answer to client-rendered
// pages the static strategy cannot see.
type BrowserStrategy struct {
	pool   *BrowserPool
	config *common.FetchConfig
	logger arbor.ILogger
}

// NewBrowserStrategy creates the browser rendering strategy over a pool
func NewBrowserStrategy(pool *BrowserPool, config *common.FetchConfig, logger arbor.ILogger) *BrowserStrategy {
	return &BrowserStrategy{
		pool:   pool,
		config: config,
		logger: logger,
	}
}

// Name returns the strategy identifier
func (s *BrowserStrategy) Name() string {
	return "browser"
}

// Fetch navigates, waits for JavaScript to settle, and captures the
// rendered DOM
func (s *BrowserStrategy) Fetch(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	start := time.Now()

	browserCtx, err := s.pool.Get()
	if err != nil {
		return nil, NewError(ErrKindUnreachable, rawURL, 0, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.config.BrowserTimeout
	}
	waitTime := opts.WaitTime
	if waitTime <= 0 {
		waitTime = s.config.JavaScriptWaitTime
	}

	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	// Honor caller cancellation on top of the render budget
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	headers := network.Headers{
		"Accept-Language": "en-US,en;q=0.9",
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = s.config.UserAgent
	}
	if userAgent != "" {
		headers["User-Agent"] = userAgent
	}

	var html string
	err = chromedp.Run(runCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(waitTime),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(ErrKindTimeout, rawURL, 0, err)
		}
		return nil, NewError(ErrKindUnreachable, rawURL, 0, err)
	}

	if html == "" {
		return nil, NewError(ErrKindInvalidResponse, rawURL, 0, errors.New("rendered document is empty"))
	}

	s.logger.Debug().
		Str("url", rawURL).
		Int("bytes", len(html)).
		Dur("duration", time.Since(start)).
		Msg("Browser fetch complete")

	return &interfaces.FetchResult{
		HTML:       html,
		StatusCode: 200,
		Metadata: map[string]interface{}{
			"strategy": s.Name(),
			"rendered": true,
		},
		CostEstimate: 10,
		Duration:     time.Since(start),
	}, nil
}
