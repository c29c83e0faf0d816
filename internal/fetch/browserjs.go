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

// scrollScript walks the viewport to the bottom of the document so lazy
// loaders and infinite-scroll lists materialize their content
const scrollScript = `(() => {
	const step = window.innerHeight;
	const max = document.body.scrollHeight;
	for (let y = 0; y <= max; y += step) {
		window.scrollTo(0, y);
	}
	window.scrollTo(0, max);
	return max;
})()`

// BrowserJSStrategy renders a page and then drives JavaScript interactions
// before capture: scrolling through the document and waiting out a second
// settle period. The most expensive strategy; reserved for pages whose
// content only appears on interaction.
type BrowserJSStrategy struct {
	pool   *BrowserPool
	config *common.FetchConfig
	logger arbor.ILogger
}

// NewBrowserJSStrategy creates the interacting browser strategy over a pool
func NewBrowserJSStrategy(pool *BrowserPool, config *common.FetchConfig, logger arbor.ILogger) *BrowserJSStrategy {
	return &BrowserJSStrategy{
		pool:   pool,
		config: config,
		logger: logger,
	}
}

// Name returns the strategy identifier
func (s *BrowserJSStrategy) Name() string {
	return "browser_js"
}

// Fetch navigates, lets the initial render settle, scrolls the document to
// trigger lazy content, and captures the final DOM
func (s *BrowserJSStrategy) Fetch(ctx context.Context, rawURL string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
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

	var scrolled int
	var html string
	err = chromedp.Run(runCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(waitTime),
		chromedp.Evaluate(scrollScript, &scrolled),
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
		Int("scroll_height", scrolled).
		Dur("duration", time.Since(start)).
		Msg("Browser JS fetch complete")

	return &interfaces.FetchResult{
		HTML:       html,
		StatusCode: 200,
		Metadata: map[string]interface{}{
			"strategy":   s.Name(),
			"rendered":   true,
			"interacted": true,
		},
		CostEstimate: 15,
		Duration:     time.Since(start),
	}, nil
}
