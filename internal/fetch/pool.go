package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
)

// BrowserPool manages long-lived chromedp browser contexts with round-robin
// allocation. Spinning a browser up per fetch is too slow for the render
// budget, so instances are created once and reused.
type BrowserPool struct {
	browsers         []context.Context
	browserCancels   []context.CancelFunc
	allocatorCancels []context.CancelFunc
	mu               sync.Mutex
	currentIndex     int
	logger           arbor.ILogger
	initialized      bool
}

// NewBrowserPool creates an empty pool; Init starts the instances
func NewBrowserPool(logger arbor.ILogger) *BrowserPool {
	return &BrowserPool{logger: logger}
}

// Init starts the configured number of browser instances. Partial success
// is tolerated; total failure is not.
func (p *BrowserPool) Init(config *common.FetchConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return fmt.Errorf("browser pool already initialized")
	}

	size := config.BrowserPoolSize
	if size <= 0 {
		size = 1
	}

	p.logger.Info().
		Int("pool_size", size).
		Bool("headless", config.Headless).
		Msg("Initializing browser pool")

	created := 0
	var lastErr error
	for i := 0; i < size; i++ {
		if err := p.createInstance(config); err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to create browser instance")
			continue
		}
		created++
	}

	if created == 0 {
		p.cleanup()
		return fmt.Errorf("failed to create any browser instances: %w", lastErr)
	}

	p.initialized = true
	p.logger.Info().Int("browsers_created", created).Msg("Browser pool initialized")
	return nil
}

func (p *BrowserPool) createInstance(config *common.FetchConfig) error {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(config.UserAgent),
	)

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	testTimeout := config.BrowserTimeout
	if testTimeout <= 0 {
		testTimeout = 30 * time.Second
	}
	testCtx, testCancel := context.WithTimeout(browserCtx, testTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return fmt.Errorf("browser instance failed startup test: %w", err)
	}

	p.browsers = append(p.browsers, browserCtx)
	p.browserCancels = append(p.browserCancels, browserCancel)
	p.allocatorCancels = append(p.allocatorCancels, allocatorCancel)
	return nil
}

// Get returns a browser context from the pool round-robin
func (p *BrowserPool) Get() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized || len(p.browsers) == 0 {
		return nil, fmt.Errorf("browser pool not initialized")
	}

	index := p.currentIndex % len(p.browsers)
	p.currentIndex = (p.currentIndex + 1) % len(p.browsers)
	return p.browsers[index], nil
}

// Close shuts every instance down
func (p *BrowserPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanup()
	p.initialized = false
}

func (p *BrowserPool) cleanup() {
	for _, cancel := range p.browserCancels {
		cancel()
	}
	for _, cancel := range p.allocatorCancels {
		cancel()
	}
	p.browsers = nil
	p.browserCancels = nil
	p.allocatorCancels = nil
}
