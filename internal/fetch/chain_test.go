package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

type scriptedStrategy struct {
	name    string
	results []scriptedFetch
	calls   int
}

type scriptedFetch struct {
	html string
	err  error
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Fetch(ctx context.Context, url string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	step := s.results[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &interfaces.FetchResult{
		HTML:       step.html,
		StatusCode: 200,
		Metadata:   map[string]interface{}{"strategy": s.name},
	}, nil
}

func testFetchConfig() *common.FetchConfig {
	return &common.FetchConfig{
		UserAgent:         "atlas-test",
		RequestTimeout:    5 * time.Second,
		DefaultChain:      "balanced",
		EmergencyFallback: false,
	}
}

func newTestChain(config *common.FetchConfig, strategies ...interfaces.FetchStrategy) *Chain {
	byName := make(map[string]interfaces.FetchStrategy)
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	return NewChain(byName, nil, NewRateLimiter(0), config, arbor.NewLogger())
}

const richPage = `<html><body><ul class="releases">
	<li class="release"><h3>v1.2.0</h3><p>Adds the long awaited importer along with plenty of fixes.</p></li>
	<li class="release"><h3>v1.1.0</h3><p>Stabilizes the watcher and trims startup time noticeably.</p></li>
	<li class="release"><h3>v1.0.0</h3><p>First stable release with the full extraction surface.</p></li>
</ul></body></html>`

// emptyShell fetches fine but carries no repeated content blocks
const emptyShell = `<html><body><div id="app"></div></body></html>`

func TestChainFirstStrategySucceeds(t *testing.T) {
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{{html: richPage}}}
	hybrid := &scriptedStrategy{name: "hybrid", results: []scriptedFetch{{html: richPage}}}
	chain := newTestChain(testFetchConfig(), static, hybrid)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "cost_optimized", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, richPage, result.HTML)
	assert.Equal(t, 1, static.calls)
	assert.Equal(t, 0, hybrid.calls)
	assert.Equal(t, "cost_optimized", result.Metadata["chain"])
}

func TestChainFallsThroughOnPermanentFailure(t *testing.T) {
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{
		{err: NewError(ErrKindBlocked, "https://example.com/a", 403, nil)},
	}}
	hybrid := &scriptedStrategy{name: "hybrid", results: []scriptedFetch{{html: richPage}}}
	chain := newTestChain(testFetchConfig(), static, hybrid)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "cost_optimized", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, richPage, result.HTML)
	// Blocked is permanent for the strategy; no retries before moving on
	assert.Equal(t, 1, static.calls)
	assert.Equal(t, 1, hybrid.calls)
}

func TestChainTreatsBlocklessHTMLAsMiss(t *testing.T) {
	// Static fetches an unrendered shell; the chain must advance to a
	// strategy whose HTML carries content blocks
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{{html: emptyShell}}}
	hybrid := &scriptedStrategy{name: "hybrid", results: []scriptedFetch{{html: richPage}}}
	chain := newTestChain(testFetchConfig(), static, hybrid)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "cost_optimized", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, richPage, result.HTML)
	assert.Equal(t, 1, static.calls)
	assert.Equal(t, 1, hybrid.calls)
}

func TestChainBlocklessEverywhereIsExhaustion(t *testing.T) {
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{{html: emptyShell}}}
	chain := newTestChain(testFetchConfig(), static)

	_, err := chain.Fetch(context.Background(), "https://example.com/a", "fast", "corr-2")
	require.Error(t, err)

	pe, ok := models.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrAllStrategiesFailed, pe.Code)
	assert.Contains(t, pe.Detail, "no content blocks")
}

func TestBrowserJSStrategyName(t *testing.T) {
	s := NewBrowserJSStrategy(nil, testFetchConfig(), arbor.NewLogger())
	assert.Equal(t, "browser_js", s.Name())
}

func TestChainRetriesTransientFailures(t *testing.T) {
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{
		{err: NewError(ErrKindTimeout, "https://example.com/a", 0, context.DeadlineExceeded)},
		{html: richPage},
	}}
	chain := newTestChain(testFetchConfig(), static)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "fast", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, richPage, result.HTML)
	assert.Equal(t, 2, static.calls)
}

func TestChainExhaustionIsFatal(t *testing.T) {
	blocked := scriptedFetch{err: NewError(ErrKindBlocked, "https://example.com/a", 403, nil)}
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{blocked}}
	hybrid := &scriptedStrategy{name: "hybrid", results: []scriptedFetch{blocked}}
	chain := newTestChain(testFetchConfig(), static, hybrid)

	_, err := chain.Fetch(context.Background(), "https://example.com/a", "cost_optimized", "corr-9")
	require.Error(t, err)

	pe, ok := models.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrAllStrategiesFailed, pe.Code)
	assert.True(t, pe.Fatal())
	assert.Equal(t, "corr-9", pe.CorrelationID)
	assert.Contains(t, pe.Detail, "static")
	assert.Contains(t, pe.Detail, "hybrid")
}

func TestChainEmergencyFallbackMarksPartial(t *testing.T) {
	static := &scriptedStrategy{name: "static", results: []scriptedFetch{
		{err: NewError(ErrKindBlocked, "https://example.com/a", 403, nil)},
		{html: richPage},
	}}
	config := testFetchConfig()
	config.EmergencyFallback = true
	chain := newTestChain(config, static)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "fast", "corr-1")
	require.NoError(t, err)
	assert.True(t, result.Partial)
	assert.Equal(t, true, result.Metadata["emergency"])
}

func TestChainUnknownName(t *testing.T) {
	chain := newTestChain(testFetchConfig())
	_, err := chain.Fetch(context.Background(), "https://example.com/a", "warp_speed", "corr-1")
	assert.Error(t, err)
}

func TestChainEmptyNameUsesDefault(t *testing.T) {
	hybrid := &scriptedStrategy{name: "hybrid", results: []scriptedFetch{{html: richPage}}}
	chain := newTestChain(testFetchConfig(), hybrid)

	result, err := chain.Fetch(context.Background(), "https://example.com/a", "", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "balanced", result.Metadata["chain"])
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{200, ""},
		{301, ""},
		{401, ErrKindBlocked},
		{403, ErrKindBlocked},
		{429, ErrKindBlocked},
		{408, ErrKindTimeout},
		{504, ErrKindTimeout},
		{404, ErrKindInvalidResponse},
		{500, ErrKindInvalidResponse},
		{0, ErrKindUnreachable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, KindForStatus(tt.status), "status %d", tt.status)
	}

	assert.True(t, NewError(ErrKindTimeout, "u", 0, nil).Transient())
	assert.True(t, NewError(ErrKindUnreachable, "u", 0, nil).Transient())
	assert.False(t, NewError(ErrKindBlocked, "u", 403, nil).Transient())
	assert.False(t, NewError(ErrKindInvalidResponse, "u", 500, nil).Transient())
}

func TestAsFetchErrorUnwraps(t *testing.T) {
	inner := NewError(ErrKindTimeout, "https://example.com", 0, context.DeadlineExceeded)
	wrapped := errors.Join(errors.New("attempt 3 failed"), inner)

	fe, ok := AsFetchError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrKindTimeout, fe.Kind)
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	rl := NewRateLimiter(30 * time.Millisecond)

	start := time.Now()
	require.NoError(t, rl.Wait(context.Background(), "https://example.com/one"))
	require.NoError(t, rl.Wait(context.Background(), "https://example.com/two"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// Different domains are not coupled
	start = time.Now()
	require.NoError(t, rl.Wait(context.Background(), "https://other.test/page"))
	assert.Less(t, time.Since(start), 25*time.Millisecond)
}

func TestRateLimiterHonorsContext(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	require.NoError(t, rl.Wait(context.Background(), "https://slow.test/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Wait(ctx, "https://slow.test/")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNeedsRendering(t *testing.T) {
	assert.True(t, NeedsRendering(`<html><body><div id="root"></div></body></html>`))
	assert.True(t, NeedsRendering(`<html><body><script>boot()</script></body></html>`))
	assert.False(t, NeedsRendering(richPage))
}

func TestDetectFramework(t *testing.T) {
	assert.Equal(t, "nextjs", DetectFramework(`<div id="__NEXT_DATA__">{}</div>`))
	assert.Equal(t, "react", DetectFramework(`<div data-reactroot></div>`))
	assert.Equal(t, "", DetectFramework(richPage))
}

func TestSelectorReordersAfterObservations(t *testing.T) {
	sel := NewStrategySelector(arbor.NewLogger())
	order := []string{"static", "hybrid", "browser"}

	// Unobserved strategies keep chain order
	assert.Equal(t, order, sel.Order("react", order))

	for i := 0; i < 5; i++ {
		sel.Record("react", "static", false)
		sel.Record("react", "browser", true)
	}

	reordered := sel.Order("react", order)
	assert.Equal(t, "browser", reordered[0])
	assert.Equal(t, "static", reordered[2])

	// Statistics are per framework
	assert.Equal(t, order, sel.Order("wordpress", order))
}
