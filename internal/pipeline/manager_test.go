package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/events"
	"github.com/atlascodex/atlas/internal/fetch"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
	"github.com/atlascodex/atlas/internal/storage"
)

const catalogPage = `<html><body>
<ul class="products">
  <li class="product"><h3>Aurora Lamp</h3><p>A warm desk lamp with a braided cord and brass finish.</p><span class="price">$49.00</span><a href="/products/aurora">Details</a></li>
  <li class="product"><h3>Basalt Mug</h3><p>Stoneware mug that keeps coffee hot for an hour.</p><span class="price">$19.50</span><a href="/products/basalt">Details</a></li>
  <li class="product"><h3>Cedar Tray</h3><p>Hand finished serving tray cut from a single board.</p><span class="price">$89.00</span><a href="/products/cedar">Details</a></li>
</ul>
</body></html>`

type pageStrategy struct {
	html  string
	err   error
	calls int
}

func (s *pageStrategy) Name() string { return "static" }

func (s *pageStrategy) Fetch(ctx context.Context, url string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &interfaces.FetchResult{
		HTML:       s.html,
		StatusCode: 200,
		Metadata:   map[string]interface{}{"strategy": "static"},
	}, nil
}

type stubProvider struct {
	responses []string
	calls     int
}

func (p *stubProvider) Name() string { return "stub" }
func (p *stubProvider) Close() error { return nil }

func (p *stubProvider) GenerateStructured(ctx context.Context, req *interfaces.ProviderRequest) (*interfaces.ProviderResponse, error) {
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return &interfaces.ProviderResponse{Text: p.responses[idx], TokensIn: 50, TokensOut: 40}, nil
}

func newTestManager(t *testing.T, provider interfaces.ModelProvider, strategy interfaces.FetchStrategy) *Manager {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger = common.BadgerConfig{InMemory: true}
	cfg.Fetch.DefaultChain = "fast"
	cfg.Fetch.EmergencyFallback = false

	storageManager, err := storage.NewStorageManager(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { storageManager.Close() })

	cache := storage.NewCacheFromManager(storageManager, &cfg.Cache, logger)
	t.Cleanup(cache.Close)

	chain := fetch.NewChain(
		map[string]interfaces.FetchStrategy{"static": strategy},
		nil,
		fetch.NewRateLimiter(0),
		&cfg.Fetch,
		logger,
	)

	var client *llm.Client
	if provider != nil {
		auditor := llm.NewAuditor(provider.Name(), storageManager.ArtifactStorage(), logger)
		client = llm.NewClient(provider, &cfg.LLM, auditor, logger)
	}

	return NewManager(cfg, storageManager, cache, chain, client, events.NewService(logger), logger)
}

func TestRunDeterministicOnly(t *testing.T) {
	m := newTestManager(t, nil, &pageStrategy{html: catalogPage})

	resp, err := m.Run(context.Background(), &models.Request{
		URL:   "https://shop.test/products",
		Query: "product listings",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.NotEmpty(t, resp.ContractID)
	assert.NotEmpty(t, resp.Data)
	assert.False(t, resp.Metadata.CacheHit)
	assert.NotEmpty(t, resp.Metadata.ContentHash)

	// Default contract carries title/description/link
	for _, entity := range resp.Data {
		if title, ok := entity["title"]; ok {
			assert.NotEmpty(t, title)
		}
	}
}

func TestRunSecondRequestHitsResultCache(t *testing.T) {
	strategy := &pageStrategy{html: catalogPage}
	m := newTestManager(t, nil, strategy)
	req := &models.Request{URL: "https://shop.test/products", Query: "product listings"}

	first, err := m.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, first.Status)

	second, err := m.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)
	assert.Equal(t, first.ContractID, second.ContractID)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.OutputSchema, second.OutputSchema)
}

func TestRunWithModelContract(t *testing.T) {
	provider := &stubProvider{responses: []string{
		`{"mode":"soft","fields":[
			{"name":"title","kind":"expected","type":"string"},
			{"name":"price","kind":"expected","type":"number"},
			{"name":"link","kind":"optional","type":"url"}
		]}`,
		`{"status":"abstain"}`,
	}}
	m := newTestManager(t, provider, &pageStrategy{html: catalogPage})

	resp, err := m.Run(context.Background(), &models.Request{
		URL:   "https://shop.test/products",
		Query: "products with prices",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, models.ModeSoft, resp.Mode)
	require.NotEmpty(t, resp.Data)

	foundPrice := false
	for _, entity := range resp.Data {
		if _, ok := entity["price"]; ok {
			foundPrice = true
		}
	}
	assert.True(t, foundPrice)
	assert.Greater(t, resp.Metadata.Cost.ModelCalls, 0)
}

func TestRunTokenBudgetSkipsAugmentation(t *testing.T) {
	provider := &stubProvider{responses: []string{
		`{"mode":"soft","fields":[
			{"name":"title","kind":"expected","type":"string"},
			{"name":"price","kind":"expected","type":"number"}
		]}`,
		`{"status":"abstain"}`,
	}}
	m := newTestManager(t, provider, &pageStrategy{html: catalogPage})

	// Contract generation alone spends 90 tokens, so the budget is gone
	// before augmentation runs
	resp, err := m.Run(context.Background(), &models.Request{
		URL:    "https://shop.test/products",
		Query:  "products with prices",
		Budget: &models.BudgetRequest{Tokens: 50},
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, 1, resp.Metadata.Cost.ModelCalls)
}

func TestRunSoftModeDemotesSparseRequired(t *testing.T) {
	page := `<html><body>
<ul class="products">
  <li class="product"><h3>Aurora Lamp</h3><p>A warm desk lamp with a braided cord.</p><span class="price">$49.00</span></li>
  <li class="product"><h3>Basalt Mug</h3><p>Stoneware mug that keeps coffee hot.</p><span>ask in store</span></li>
  <li class="product"><h3>Cedar Tray</h3><p>Hand finished serving tray.</p><span>ask in store</span></li>
</ul>
</body></html>`
	provider := &stubProvider{responses: []string{
		`{"mode":"soft","fields":[
			{"name":"title","kind":"required","type":"string"},
			{"name":"price","kind":"required","type":"number"}
		]}`,
		`{"status":"abstain"}`,
	}}
	m := newTestManager(t, provider, &pageStrategy{html: page})

	resp, err := m.Run(context.Background(), &models.Request{
		URL:   "https://shop.test/products",
		Query: "products with prices",
		Mode:  models.ModeSoft,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, resp.Status)

	// Price supports only one of three entities, so it cannot stay
	// required in the echoed schema and every entity is kept
	require.Len(t, resp.Data, 3)
	assert.Contains(t, resp.Metadata.FieldsOmitted, "price")

	items := resp.OutputSchema["items"].(map[string]interface{})
	required, _ := items["required"].([]string)
	assert.NotContains(t, required, "price")
	assert.Contains(t, required, "title")
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	m := newTestManager(t, nil, &pageStrategy{html: catalogPage})

	resp, err := m.Run(context.Background(), &models.Request{URL: "ftp://nope", Query: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, resp.Status)
	require.NotNil(t, resp.Metadata.Error)
	assert.Equal(t, models.ErrValidationFail, resp.Metadata.Error.Code)
}

func TestRunSurfacesAcquisitionFailure(t *testing.T) {
	strategy := &pageStrategy{err: fetch.NewError(fetch.ErrKindBlocked, "https://shop.test/products", 403, nil)}
	m := newTestManager(t, nil, strategy)

	resp, err := m.Run(context.Background(), &models.Request{
		URL:   "https://shop.test/products",
		Query: "product listings",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, resp.Status)
	require.NotNil(t, resp.Metadata.Error)
	assert.Equal(t, models.ErrAllStrategiesFailed, resp.Metadata.Error.Code)
}

type pagedStrategy struct {
	pages map[string]string
}

func (s *pagedStrategy) Name() string { return "static" }

func (s *pagedStrategy) Fetch(ctx context.Context, url string, opts interfaces.FetchOptions) (*interfaces.FetchResult, error) {
	html, ok := s.pages[url]
	if !ok {
		return nil, fetch.NewError(fetch.ErrKindInvalidResponse, url, 404, nil)
	}
	return &interfaces.FetchResult{HTML: html, StatusCode: 200, Metadata: map[string]interface{}{"strategy": "static"}}, nil
}

func TestRunPaginatesUpToMaxPages(t *testing.T) {
	pageOne := `<html><body>
<ul class="products">
  <li class="product"><h3>Aurora Lamp</h3><p>A warm desk lamp with a braided cord.</p><a href="/products/aurora">Details</a></li>
  <li class="product"><h3>Basalt Mug</h3><p>Stoneware mug that keeps coffee hot.</p><a href="/products/basalt">Details</a></li>
</ul>
<a rel="next" href="/products?page=2">Next</a>
</body></html>`
	pageTwo := `<html><body>
<ul class="products">
  <li class="product"><h3>Cedar Tray</h3><p>Hand finished serving tray.</p><a href="/products/cedar">Details</a></li>
  <li class="product"><h3>Dune Throw</h3><p>Woven cotton throw in warm sand tones.</p><a href="/products/dune">Details</a></li>
</ul>
</body></html>`

	strategy := &pagedStrategy{pages: map[string]string{
		"https://shop.test/products":        pageOne,
		"https://shop.test/products?page=2": pageTwo,
	}}
	m := newTestManager(t, nil, strategy)

	resp, err := m.Run(context.Background(), &models.Request{
		URL:      "https://shop.test/products",
		Query:    "product listings",
		MaxPages: 3,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, resp.Status)

	titles := make(map[string]bool)
	for _, entity := range resp.Data {
		if title, ok := entity["title"].(string); ok {
			titles[title] = true
		}
	}
	assert.True(t, titles["Aurora Lamp"])
	assert.True(t, titles["Cedar Tray"])
	assert.False(t, resp.Metadata.Partial)
}

func TestWorkerPoolBusySignal(t *testing.T) {
	m := newTestManager(t, nil, &pageStrategy{html: catalogPage})
	m.config.Pipeline.QueueHighWater = 1
	m.config.Pipeline.MaxConcurrent = 1

	pool := NewWorkerPool(m, arbor.NewLogger())
	// Not started: queued tasks stay queued, so the second submit must bounce
	_, err := pool.Submit(context.Background(), &models.Request{URL: "https://a.test/", Query: "anything"})
	require.NoError(t, err)
	_, err = pool.Submit(context.Background(), &models.Request{URL: "https://b.test/", Query: "anything"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	m := newTestManager(t, nil, &pageStrategy{html: catalogPage})
	pool := NewWorkerPool(m, arbor.NewLogger())
	pool.Start()
	defer pool.Stop()

	done, err := pool.Submit(context.Background(), &models.Request{
		URL:   "https://shop.test/products",
		Query: "product listings",
	})
	require.NoError(t, err)

	outcome := <-done
	require.NoError(t, outcome.Err)
	assert.Equal(t, models.StatusSuccess, outcome.Response.Status)
}
