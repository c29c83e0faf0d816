package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
)

// fakeProvider returns scripted responses in order
type fakeProvider struct {
	responses []fakeResponse
	calls     int
	requests  []*interfaces.ProviderRequest
}

type fakeResponse struct {
	text      string
	tokensOut int
	err       error
	delay     time.Duration
}

func (f *fakeProvider) GenerateStructured(ctx context.Context, req *interfaces.ProviderRequest) (*interfaces.ProviderResponse, error) {
	f.requests = append(f.requests, req)
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	r := f.responses[i]
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &interfaces.ProviderResponse{Text: r.text, TokensIn: 10, TokensOut: r.tokensOut}, nil
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Close() error { return nil }

func newTestClient(p interfaces.ModelProvider) *Client {
	cfg := &common.LLMConfig{Seed: 1, AdmissionRPS: 1000, AdmissionBurst: 1000}
	return NewClient(p, cfg, nil, arbor.NewLogger())
}

func TestInvokeReturnsValidJSON(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: `{"fields":[]}`, tokensOut: 5}}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "contract", Prompt: "x", MaxOutputTokens: 500})
	require.NoError(t, err)
	assert.False(t, res.Abstained)
	assert.JSONEq(t, `{"fields":[]}`, res.Raw)
	assert.Equal(t, 1, res.Cost.ModelCalls)
}

func TestInvokeDetectsAbstention(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: `{"status":"abstain"}`, tokensOut: 4}}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "contract", Prompt: "x", MaxOutputTokens: 500})
	require.NoError(t, err)
	assert.True(t, res.Abstained)
	assert.Equal(t, "model_abstained", res.Reason)
}

func TestInvokeRetriesMalformedOnce(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{text: `not json at all`, tokensOut: 3},
		{text: `{"ok":true}`, tokensOut: 3},
	}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "augment", Prompt: "x", MaxOutputTokens: 400})
	require.NoError(t, err)
	assert.False(t, res.Abstained)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, 2, res.Cost.ModelCalls)
}

func TestInvokeAbstainsAfterSecondMalformed(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{
		{text: `nope`, tokensOut: 1},
		{text: `still nope`, tokensOut: 1},
	}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "augment", Prompt: "x", MaxOutputTokens: 400})
	require.NoError(t, err)
	assert.True(t, res.Abstained)
	assert.Equal(t, "malformed_output", res.Reason)
	assert.Equal(t, 2, p.calls)
}

func TestInvokeTimeBudgetAbstains(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: `{}`, delay: 200 * time.Millisecond}}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "contract", Prompt: "x", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.Abstained)
	assert.Equal(t, "time_budget_exceeded", res.Reason)
}

func TestInvokeTokenBudgetAbstains(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: `{"big":"output"}`, tokensOut: 900}}}
	c := newTestClient(p)

	res, err := c.Invoke(context.Background(), CallSpec{Stage: "contract", Prompt: "x", MaxOutputTokens: 100})
	require.NoError(t, err)
	assert.True(t, res.Abstained)
	assert.Equal(t, "token_budget_exceeded", res.Reason)
}

func TestInvokeEnforcesStrictSchema(t *testing.T) {
	p := &fakeProvider{responses: []fakeResponse{{text: `{}`, tokensOut: 1}}}
	c := newTestClient(p)

	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
	}
	_, err := c.Invoke(context.Background(), CallSpec{Stage: "contract", Prompt: "x", Schema: schema})
	require.NoError(t, err)

	require.Len(t, p.requests, 1)
	sent := p.requests[0].ResponseSchema
	assert.Equal(t, false, sent["additionalProperties"])
	assert.Equal(t, false, sent["unevaluatedProperties"])
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

func TestConvertToGenaiSchema(t *testing.T) {
	m := map[string]interface{}{
		"type": "array",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name":  map[string]interface{}{"type": "string"},
				"count": map[string]interface{}{"type": "number"},
				"kind":  map[string]interface{}{"type": "string", "enum": []interface{}{"a", "b"}},
			},
			"required": []interface{}{"name"},
		},
	}
	s, err := convertToGenaiSchema(m)
	require.NoError(t, err)
	require.NotNil(t, s.Items)
	assert.Len(t, s.Items.Properties, 3)
	assert.Equal(t, []string{"name"}, s.Items.Required)
	assert.Equal(t, []string{"a", "b"}, s.Items.Properties["kind"].Enum)

	_, err = convertToGenaiSchema(map[string]interface{}{"type": "tuple"})
	assert.Error(t, err)
}
