package negotiate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/models"
)

const gridPage = `<html><body>
	<div class="rows">
		<div class="row"><h3>Item One</h3><span>$10</span></div>
		<div class="row"><h3>Item Two</h3><span>$20</span></div>
		<div class="row"><h3>Item Three</h3><span>$30</span></div>
	</div>
</body></html>`

func pageIndex(t *testing.T) *anchor.Index {
	t.Helper()
	idx, err := anchor.Build(gridPage, arbor.NewLogger())
	require.NoError(t, err)
	return idx
}

func baseContract() *models.SchemaContract {
	return &models.SchemaContract{
		Mode: models.ModeSoft,
		Fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldKindRequired, Type: models.FieldTypeString, Detectors: []string{"heading"}},
			{Name: "price", Kind: models.FieldKindExpected, Type: models.FieldTypeNumber, Detectors: []string{"price"}},
			{Name: "rating", Kind: models.FieldKindExpected, Type: models.FieldTypeNumber, Detectors: []string{"label_value"}},
		},
		Governance: models.Governance{
			AllowNewFields:        true,
			MinSupportThreshold:   2,
			MinBlocksThreshold:    2,
			MaxDiscoverableFields: 3,
		},
	}
}

func baseFindings() *models.DeterministicFindings {
	return &models.DeterministicFindings{
		SupportMap: map[string]int{"title": 3, "price": 3},
		Misses:     []models.Miss{{Field: "rating", Reason: models.MissReasonNoDetectorHit, DetectorsTried: []string{"label_value"}}},
	}
}

func negotiate(t *testing.T, contract *models.SchemaContract, findings *models.DeterministicFindings, aug *models.AugmentationResult) *models.NegotiationResult {
	t.Helper()
	return NewNegotiator(arbor.NewLogger()).Negotiate(pageIndex(t), contract, findings, aug)
}

func fieldNames(schema []models.FieldSpec) []string {
	var names []string
	for _, f := range schema {
		names = append(names, f.Name)
	}
	return names
}

func TestRequiredZeroSupportFails(t *testing.T) {
	findings := &models.DeterministicFindings{
		SupportMap: map[string]int{},
		Misses:     []models.Miss{{Field: "title", Reason: models.MissReasonNoDetectorHit, DetectorsTried: []string{"heading"}}},
	}

	result := negotiate(t, baseContract(), findings, models.EmptyAugmentation(false))

	assert.Equal(t, models.NegotiationError, result.Status)
	assert.Contains(t, result.Reason, "title")
	assert.Contains(t, result.Reason, "heading")
	assert.Empty(t, result.FinalSchema)
}

func TestExpectedZeroSupportPruned(t *testing.T) {
	result := negotiate(t, baseContract(), baseFindings(), models.EmptyAugmentation(false))

	require.Equal(t, models.NegotiationSuccess, result.Status)
	assert.Contains(t, result.Changes.Pruned, "rating")
	assert.NotContains(t, fieldNames(result.FinalSchema), "rating")
	assert.Contains(t, fieldNames(result.FinalSchema), "title")
	assert.Contains(t, fieldNames(result.FinalSchema), "price")
}

func TestWeakExpectedDemoted(t *testing.T) {
	findings := &models.DeterministicFindings{
		SupportMap: map[string]int{"title": 10, "price": 10, "rating": 1},
	}

	result := negotiate(t, baseContract(), findings, models.EmptyAugmentation(false))

	require.Equal(t, models.NegotiationSuccess, result.Status)
	assert.Contains(t, result.Changes.Demoted, "rating")
	for _, f := range result.FinalSchema {
		if f.Name == "rating" {
			assert.Equal(t, models.FieldKindOptional, f.Kind)
		}
	}
}

func TestPromotionQuorum(t *testing.T) {
	idx := pageIndex(t)
	anchors := idx.AnchorIDs()
	require.GreaterOrEqual(t, len(anchors), 4)

	// Pick anchors from distinct blocks
	var distinct []string
	seen := make(map[string]bool)
	for _, id := range anchors {
		if b, ok := idx.BlockOf(id); ok && !seen[b] {
			seen[b] = true
			distinct = append(distinct, id)
		}
	}
	require.GreaterOrEqual(t, len(distinct), 2)

	aug := &models.AugmentationResult{
		Proposals: []models.FieldProposal{
			{Name: "sku", Type: models.FieldTypeString, AnchorIDs: distinct[:2], SupportCount: 2, BlockCount: 2},
			{Name: "too_rare", Type: models.FieldTypeString, AnchorIDs: distinct[:1], SupportCount: 1, BlockCount: 1},
			{Name: "bad_anchor", Type: models.FieldTypeString, AnchorIDs: []string{"n_99999", "n_99998"}, SupportCount: 2, BlockCount: 2},
		},
	}

	result := NewNegotiator(arbor.NewLogger()).Negotiate(idx, baseContract(), baseFindings(), aug)

	require.Equal(t, models.NegotiationSuccess, result.Status)
	assert.Equal(t, []string{"sku"}, result.Changes.Added)
	for _, f := range result.FinalSchema {
		if f.Name == "sku" {
			assert.Equal(t, models.FieldKindDiscoverable, f.Kind)
		}
	}
}

func TestPromotionCapAndTieBreak(t *testing.T) {
	idx := pageIndex(t)
	var distinct []string
	seen := make(map[string]bool)
	for _, id := range idx.AnchorIDs() {
		if b, ok := idx.BlockOf(id); ok && !seen[b] {
			seen[b] = true
			distinct = append(distinct, id)
		}
	}
	require.GreaterOrEqual(t, len(distinct), 2)

	contract := baseContract()
	contract.Governance.MaxDiscoverableFields = 1

	aug := &models.AugmentationResult{
		Proposals: []models.FieldProposal{
			{Name: "zeta", Type: models.FieldTypeString, AnchorIDs: distinct[:2], SupportCount: 2, BlockCount: 2},
			{Name: "alpha", Type: models.FieldTypeString, AnchorIDs: distinct[:2], SupportCount: 2, BlockCount: 2},
		},
	}

	result := NewNegotiator(arbor.NewLogger()).Negotiate(idx, contract, baseFindings(), aug)

	assert.Equal(t, []string{"alpha"}, result.Changes.Added, "equal support ties break by name")
}

func TestGovernanceDisallowsNewFields(t *testing.T) {
	idx := pageIndex(t)
	contract := baseContract()
	contract.Governance.AllowNewFields = false

	aug := &models.AugmentationResult{
		Proposals: []models.FieldProposal{
			{Name: "sku", Type: models.FieldTypeString, AnchorIDs: idx.AnchorIDs()[:2], SupportCount: 5, BlockCount: 5},
		},
	}

	result := NewNegotiator(arbor.NewLogger()).Negotiate(idx, contract, baseFindings(), aug)
	assert.Empty(t, result.Changes.Added)
}

func TestNegotiationIdempotent(t *testing.T) {
	idx := pageIndex(t)
	first := NewNegotiator(arbor.NewLogger()).Negotiate(idx, baseContract(), baseFindings(), models.EmptyAugmentation(false))
	require.Equal(t, models.NegotiationSuccess, first.Status)

	// Re-negotiate with the final schema as the contract
	second := NewNegotiator(arbor.NewLogger()).Negotiate(idx, &models.SchemaContract{
		Mode:       models.ModeSoft,
		Fields:     first.FinalSchema,
		Governance: baseContract().Governance,
	}, baseFindings(), models.EmptyAugmentation(false))

	assert.Equal(t, fieldNames(first.FinalSchema), fieldNames(second.FinalSchema))
	assert.Empty(t, second.Changes.Pruned)
	assert.Empty(t, second.Changes.Demoted)
}

func TestReliabilityScore(t *testing.T) {
	result := negotiate(t, baseContract(), baseFindings(), models.EmptyAugmentation(false))

	assert.Greater(t, result.EvidenceSummary.ReliabilityScore, 0.0)
	assert.LessOrEqual(t, result.EvidenceSummary.ReliabilityScore, 1.0)
	assert.Equal(t, 3, result.EvidenceSummary.FieldCoverage["title"])
}

func TestCompletionsCountAsSupport(t *testing.T) {
	contract := baseContract()
	findings := &models.DeterministicFindings{
		SupportMap: map[string]int{"price": 3},
		Misses:     []models.Miss{{Field: "title", Reason: models.MissReasonNoDetectorHit, DetectorsTried: []string{"heading"}}},
	}
	idx := pageIndex(t)

	aug := &models.AugmentationResult{
		Completions: []models.Completion{
			{Field: "title", Value: "Item One", AnchorIDs: idx.AnchorIDs()[:1]},
		},
	}

	result := NewNegotiator(arbor.NewLogger()).Negotiate(idx, contract, findings, aug)
	assert.Equal(t, models.NegotiationSuccess, result.Status, "a cross-validated completion satisfies a required field")
}
