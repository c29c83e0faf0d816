package execute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/deterministic"
	"github.com/atlascodex/atlas/internal/models"
)

const catalogPage = `<html><body>
	<div class="items">
		<div class="item"><h3>Widget Alpha</h3><span class="price">$10.00</span></div>
		<div class="item"><h3>Widget Beta</h3><span class="price">$20.00</span></div>
		<div class="item"><h3>Widget Gamma</h3><span>no price listed</span></div>
	</div>
</body></html>`

func catalogContract(mode models.ExtractionMode) *models.SchemaContract {
	c := &models.SchemaContract{
		Mode: mode,
		Fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldKindRequired, Type: models.FieldTypeString, Detectors: []string{"heading"}},
			{Name: "price", Kind: models.FieldKindRequired, Type: models.FieldTypeNumber, Detectors: []string{"price"}},
		},
		MissingPolicy: models.MissingPolicy{
			Required: models.MissingRequiredDropEntity,
			Expected: models.MissingExpectedOmitField,
		},
	}
	c.ComputeID()
	return c
}

func runExtraction(t *testing.T, html string, contract *models.SchemaContract) (*models.ExtractionResult, bool, error) {
	t.Helper()
	idx, err := anchor.Build(html, arbor.NewLogger())
	require.NoError(t, err)

	findings := deterministic.NewTrack(arbor.NewLogger()).Run(idx, contract)
	exec := NewExecutor(nil, common.NewDefaultConfig(), arbor.NewLogger())
	return exec.Execute(context.Background(), idx, contract, contract.Fields, findings, models.EmptyAugmentation(false), nil, true, "corr_t")
}

func TestStrictModeDropsIncompleteEntities(t *testing.T) {
	result, fallback, err := runExtraction(t, catalogPage, catalogContract(models.ModeStrict))
	require.NoError(t, err)
	assert.False(t, fallback)

	// Gamma has no price and is dropped
	assert.Equal(t, 1, result.DroppedEntities)
	require.Len(t, result.Data, 2)
	for _, entity := range result.Data {
		assert.Contains(t, entity, "title")
		assert.Contains(t, entity, "price")
	}
}

func TestStrictModeAllDroppedIsFatal(t *testing.T) {
	contract := catalogContract(models.ModeStrict)
	contract.Fields = append(contract.Fields, models.FieldSpec{
		Name: "serial_number", Kind: models.FieldKindRequired, Type: models.FieldTypeString, Detectors: []string{"label_value"},
	})

	_, _, err := runExtraction(t, catalogPage, contract)
	require.Error(t, err)

	pe, ok := models.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrStrictModeDrop, pe.Code)
	assert.True(t, pe.Fatal())

	// The detail names each missing field with counts and detectors
	assert.Contains(t, pe.Detail, "serial_number missing in")
	assert.Contains(t, pe.Detail, "label_value")
}

func TestStrictModeFailJobPolicy(t *testing.T) {
	contract := catalogContract(models.ModeStrict)
	contract.MissingPolicy.Required = models.MissingRequiredFailJob

	// Gamma lacks a price: one drop is enough to fail under fail_job
	_, _, err := runExtraction(t, catalogPage, contract)
	require.Error(t, err)

	pe, ok := models.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrStrictModeDrop, pe.Code)
	assert.Contains(t, pe.Detail, "price missing in 1 entities")
}

func TestSoftModeKeepsIncompleteEntities(t *testing.T) {
	result, fallback, err := runExtraction(t, catalogPage, catalogContract(models.ModeSoft))
	require.NoError(t, err)
	assert.False(t, fallback)

	// Gamma has no price; soft mode keeps it with the field omitted
	assert.Equal(t, 0, result.DroppedEntities)
	require.Len(t, result.Data, 3)

	withPrice := 0
	for _, entity := range result.Data {
		assert.Contains(t, entity, "title")
		if v, ok := entity["price"]; ok && v != nil {
			withPrice++
		}
	}
	assert.Equal(t, 2, withPrice)
}

func TestSoftModeNullsMissingRequiredUnderNullPolicy(t *testing.T) {
	contract := catalogContract(models.ModeSoft)
	contract.MissingPolicy.Expected = models.MissingExpectedNullField

	result, _, err := runExtraction(t, catalogPage, contract)
	require.NoError(t, err)
	require.Len(t, result.Data, 3)

	sawNull := false
	for _, entity := range result.Data {
		v, ok := entity["price"]
		require.True(t, ok)
		if v == nil {
			sawNull = true
		}
	}
	assert.True(t, sawNull)
}

func TestDemoteSparseRequired(t *testing.T) {
	schema := []models.FieldSpec{
		{Name: "title", Kind: models.FieldKindRequired, Type: models.FieldTypeString},
		{Name: "price", Kind: models.FieldKindRequired, Type: models.FieldTypeNumber},
		{Name: "link", Kind: models.FieldKindOptional, Type: models.FieldTypeURL},
	}
	entities := []models.Entity{
		{"title": "A", "price": 10.0},
		{"title": "B"},
		{"title": "C"},
		{"title": "D"},
	}

	out, demoted := DemoteSparseRequired(schema, entities)
	assert.Equal(t, []string{"price"}, demoted)
	for _, f := range out {
		switch f.Name {
		case "title":
			assert.Equal(t, models.FieldKindRequired, f.Kind)
		case "price":
			assert.Equal(t, models.FieldKindExpected, f.Kind)
		}
	}
	// The caller's schema is untouched
	assert.Equal(t, models.FieldKindRequired, schema[1].Kind)

	// The echoed schema no longer promises the demoted field
	js := models.OutputSchema(out, models.ModeSoft, true)
	items := js["items"].(map[string]interface{})
	required, _ := items["required"].([]string)
	assert.Equal(t, []string{"title"}, required)
}

func TestNumbersAreTyped(t *testing.T) {
	result, _, err := runExtraction(t, catalogPage, catalogContract(models.ModeStrict))
	require.NoError(t, err)

	prices := map[float64]bool{}
	for _, entity := range result.Data {
		v, ok := entity["price"].(float64)
		require.True(t, ok, "price must be a JSON number, got %T", entity["price"])
		prices[v] = true
	}
	assert.True(t, prices[10.0])
	assert.True(t, prices[20.0])
}

func TestSoftModeCoverageFloorOmitsSparseFields(t *testing.T) {
	// Five blocks, only one carries a date: 20% coverage, under the floor
	page := `<html><body><div class="list">
		<div class="entry"><h3>A</h3><p class="note">alpha note</p></div>
		<div class="entry"><h3>B</h3><p class="note">beta note</p></div>
		<div class="entry"><h3>C</h3><p class="note">gamma note</p></div>
		<div class="entry"><h3>D</h3><p class="note">delta note</p></div>
		<div class="entry"><h3>E</h3><p class="note"><time datetime="2024-01-01">Jan 1</time> epsilon</p></div>
	</div></body></html>`

	contract := &models.SchemaContract{
		Mode: models.ModeSoft,
		Fields: []models.FieldSpec{
			{Name: "title", Kind: models.FieldKindRequired, Type: models.FieldTypeString, Detectors: []string{"heading"}},
			{Name: "published", Kind: models.FieldKindExpected, Type: models.FieldTypeDate, Detectors: []string{"date"}},
		},
		MissingPolicy: models.MissingPolicy{
			Required: models.MissingRequiredDropEntity,
			Expected: models.MissingExpectedOmitField,
		},
	}
	contract.ComputeID()

	result, _, err := runExtraction(t, page, contract)
	require.NoError(t, err)

	assert.Contains(t, result.FieldsOmitted, "published")
	for _, entity := range result.Data {
		assert.NotContains(t, entity, "published")
	}
}

func TestEvidenceRecordsPointAtEntities(t *testing.T) {
	result, _, err := runExtraction(t, catalogPage, catalogContract(models.ModeStrict))
	require.NoError(t, err)

	require.NotEmpty(t, result.Evidence)
	for _, rec := range result.Evidence {
		assert.NotEmpty(t, rec.AnchorID)
		assert.NotEmpty(t, rec.TextSHA256)
		assert.Less(t, rec.EntityIndex, len(result.Data))
	}
}

func TestPIIRedactionMask(t *testing.T) {
	page := `<html><body><div class="cards">
		<div class="card"><h3>Ada</h3><a href="mailto:ada@example.com">ada@example.com</a></div>
		<div class="card"><h3>Grace</h3><a href="mailto:grace@example.com">grace@example.com</a></div>
	</div></body></html>`

	contract := &models.SchemaContract{
		Mode: models.ModeSoft,
		Fields: []models.FieldSpec{
			{Name: "name", Kind: models.FieldKindRequired, Type: models.FieldTypeString, Detectors: []string{"heading"}},
			{Name: "email", Kind: models.FieldKindExpected, Type: models.FieldTypeEmail, Detectors: []string{"email"}},
		},
		MissingPolicy: models.MissingPolicy{Required: models.MissingRequiredDropEntity, Expected: models.MissingExpectedOmitField},
	}
	contract.ComputeID()

	result, _, err := runExtraction(t, page, contract)
	require.NoError(t, err)

	var sawMask bool
	for _, rec := range result.Evidence {
		if rec.Field == "email" {
			assert.NotEmpty(t, rec.RedactionMask, "email evidence is redacted by default")
			sawMask = true
		}
		if rec.Field == "name" {
			assert.Empty(t, rec.RedactionMask)
		}
	}
	assert.True(t, sawMask)
}

func TestPerFieldSupport(t *testing.T) {
	result, _, err := runExtraction(t, catalogPage, catalogContract(models.ModeStrict))
	require.NoError(t, err)

	assert.Equal(t, 2, result.PerFieldSupport["title"])
	assert.Equal(t, 2, result.PerFieldSupport["price"])
}

func TestTypedValue(t *testing.T) {
	assert.Equal(t, 12.5, typedValue(models.FieldTypeNumber, "$12.50"))
	assert.Equal(t, true, typedValue(models.FieldTypeBoolean, "yes"))
	assert.Equal(t, "2024-01-05", typedValue(models.FieldTypeDate, "Jan 5, 2024"))
	assert.Equal(t, []string{"a", "b"}, typedValue(models.FieldTypeArrayOfString, "a, b"))
	assert.Equal(t, "x", typedValue(models.FieldTypeString, "x"))
}
