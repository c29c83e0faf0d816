package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
)

// contractVersion is bumped when the canonical payload shape changes
const contractVersion = 1

const generatorSystemPrompt = `You design extraction contracts for web pages. Given a user query and short page samples, decide which fields to extract and how strictly.

Rules:
- required: only fields the query explicitly demands AND the samples clearly show. Be conservative; a wrongly required field destroys entities.
- expected: fields the query implies or the samples strongly suggest. Be generous here.
- Use snake_case field names.
- mode is "strict" when the query demands complete records (words like "all", "every", "must have"), otherwise "soft".
- Allowed types: string, email, url, enum, richtext, number, boolean, date, array-of-string.
- If the query or samples give you nothing to work with, respond with exactly {"status":"abstain"}.`

// generatedContract is the model's response shape
type generatedContract struct {
	Mode   string           `json:"mode"`
	Fields []generatedField `json:"fields"`
}

type generatedField struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// Generator produces schema contracts from a query and page samples. The
// model decides fields and mode; everything else - detectors, governance,
// policies, the deterministic id - is assembled here so equal inputs yield
// equal contracts.
type Generator struct {
	client *llm.Client
	config *common.Config
	logger arbor.ILogger
}

// NewGenerator creates a contract generator
func NewGenerator(client *llm.Client, config *common.Config, logger arbor.ILogger) *Generator {
	return &Generator{
		client: client,
		config: config,
		logger: logger,
	}
}

// Generate produces a contract for a query against an indexed page. On model
// abstention or budget overrun it falls back to the default generic
// contract; the pipeline then runs deterministic-only.
//
// Returns:
//   - *models.SchemaContract: The generated or default contract
//   - bool: true when the model abstained and the default was used
//   - error: non-nil only on unrecoverable failures
func (g *Generator) Generate(ctx context.Context, idx *anchor.Index, query, correlationID string) (*models.SchemaContract, bool, models.Cost, error) {
	var cost models.Cost

	if g.client == nil {
		c, err := g.finalize(DefaultContract(query, g.config.LLM.Seed))
		return c, true, cost, err
	}

	samples := idx.BuildSamples(5)
	prompt := buildGeneratorPrompt(query, samples, pageOverview(idx))

	res, err := g.client.Invoke(ctx, llm.CallSpec{
		Stage:           "contract",
		System:          generatorSystemPrompt,
		Prompt:          prompt,
		Schema:          generatorSchema(),
		MaxOutputTokens: g.config.Pipeline.ContractTokens,
		Timeout:         common.ParseDurationOr(g.config.Pipeline.ContractTimeout, 800*time.Millisecond),
		CorrelationID:   correlationID,
	})
	if err != nil {
		return nil, false, cost, fmt.Errorf("contract generation call failed: %w", err)
	}
	cost.Add(res.Cost)

	if res.Abstained {
		g.logger.Info().
			Str("correlation_id", correlationID).
			Str("reason", res.Reason).
			Msg("Contract generation abstained, using default contract")
		c, err := g.finalize(DefaultContract(query, g.config.LLM.Seed))
		return c, true, cost, err
	}

	var gen generatedContract
	if err := llm.DecodeStrict(res.Raw, &gen); err != nil {
		g.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Contract response shape rejected, using default contract")
		c, derr := g.finalize(DefaultContract(query, g.config.LLM.Seed))
		return c, true, cost, derr
	}

	contract, err := g.assemble(&gen, query, samples)
	if err != nil {
		g.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Generated contract invalid, using default contract")
		c, derr := g.finalize(DefaultContract(query, g.config.LLM.Seed))
		return c, true, cost, derr
	}

	return contract, false, cost, nil
}

// Default returns the finalized generic-list contract without consulting the
// model. Used when a fresh abstention marker makes a model call pointless.
func (g *Generator) Default(query string) (*models.SchemaContract, error) {
	return g.finalize(DefaultContract(query, g.config.LLM.Seed))
}

// assemble converts the model response into a validated, finalized contract
func (g *Generator) assemble(gen *generatedContract, query string, samples []anchor.Sample) (*models.SchemaContract, error) {
	mode := models.ExtractionMode(gen.Mode)
	if mode != models.ModeStrict && mode != models.ModeSoft {
		mode = ModeForQuery(query)
	}

	contract := &models.SchemaContract{
		ContractVersion: contractVersion,
		Generator:       "model",
		Seed:            g.config.LLM.Seed,
		Mode:            mode,
		Governance:      defaultGovernance(),
		EvidencePolicy: models.EvidencePolicy{
			RequireAnchors:     true,
			MinAnchorsPerField: g.config.Pipeline.MinAnchorsPerField,
		},
		MissingPolicy: defaultMissingPolicy(),
	}

	for _, f := range gen.Fields {
		spec, err := fieldSpecFrom(f)
		if err != nil {
			return nil, err
		}
		contract.Fields = append(contract.Fields, spec)
	}

	if err := ValidateContract(contract, query, samples); err != nil {
		return nil, err
	}
	return g.finalize(contract)
}

// finalize stamps the timestamp and computes the deterministic id
func (g *Generator) finalize(contract *models.SchemaContract) (*models.SchemaContract, error) {
	contract.GeneratedAt = time.Now().UTC()
	if _, err := contract.ComputeID(); err != nil {
		return nil, fmt.Errorf("failed to compute contract id: %w", err)
	}
	g.logger.Debug().
		Str("contract_id", contract.ContractID).
		Str("mode", string(contract.Mode)).
		Int("fields", len(contract.Fields)).
		Msg("Contract finalized")
	return contract, nil
}

func fieldSpecFrom(f generatedField) (models.FieldSpec, error) {
	kind := models.FieldKind(f.Kind)
	switch kind {
	case models.FieldKindRequired, models.FieldKindExpected, models.FieldKindOptional:
	default:
		// Generated contracts never start with discoverable fields; those
		// enter only through promotion
		kind = models.FieldKindExpected
	}

	fieldType := models.FieldType(f.Type)
	known := false
	for _, k := range models.KnownFieldTypes() {
		if k == fieldType {
			known = true
			break
		}
	}
	if !known {
		return models.FieldSpec{}, fmt.Errorf("unknown field type %q for field %q", f.Type, f.Name)
	}

	return models.FieldSpec{
		Name:      CanonicalName(f.Name),
		Kind:      kind,
		Type:      fieldType,
		Detectors: defaultDetectors(fieldType),
	}, nil
}

// ModeForQuery is the deterministic mode heuristic applied when the model
// does not choose one
func ModeForQuery(query string) models.ExtractionMode {
	q := strings.ToLower(query)
	for _, marker := range []string{"all ", "every ", "each ", "complete", "must have", "with their"} {
		if strings.Contains(q, marker) {
			return models.ModeStrict
		}
	}
	return models.ModeSoft
}

// CanonicalName lowercases and snake_cases a field name
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastUnderscore := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func buildGeneratorPrompt(query string, samples []anchor.Sample, overview string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nPage samples:\n", query)
	for _, s := range samples {
		fmt.Fprintf(&b, "- [%s] %s\n", s.AnchorID, s.Text)
	}
	if overview != "" {
		fmt.Fprintf(&b, "\nPage overview (markdown):\n%s\n", overview)
	}
	return b.String()
}

func generatorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{"type": "string", "enum": []interface{}{"strict", "soft"}},
			"fields": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name": map[string]interface{}{"type": "string"},
						"kind": map[string]interface{}{"type": "string", "enum": []interface{}{"required", "expected", "optional"}},
						"type": map[string]interface{}{"type": "string"},
					},
					"required": []interface{}{"name", "kind", "type"},
				},
			},
		},
		"required": []interface{}{"mode", "fields"},
	}
}
