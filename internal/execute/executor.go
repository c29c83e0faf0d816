package execute

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/detect"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
)

// softCoverageFloor: in soft mode, a non-required field present in under
// this share of entities is omitted everywhere instead of dribbling through
const softCoverageFloor = 0.6

// anchoredValue is one field value tied to its anchor during assembly
type anchoredValue struct {
	value    string
	anchorID string
}

// Executor turns negotiated schema plus track evidence into schema-compliant
// entities. Assembly is compositional: one entity per detected block, values
// joined by block membership, never by model say-so. The model appears only
// as a schema-constrained fallback when composition yields nothing.
type Executor struct {
	client *llm.Client
	config *common.Config
	logger arbor.ILogger
}

// NewExecutor creates an executor. client may be nil, which disables the
// model fallback.
func NewExecutor(client *llm.Client, config *common.Config, logger arbor.ILogger) *Executor {
	return &Executor{
		client: client,
		config: config,
		logger: logger,
	}
}

// Execute assembles entities under the final schema and the contract's
// missing policy.
//
// Returns:
//   - *models.ExtractionResult: Entities, bookkeeping, and evidence records
//   - bool: true when the schema-constrained model fallback produced the data
//   - error: a fatal pipeline error (strict-mode total drop), or nil
func (e *Executor) Execute(
	ctx context.Context,
	idx *anchor.Index,
	contract *models.SchemaContract,
	finalSchema []models.FieldSpec,
	findings *models.DeterministicFindings,
	augmented *models.AugmentationResult,
	allowedPII []string,
	allowFallback bool,
	correlationID string,
) (*models.ExtractionResult, bool, error) {
	start := time.Now()
	result := &models.ExtractionResult{
		ContractID:      contract.ContractID,
		Mode:            contract.Mode,
		PerFieldSupport: make(map[string]int),
		Timings:         make(map[string]time.Duration),
	}

	entities, evidence := e.assemble(idx, finalSchema, findings, augmented)

	fallbackUsed := false
	if len(entities) == 0 && e.client != nil && allowFallback {
		var cost models.Cost
		entities, cost = e.modelFallback(ctx, idx, finalSchema, contract.Mode, correlationID)
		result.Cost.Add(cost)
		fallbackUsed = len(entities) > 0
		evidence = nil
	}

	entities, evidence, dropped, err := e.applyMissingPolicy(contract, finalSchema, findings, entities, evidence)
	if err != nil {
		return nil, false, err
	}
	result.DroppedEntities = dropped

	if contract.Mode == models.ModeSoft {
		entities, result.FieldsOmitted = e.applyCoverageFloor(finalSchema, entities)
	}

	for _, entity := range entities {
		for field := range entity {
			if entity[field] != nil {
				result.PerFieldSupport[field]++
			}
		}
	}

	result.Data = entities
	result.Evidence = e.redactEvidence(idx, finalSchema, evidence, allowedPII)
	result.Timings["execute"] = time.Since(start)

	e.logger.Debug().
		Str("correlation_id", correlationID).
		Int("entities", len(result.Data)).
		Int("dropped", result.DroppedEntities).
		Bool("fallback", fallbackUsed).
		Msg("Extraction executed")

	return result, fallbackUsed, nil
}

// assemble joins hits and completions into one entity per block. Values for
// unblocked anchors form a single page-level entity when no blocks exist.
func (e *Executor) assemble(
	idx *anchor.Index,
	finalSchema []models.FieldSpec,
	findings *models.DeterministicFindings,
	augmented *models.AugmentationResult,
) ([]models.Entity, []models.EvidenceRecord) {
	inSchema := make(map[string]models.FieldSpec, len(finalSchema))
	for _, f := range finalSchema {
		inSchema[f.Name] = f
	}

	// block id -> field -> value
	byBlock := make(map[string]map[string]anchoredValue)
	pageLevel := make(map[string]anchoredValue)

	place := func(field, value, anchorID string) {
		if _, ok := inSchema[field]; !ok {
			return
		}
		if block, ok := idx.BlockOf(anchorID); ok {
			if byBlock[block] == nil {
				byBlock[block] = make(map[string]anchoredValue)
			}
			if _, taken := byBlock[block][field]; !taken {
				byBlock[block][field] = anchoredValue{value: value, anchorID: anchorID}
			}
			return
		}
		if _, taken := pageLevel[field]; !taken {
			pageLevel[field] = anchoredValue{value: value, anchorID: anchorID}
		}
	}

	for _, h := range findings.Hits {
		place(h.Field, h.Value, h.AnchorID)
	}
	if augmented != nil {
		for _, c := range augmented.Completions {
			for _, id := range c.AnchorIDs {
				place(c.Field, c.Value, id)
			}
		}
		for _, p := range augmented.Proposals {
			for i, id := range p.AnchorIDs {
				if i < len(p.SampleValues) {
					place(p.Name, p.SampleValues[i], id)
				}
			}
		}
	}

	blockIDs := make([]string, 0, len(byBlock))
	for b := range byBlock {
		blockIDs = append(blockIDs, b)
	}
	sort.Slice(blockIDs, func(i, j int) bool { return blockOrdinal(blockIDs[i]) < blockOrdinal(blockIDs[j]) })

	var entities []models.Entity
	var evidence []models.EvidenceRecord

	for _, block := range blockIDs {
		entity := models.Entity{}
		for field, av := range byBlock[block] {
			entity[field] = typedValue(inSchema[field].Type, av.value)
			evidence = append(evidence, models.EvidenceRecord{
				AnchorID:    av.anchorID,
				Field:       field,
				EntityIndex: len(entities),
			})
		}
		// Page-level singletons backfill fields the block lacks
		for field, av := range pageLevel {
			if _, ok := entity[field]; !ok {
				entity[field] = typedValue(inSchema[field].Type, av.value)
				evidence = append(evidence, models.EvidenceRecord{
					AnchorID:    av.anchorID,
					Field:       field,
					EntityIndex: len(entities),
				})
			}
		}
		entities = append(entities, entity)
	}

	if len(entities) == 0 && len(pageLevel) > 0 {
		entity := models.Entity{}
		for field, av := range pageLevel {
			entity[field] = typedValue(inSchema[field].Type, av.value)
			evidence = append(evidence, models.EvidenceRecord{
				AnchorID:    av.anchorID,
				Field:       field,
				EntityIndex: 0,
			})
		}
		entities = append(entities, entity)
	}

	return entities, evidence
}

// applyMissingPolicy enforces required fields per mode and fills or omits
// missing expected fields. Only strict mode drops entities; soft mode keeps
// every assembled entity and handles unfilled required fields like expected
// ones.
func (e *Executor) applyMissingPolicy(
	contract *models.SchemaContract,
	finalSchema []models.FieldSpec,
	findings *models.DeterministicFindings,
	entities []models.Entity,
	evidence []models.EvidenceRecord,
) ([]models.Entity, []models.EvidenceRecord, int, error) {
	var required, expected []string
	for _, f := range finalSchema {
		switch f.Kind {
		case models.FieldKindRequired:
			required = append(required, f.Name)
		case models.FieldKindExpected:
			expected = append(expected, f.Name)
		}
	}

	dropped := 0
	missingCounts := make(map[string]int)
	var kept []models.Entity
	keptIndex := make(map[int]int, len(entities))

	for i, entity := range entities {
		complete := true
		for _, field := range required {
			if v, ok := entity[field]; !ok || v == nil {
				complete = false
				missingCounts[field]++
			}
		}

		if !complete {
			if contract.Mode == models.ModeStrict {
				dropped++
				continue
			}
			for _, field := range required {
				if v, ok := entity[field]; !ok || v == nil {
					if contract.MissingPolicy.Expected == models.MissingExpectedNullField {
						entity[field] = nil
					} else {
						delete(entity, field)
					}
				}
			}
		}

		for _, field := range expected {
			if _, ok := entity[field]; !ok && contract.MissingPolicy.Expected == models.MissingExpectedNullField {
				entity[field] = nil
			}
		}

		keptIndex[i] = len(kept)
		kept = append(kept, entity)
	}

	if contract.Mode == models.ModeStrict && len(entities) > 0 &&
		(len(kept) == 0 || (dropped > 0 && contract.MissingPolicy.Required == models.MissingRequiredFailJob)) {
		return nil, nil, dropped, models.NewPipelineError(
			models.ErrStrictModeDrop,
			"execute",
			"",
			strictDropDetail(dropped, required, missingCounts, finalSchema, findings),
		)
	}

	// Re-point evidence at surviving entities
	var keptEvidence []models.EvidenceRecord
	for _, rec := range evidence {
		if newIdx, ok := keptIndex[rec.EntityIndex]; ok {
			rec.EntityIndex = newIdx
			keptEvidence = append(keptEvidence, rec)
		}
	}

	return kept, keptEvidence, dropped, nil
}

// strictDropDetail names every required field that caused drops, with the
// entity counts and the detectors tried against it, so the failure is
// actionable without re-running the job
func strictDropDetail(dropped int, required []string, missingCounts map[string]int, finalSchema []models.FieldSpec, findings *models.DeterministicFindings) string {
	detectors := make(map[string][]string, len(finalSchema))
	for _, f := range finalSchema {
		detectors[f.Name] = f.Detectors
	}

	var parts []string
	for _, field := range required {
		count, ok := missingCounts[field]
		if !ok {
			continue
		}
		tried := detectors[field]
		reason := ""
		if findings != nil {
			if miss := findings.MissForField(field); miss != nil {
				if len(miss.DetectorsTried) > 0 {
					tried = miss.DetectorsTried
				}
				reason = miss.Reason
			}
		}
		part := fmt.Sprintf("%s missing in %d entities (detectors tried: %s", field, count, strings.Join(tried, ","))
		if reason != "" {
			part += "; reason: " + reason
		}
		parts = append(parts, part+")")
	}

	return fmt.Sprintf("strict mode dropped %d assembled entities: %s", dropped, strings.Join(parts, "; "))
}

// DemoteSparseRequired recomputes required-field support over the final
// entities for soft mode. A required field present in under the coverage
// floor of entities is demoted to expected in the echoed schema, so the
// output's required list promises only what the page delivered.
//
// Returns:
//   - []models.FieldSpec: the schema with sparse required fields demoted
//   - []string: the demoted field names, sorted
func DemoteSparseRequired(finalSchema []models.FieldSpec, entities []models.Entity) ([]models.FieldSpec, []string) {
	if len(entities) == 0 {
		return finalSchema, nil
	}

	out := make([]models.FieldSpec, len(finalSchema))
	copy(out, finalSchema)

	var demoted []string
	for i, f := range out {
		if f.Kind != models.FieldKindRequired {
			continue
		}
		present := 0
		for _, entity := range entities {
			if v, ok := entity[f.Name]; ok && v != nil {
				present++
			}
		}
		if float64(present)/float64(len(entities)) < softCoverageFloor {
			out[i].Kind = models.FieldKindExpected
			demoted = append(demoted, f.Name)
		}
	}
	sort.Strings(demoted)
	return out, demoted
}

// applyCoverageFloor omits sparsely-covered non-required fields in soft mode
func (e *Executor) applyCoverageFloor(finalSchema []models.FieldSpec, entities []models.Entity) ([]models.Entity, []string) {
	if len(entities) == 0 {
		return entities, nil
	}

	var omitted []string
	for _, f := range finalSchema {
		if f.Kind == models.FieldKindRequired {
			continue
		}
		present := 0
		for _, entity := range entities {
			if v, ok := entity[f.Name]; ok && v != nil {
				present++
			}
		}
		if present > 0 && float64(present)/float64(len(entities)) < softCoverageFloor {
			for _, entity := range entities {
				delete(entity, f.Name)
			}
			omitted = append(omitted, f.Name)
		}
	}
	sort.Strings(omitted)
	return entities, omitted
}

// redactEvidence fills hashes, selectors, and PII masks on the assembled
// evidence records
func (e *Executor) redactEvidence(idx *anchor.Index, finalSchema []models.FieldSpec, evidence []models.EvidenceRecord, allowedPII []string) []models.EvidenceRecord {
	types := make(map[string]models.FieldType, len(finalSchema))
	for _, f := range finalSchema {
		types[f.Name] = f.Type
	}
	allowed := make(map[string]bool, len(allowedPII))
	for _, f := range allowedPII {
		allowed[f] = true
	}

	for i := range evidence {
		rec := &evidence[i]
		rec.Selector = idx.EvidenceSelector(rec.AnchorID)
		text, err := idx.FullTextOf(rec.AnchorID)
		if err != nil {
			continue
		}
		rec.TextSHA256 = models.HashText(text)

		if !e.config.Evidence.RedactPII || allowed[rec.Field] {
			continue
		}
		if models.DefaultPIIClasses[types[rec.Field]] || piiClassConfigured(e.config.Evidence.PIIClasses, types[rec.Field]) {
			rec.RedactionMask = models.RedactionMaskFor(text)
		}
	}
	return evidence
}

func piiClassConfigured(classes []string, ft models.FieldType) bool {
	for _, c := range classes {
		if models.FieldType(c) == ft {
			return true
		}
	}
	return false
}

// modelFallback asks the model to extract directly, constrained by the
// output schema of the final fields. Used only when composition produced
// nothing; its values carry no anchors, so the caller surfaces the fallback
// flag.
func (e *Executor) modelFallback(ctx context.Context, idx *anchor.Index, finalSchema []models.FieldSpec, mode models.ExtractionMode, correlationID string) ([]models.Entity, models.Cost) {
	var cost models.Cost

	samples := idx.BuildSamples(5)
	if len(samples) == 0 {
		return nil, cost
	}

	var b strings.Builder
	b.WriteString("Extract entities from these page samples. Use only values visible in the samples.\n\nPage samples:\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "- [%s] %s\n", s.AnchorID, s.Text)
	}

	res, err := e.client.Invoke(ctx, llm.CallSpec{
		Stage:           "extract_fallback",
		System:          "You extract structured data from web page text. Respond only with JSON matching the schema. If the samples do not contain the requested data, respond with exactly {\"status\":\"abstain\"}.",
		Prompt:          b.String(),
		Schema:          models.OutputSchema(finalSchema, mode, true),
		MaxOutputTokens: e.config.Pipeline.ExtractionTokens,
		Timeout:         common.ParseDurationOr(e.config.Pipeline.ExtractionTimeout, 5*time.Second),
		CorrelationID:   correlationID,
	})
	if err != nil || res.Abstained {
		return nil, cost
	}
	cost = res.Cost

	var raw []map[string]interface{}
	if err := llm.DecodeStrict(res.Raw, &raw); err != nil {
		e.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Fallback extraction shape rejected")
		return nil, cost
	}

	specs := make(map[string]models.FieldSpec, len(finalSchema))
	for _, f := range finalSchema {
		specs[f.Name] = f
	}

	var entities []models.Entity
	for _, obj := range raw {
		entity := models.Entity{}
		for field, value := range obj {
			spec, ok := specs[field]
			if !ok {
				continue
			}
			str := fmt.Sprint(value)
			if err := detect.Validate(spec, str); err != nil {
				continue
			}
			entity[field] = typedValue(spec.Type, str)
		}
		if len(entity) > 0 {
			entities = append(entities, entity)
		}
	}
	return entities, cost
}

// typedValue converts a normalized string value into the JSON type the
// output schema promises
func typedValue(ft models.FieldType, value string) interface{} {
	switch ft {
	case models.FieldTypeNumber:
		if v, err := detect.NormalizeNumber(value); err == nil {
			return v
		}
		return nil
	case models.FieldTypeBoolean:
		switch detect.NormalizedValue(ft, value) {
		case "true":
			return true
		case "false":
			return false
		}
		return nil
	case models.FieldTypeDate:
		if v, err := detect.NormalizeDate(value); err == nil {
			return v
		}
		return value
	case models.FieldTypeArrayOfString:
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	default:
		return value
	}
}

func blockOrdinal(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "b_"))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}
