package negotiate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/detect"
	"github.com/atlascodex/atlas/internal/models"
)

// demotionRatio: an expected field supported by fewer than this share of the
// leading field's support is demoted to optional rather than kept expected
const demotionRatio = 0.3

// Negotiator reconciles the contract with the evidence both tracks
// gathered. It decides the final schema: what survives, what is pruned,
// what is demoted, and which proposed fields are promoted. Negotiation is a
// pure function of its inputs and idempotent: negotiating an already
// negotiated schema changes nothing.
type Negotiator struct {
	logger arbor.ILogger
}

// NewNegotiator creates a schema negotiator
func NewNegotiator(logger arbor.ILogger) *Negotiator {
	return &Negotiator{logger: logger}
}

// Negotiate produces the final schema.
//
// The rules, applied in order:
//  1. A required field with zero support is a hard error naming the
//     detectors that were tried; extraction cannot proceed.
//  2. An expected field with zero support is pruned.
//  3. An expected field supported by under 30% of the leading field's
//     support is demoted to optional.
//  4. A proposed field is promoted to discoverable only when governance
//     allows new fields, its support meets both quorum thresholds, and
//     every cited anchor resolves. Promotions are capped; ties break by
//     support then name.
//  5. Normalizations apply only when both sides validate under the target
//     field's spec.
func (n *Negotiator) Negotiate(
	idx *anchor.Index,
	contract *models.SchemaContract,
	findings *models.DeterministicFindings,
	augmented *models.AugmentationResult,
) *models.NegotiationResult {
	result := &models.NegotiationResult{
		Status: models.NegotiationSuccess,
		EvidenceSummary: models.EvidenceSummary{
			FieldCoverage: make(map[string]int),
		},
	}

	support := combinedSupport(findings, augmented)

	// Rule 1: required fields must have evidence
	for _, f := range contract.FieldsOfKind(models.FieldKindRequired) {
		if support[f.Name] == 0 {
			miss := findings.MissForField(f.Name)
			tried := f.Detectors
			if miss != nil {
				tried = miss.DetectorsTried
			}
			result.Status = models.NegotiationError
			result.Reason = fmt.Sprintf("required field %q has no supporting evidence (detectors tried: %s)", f.Name, strings.Join(tried, ", "))
			n.logger.Warn().Str("field", f.Name).Msg("Negotiation failed on unsupported required field")
			return result
		}
	}

	leader := 0
	for _, f := range contract.Fields {
		if support[f.Name] > leader {
			leader = support[f.Name]
		}
	}

	// Rules 2 and 3: prune or demote weak expected fields
	for _, f := range contract.Fields {
		s := support[f.Name]
		switch f.Kind {
		case models.FieldKindExpected:
			if s == 0 {
				result.Changes.Pruned = append(result.Changes.Pruned, f.Name)
				continue
			}
			if leader > 0 && float64(s) < demotionRatio*float64(leader) {
				demoted := f
				demoted.Kind = models.FieldKindOptional
				result.FinalSchema = append(result.FinalSchema, demoted)
				result.Changes.Demoted = append(result.Changes.Demoted, f.Name)
				continue
			}
			result.FinalSchema = append(result.FinalSchema, f)
		case models.FieldKindDiscoverable:
			// Already-promoted fields pass through untouched so negotiation
			// stays idempotent
			result.FinalSchema = append(result.FinalSchema, f)
		default:
			result.FinalSchema = append(result.FinalSchema, f)
		}
	}

	n.promote(idx, contract, augmented, result, support)
	n.applyNormalizations(contract, augmented, result)

	// Evidence summary over the final schema
	total := 0
	for _, f := range result.FinalSchema {
		s := support[f.Name]
		result.EvidenceSummary.FieldCoverage[f.Name] = s
		total += s
	}
	result.EvidenceSummary.TotalSupport = total
	result.EvidenceSummary.ReliabilityScore = reliability(result.FinalSchema, support, leader)

	n.logger.Debug().
		Int("final_fields", len(result.FinalSchema)).
		Int("pruned", len(result.Changes.Pruned)).
		Int("added", len(result.Changes.Added)).
		Int("demoted", len(result.Changes.Demoted)).
		Msg("Schema negotiation complete")

	return result
}

// combinedSupport merges deterministic support with cross-validated
// completions from the augmentation track
func combinedSupport(findings *models.DeterministicFindings, augmented *models.AugmentationResult) map[string]int {
	support := make(map[string]int)
	for field, s := range findings.SupportMap {
		support[field] = s
	}
	if augmented != nil {
		for _, c := range augmented.Completions {
			if support[c.Field] == 0 {
				support[c.Field] = len(c.AnchorIDs)
			}
		}
	}
	return support
}

// promote applies the quorum rules to proposed fields
func (n *Negotiator) promote(
	idx *anchor.Index,
	contract *models.SchemaContract,
	augmented *models.AugmentationResult,
	result *models.NegotiationResult,
	support map[string]int,
) {
	if augmented == nil || !contract.Governance.AllowNewFields {
		return
	}

	existing := make(map[string]bool, len(result.FinalSchema))
	for _, f := range result.FinalSchema {
		existing[f.Name] = true
	}

	proposals := append([]models.FieldProposal{}, augmented.Proposals...)
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].SupportCount != proposals[j].SupportCount {
			return proposals[i].SupportCount > proposals[j].SupportCount
		}
		return proposals[i].Name < proposals[j].Name
	})

	promoted := 0
	for _, p := range proposals {
		if contract.Governance.MaxDiscoverableFields > 0 && promoted >= contract.Governance.MaxDiscoverableFields {
			break
		}
		if existing[p.Name] || p.Name == "" {
			continue
		}
		if p.SupportCount < contract.Governance.MinSupportThreshold {
			continue
		}
		if p.BlockCount < contract.Governance.MinBlocksThreshold {
			continue
		}
		anchorsResolve := len(p.AnchorIDs) > 0
		for _, id := range p.AnchorIDs {
			if !idx.Lookup(id) {
				anchorsResolve = false
				break
			}
		}
		if !anchorsResolve {
			continue
		}

		result.FinalSchema = append(result.FinalSchema, models.FieldSpec{
			Name:      p.Name,
			Kind:      models.FieldKindDiscoverable,
			Type:      p.Type,
			Detectors: detect.DetectorsForType(p.Type),
		})
		result.Changes.Added = append(result.Changes.Added, p.Name)
		support[p.Name] = p.SupportCount
		existing[p.Name] = true
		promoted++
	}
}

// applyNormalizations renames fields only when values validate under both
// the source and target specs
func (n *Negotiator) applyNormalizations(contract *models.SchemaContract, augmented *models.AugmentationResult, result *models.NegotiationResult) {
	if augmented == nil {
		return
	}
	for _, norm := range augmented.Normalizations {
		target := contract.Field(norm.To)
		if target == nil {
			continue
		}
		for i := range result.FinalSchema {
			if result.FinalSchema[i].Name != norm.From {
				continue
			}
			// The rename holds only if the vocabularies are compatible
			if result.FinalSchema[i].Type != target.Type {
				break
			}
			alreadyFinal := false
			for _, f := range result.FinalSchema {
				if f.Name == norm.To {
					alreadyFinal = true
					break
				}
			}
			if alreadyFinal {
				break
			}
			result.FinalSchema[i].Name = norm.To
			break
		}
	}
}

// reliability is the mean per-field support normalized by the leader,
// clamped to [0,1]. An empty schema scores zero.
func reliability(schema []models.FieldSpec, support map[string]int, leader int) float64 {
	if len(schema) == 0 || leader == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range schema {
		sum += float64(support[f.Name]) / float64(leader)
	}
	score := sum / float64(len(schema))
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
