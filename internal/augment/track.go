package augment

import (
	"context"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/detect"
	"github.com/atlascodex/atlas/internal/llm"
	"github.com/atlascodex/atlas/internal/models"
)

// agreementThreshold is the minimum token Jaccard between a claimed value
// and the text re-extracted at its anchor
const agreementThreshold = 0.8

// Track is the model-assisted half of extraction. It proposes completions
// for missed fields and new-field candidates, then cross-validates every
// claim against the anchor index before anything leaves the track.
type Track struct {
	client *llm.Client
	config *common.PipelineConfig
	logger arbor.ILogger
}

// NewTrack creates an augmentation track over a budgeted model client
func NewTrack(client *llm.Client, config *common.PipelineConfig, logger arbor.ILogger) *Track {
	return &Track{
		client: client,
		config: config,
		logger: logger,
	}
}

// rawResponse mirrors the response schema before cross-validation
type rawResponse struct {
	Completions []models.Completion `json:"completions"`
	Proposals   []rawProposal       `json:"new_field_proposals"`
	Normalizers []models.Normalization `json:"normalizations"`
}

type rawProposal struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	AnchorIDs    []string `json:"anchor_ids"`
	SampleValues []string `json:"sample_values"`
}

// Run executes one augmentation call and cross-validates the output. The
// returned result contains only claims whose anchors exist, whose
// re-extracted text agrees with the claimed value, and whose values pass
// the field validators. On abstention or budget overrun the result is empty
// and the pipeline continues deterministic-only.
func (t *Track) Run(ctx context.Context, idx *anchor.Index, contract *models.SchemaContract, findings *models.DeterministicFindings, query, correlationID string) (*models.AugmentationResult, models.Cost) {
	var cost models.Cost

	samples := idx.BuildSamples(maxPromptBlocks)
	prompt, err := buildPrompt(query, contract, findings, samples)
	if err != nil {
		t.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Failed to build augmentation prompt")
		return models.EmptyAugmentation(false), cost
	}

	res, err := t.client.Invoke(ctx, llm.CallSpec{
		Stage:           "augment",
		System:          systemPrompt,
		Prompt:          prompt,
		Schema:          responseSchema(),
		MaxOutputTokens: t.config.AugmentTokens,
		Timeout:         common.ParseDurationOr(t.config.AugmentTimeout, 0),
		CorrelationID:   correlationID,
	})
	if err != nil {
		t.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Augmentation call failed, continuing deterministic-only")
		return models.EmptyAugmentation(false), cost
	}
	cost.Add(res.Cost)

	if res.Abstained {
		t.logger.Debug().
			Str("correlation_id", correlationID).
			Str("reason", res.Reason).
			Msg("Augmentation abstained")
		return models.EmptyAugmentation(true), cost
	}

	var raw rawResponse
	if err := llm.DecodeStrict(res.Raw, &raw); err != nil {
		t.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Augmentation response shape rejected")
		return models.EmptyAugmentation(false), cost
	}

	return t.crossValidate(idx, contract, &raw, correlationID), cost
}

// crossValidate keeps only claims the page itself can confirm, with at
// least the contract's minimum anchors per value
func (t *Track) crossValidate(idx *anchor.Index, contract *models.SchemaContract, raw *rawResponse, correlationID string) *models.AugmentationResult {
	out := &models.AugmentationResult{}

	minAnchors := contract.EvidencePolicy.MinAnchorsPerField
	if minAnchors < 1 {
		minAnchors = 1
	}

	for _, c := range raw.Completions {
		spec := contract.Field(c.Field)
		if spec == nil {
			out.AnchorMisses++
			continue
		}
		verified := t.verifiedAnchors(idx, c.AnchorIDs, c.Value, spec.Type)
		if len(verified) < minAnchors {
			out.AnchorMisses++
			continue
		}
		if err := detect.Validate(*spec, c.Value); err != nil {
			out.AnchorMisses++
			continue
		}
		out.Completions = append(out.Completions, models.Completion{
			Field:     c.Field,
			Value:     detect.NormalizedValue(spec.Type, c.Value),
			AnchorIDs: verified,
		})
	}

	for _, p := range raw.Proposals {
		fieldType := models.FieldType(p.Type)
		if !knownFieldType(fieldType) {
			fieldType = models.FieldTypeString
		}
		var verified []string
		var sampleValues []string
		for i, id := range p.AnchorIDs {
			claimed := ""
			if i < len(p.SampleValues) {
				claimed = p.SampleValues[i]
			}
			extracted, err := idx.ReExtract(id, fieldType)
			if err != nil {
				continue
			}
			if claimed != "" && TokenJaccard(claimed, extracted) < agreementThreshold &&
				!strings.Contains(strings.ToLower(extracted), strings.ToLower(claimed)) {
				continue
			}
			verified = append(verified, id)
			sampleValues = append(sampleValues, extracted)
		}
		if len(verified) < len(p.AnchorIDs) {
			out.AnchorMisses += len(p.AnchorIDs) - len(verified)
		}
		if len(verified) < minAnchors {
			continue
		}
		blocks := make(map[string]bool)
		for _, id := range verified {
			if b, ok := idx.BlockOf(id); ok {
				blocks[b] = true
			}
		}
		out.Proposals = append(out.Proposals, models.FieldProposal{
			Name:         p.Name,
			Type:         fieldType,
			AnchorIDs:    verified,
			SupportCount: len(verified),
			BlockCount:   len(blocks),
			SampleValues: sampleValues,
		})
	}

	// Normalizations pass through; the negotiator checks both sides validate
	out.Normalizations = raw.Normalizers

	if out.AnchorMisses > 0 {
		t.logger.Debug().
			Str("correlation_id", correlationID).
			Int("anchor_misses", out.AnchorMisses).
			Msg("Cross-validation discarded unanchored claims")
	}
	return out
}

// verifiedAnchors returns the subset of anchor ids whose re-extracted text
// agrees with the claimed value
func (t *Track) verifiedAnchors(idx *anchor.Index, anchorIDs []string, value string, fieldType models.FieldType) []string {
	var verified []string
	for _, id := range anchorIDs {
		extracted, err := idx.ReExtract(id, fieldType)
		if err != nil {
			continue
		}
		if TokenJaccard(value, extracted) >= agreementThreshold ||
			strings.Contains(strings.ToLower(extracted), strings.ToLower(value)) {
			verified = append(verified, id)
		}
	}
	return verified
}

func knownFieldType(ft models.FieldType) bool {
	for _, k := range models.KnownFieldTypes() {
		if k == ft {
			return true
		}
	}
	return false
}
