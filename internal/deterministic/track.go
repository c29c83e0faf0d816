package deterministic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/anchor"
	"github.com/atlascodex/atlas/internal/detect"
	"github.com/atlascodex/atlas/internal/models"
)

// Track runs detector-based extraction against an anchored page. It is pure
// and model-free: the same contract and page always produce the same
// findings.
type Track struct {
	registry *detect.Registry
	logger   arbor.ILogger
}

// NewTrack creates a deterministic track with the built-in detector set
func NewTrack(logger arbor.ILogger) *Track {
	return &Track{
		registry: detect.NewRegistry(),
		logger:   logger,
	}
}

// Run evaluates every contract field against the page, in contract order.
// Fields with no valid hit produce a miss record naming the detectors tried.
// A panicking detector is recorded as an extractor error for that field and
// never aborts the pass.
func (t *Track) Run(idx *anchor.Index, contract *models.SchemaContract) *models.DeterministicFindings {
	findings := &models.DeterministicFindings{
		SupportMap: make(map[string]int),
		BlockMap:   idx.BlockMap(),
	}

	for _, field := range contract.Fields {
		t.runField(idx, field, findings)
	}

	findings.Candidates = t.discoverPatterns(idx, contract)

	t.logger.Debug().
		Int("hits", len(findings.Hits)).
		Int("misses", len(findings.Misses)).
		Int("candidates", len(findings.Candidates)).
		Msg("Deterministic pass complete")

	return findings
}

func (t *Track) runField(idx *anchor.Index, field models.FieldSpec, findings *models.DeterministicFindings) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn().
				Str("field", field.Name).
				Str("panic", fmt.Sprint(r)).
				Msg("Detector panicked, recording extractor error")
			findings.Misses = append(findings.Misses, models.Miss{
				Field:          field.Name,
				Reason:         models.MissReasonExtractorError,
				DetectorsTried: field.Detectors,
			})
		}
	}()

	detectorNames := field.Detectors
	if len(detectorNames) == 0 {
		detectorNames = detect.DetectorsForType(field.Type)
	}

	var raw []detect.Hit
	anyHit := false
	for _, name := range detectorNames {
		d, ok := t.registry.Get(name)
		if !ok {
			t.logger.Warn().Str("detector", name).Str("field", field.Name).Msg("Unknown detector in contract, skipping")
			continue
		}
		hits := d.Detect(idx)
		if len(hits) > 0 {
			anyHit = true
		}
		raw = append(raw, hits...)
	}

	if !anyHit {
		findings.Misses = append(findings.Misses, models.Miss{
			Field:          field.Name,
			Reason:         models.MissReasonNoDetectorHit,
			DetectorsTried: detectorNames,
		})
		return
	}

	valid := raw[:0]
	validatorFailed := false
	for _, h := range raw {
		if err := detect.Validate(field, h.Value); err != nil {
			validatorFailed = true
			continue
		}
		valid = append(valid, h)
	}

	if len(valid) == 0 {
		reason := models.MissReasonNoDetectorHit
		if validatorFailed {
			reason = models.MissReasonValidatorFail
		}
		findings.Misses = append(findings.Misses, models.Miss{
			Field:          field.Name,
			Reason:         reason,
			DetectorsTried: detectorNames,
		})
		return
	}

	selected := selectPerBlock(valid, idx)
	blocks := make(map[string]bool)
	for _, h := range selected {
		findings.Hits = append(findings.Hits, models.Hit{
			Field:      field.Name,
			Value:      detect.NormalizedValue(field.Type, h.Value),
			AnchorID:   h.AnchorID,
			Confidence: h.Confidence,
		})
		if b, ok := idx.BlockOf(h.AnchorID); ok {
			blocks[b] = true
		}
	}
	findings.SupportMap[field.Name] = len(selected)
	if len(blocks) > 0 && len(blocks) < findings.SupportMap[field.Name] {
		// Multiple hits inside one block count once toward support
		findings.SupportMap[field.Name] = len(blocks)
	}
}

// selectPerBlock keeps the best hit per block, plus the single best hit
// among anchors outside any block. Tie-break order: confidence, then longer
// value, then document order.
func selectPerBlock(hits []detect.Hit, idx *anchor.Index) []detect.Hit {
	perBlock := make(map[string][]detect.Hit)
	var unblocked []detect.Hit
	for _, h := range hits {
		if b, ok := idx.BlockOf(h.AnchorID); ok {
			perBlock[b] = append(perBlock[b], h)
		} else {
			unblocked = append(unblocked, h)
		}
	}

	var out []detect.Hit
	for _, group := range perBlock {
		out = append(out, bestHit(group))
	}
	if len(unblocked) > 0 {
		out = append(out, bestHit(unblocked))
	}

	sort.Slice(out, func(i, j int) bool {
		return anchorOrdinal(out[i].AnchorID) < anchorOrdinal(out[j].AnchorID)
	})
	return out
}

func bestHit(hits []detect.Hit) detect.Hit {
	best := hits[0]
	for _, h := range hits[1:] {
		switch {
		case h.Confidence > best.Confidence:
			best = h
		case h.Confidence == best.Confidence && len(h.Value) > len(best.Value):
			best = h
		case h.Confidence == best.Confidence && len(h.Value) == len(best.Value) &&
			anchorOrdinal(h.AnchorID) < anchorOrdinal(best.AnchorID):
			best = h
		}
	}
	return best
}

func anchorOrdinal(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "n_"))
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// discoverPatterns surfaces repeated label-value structure not already
// claimed by a contract field. These become discoverable-field candidates
// for the negotiator; they never enter output on their own.
func (t *Track) discoverPatterns(idx *anchor.Index, contract *models.SchemaContract) []models.PatternCandidate {
	d, ok := t.registry.Get("label_value")
	if !ok {
		return nil
	}
	hits := d.Detect(idx)
	if len(hits) == 0 {
		return nil
	}

	claimed := make(map[string]bool)
	for _, f := range contract.Fields {
		for _, name := range f.Detectors {
			if name == "label_value" {
				claimed[f.Name] = true
			}
		}
	}

	// Group hits by the label preceding the value
	groups := make(map[string][]string)
	var order []string

	for _, h := range hits {
		label := labelFor(idx, h.AnchorID)
		if label == "" {
			continue
		}
		key := canonicalFieldName(label)
		if key == "" || claimed[key] || contract.Field(key) != nil {
			continue
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], h.AnchorID)
	}

	var candidates []models.PatternCandidate
	for _, key := range order {
		anchorIDs := groups[key]
		if len(anchorIDs) < 2 {
			continue
		}
		sampleIDs := anchorIDs
		if len(sampleIDs) > 3 {
			sampleIDs = sampleIDs[:3]
		}
		candidates = append(candidates, models.PatternCandidate{
			Label:           key,
			Instances:       len(anchorIDs),
			SampleAnchorIDs: sampleIDs,
		})
	}
	return candidates
}

// labelFor finds the label text adjacent to a value anchor: the text before
// the colon in the anchor itself, or a preceding dt/th sibling
func labelFor(idx *anchor.Index, anchorID string) string {
	full, err := idx.FullTextOf(anchorID)
	if err != nil {
		return ""
	}
	sel := idx.EvidenceSelector(anchorID)
	if strings.HasSuffix(sel, "dd:nth-of-type(1)") || strings.Contains(sel, "dd:nth-of-type") {
		if sib := precedingSiblingText(idx, anchorID, "dt"); sib != "" {
			return sib
		}
	}
	if strings.Contains(sel, "td:nth-of-type") {
		if sib := precedingSiblingText(idx, anchorID, "th"); sib != "" {
			return sib
		}
	}
	if i := strings.Index(full, ":"); i > 0 && i <= 40 {
		return full[:i]
	}
	return ""
}

func precedingSiblingText(idx *anchor.Index, anchorID, tag string) string {
	// Anchor ids are depth-first ordinals; the preceding sibling with the
	// wanted tag is the nearest lower ordinal whose selector ends in that tag
	ord := anchorOrdinal(anchorID)
	for i := ord - 1; i >= 0 && i >= ord-4; i-- {
		candidate := fmt.Sprintf("n_%d", i)
		if !idx.Lookup(candidate) {
			continue
		}
		sel := idx.EvidenceSelector(candidate)
		if strings.Contains(sel, tag+":nth-of-type") {
			text, err := idx.TextOf(candidate)
			if err == nil {
				return text
			}
		}
	}
	return ""
}

// canonicalFieldName lowercases and snake_cases a label
func canonicalFieldName(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.TrimSuffix(label, ":")
	var b strings.Builder
	lastUnderscore := true
	for _, r := range label {
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
