package models

// Hit records a validator-passing value located by the deterministic track
type Hit struct {
	Field      string  `json:"field"`
	Value      string  `json:"value"`
	AnchorID   string  `json:"anchor_id"`
	Confidence float64 `json:"confidence"`
}

// Miss records a field no detector could satisfy, with the reason
type Miss struct {
	Field          string   `json:"field"`
	Reason         string   `json:"reason"`
	DetectorsTried []string `json:"detectors_tried"`
}

// Miss reasons
const (
	MissReasonNoDetectorHit  = "no_detector_hit"
	MissReasonValidatorFail  = "validator_fail"
	MissReasonExtractorError = "extractor_error"
)

// PatternCandidate is a repeated label-value pattern discovered on the page,
// passed to the augmentation track as a seed for new-field proposals.
type PatternCandidate struct {
	Label           string   `json:"pattern_label"`
	Instances       int      `json:"instances"`
	SampleAnchorIDs []string `json:"sample_anchor_ids"`
}

// DeterministicFindings is the complete output of the deterministic track
type DeterministicFindings struct {
	Hits       []Hit              `json:"hits"`
	Misses     []Miss             `json:"misses"`
	Candidates []PatternCandidate `json:"candidates"`
	SupportMap map[string]int     `json:"support_map"` // field -> entity count with a valid value
	BlockMap   map[string]string  `json:"block_map"`   // anchor id -> block id
}

// Support returns the entity support count for a field
func (f *DeterministicFindings) Support(field string) int {
	if f.SupportMap == nil {
		return 0
	}
	return f.SupportMap[field]
}

// HitsForField returns all hits for a named field in recorded order
func (f *DeterministicFindings) HitsForField(field string) []Hit {
	var out []Hit
	for _, h := range f.Hits {
		if h.Field == field {
			out = append(out, h)
		}
	}
	return out
}

// MissForField returns the recorded miss for a field, if any
func (f *DeterministicFindings) MissForField(field string) *Miss {
	for i := range f.Misses {
		if f.Misses[i].Field == field {
			return &f.Misses[i]
		}
	}
	return nil
}

// BlockCount counts the distinct blocks covered by a set of anchor ids
func (f *DeterministicFindings) BlockCount(anchorIDs []string) int {
	seen := make(map[string]struct{})
	for _, id := range anchorIDs {
		if block, ok := f.BlockMap[id]; ok {
			seen[block] = struct{}{}
		}
	}
	return len(seen)
}
