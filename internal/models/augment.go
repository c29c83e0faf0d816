package models

// Completion fills a missing expected field with an anchored value
type Completion struct {
	Field     string   `json:"field"`
	Value     string   `json:"value"`
	AnchorIDs []string `json:"anchor_ids"`
}

// FieldProposal proposes a new discoverable field. Promotion is decided by
// the negotiator against the contract's quorum thresholds.
type FieldProposal struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	AnchorIDs    []string  `json:"anchor_ids"`
	SupportCount int       `json:"support_count"`
	BlockCount   int       `json:"block_count"`
	SampleValues []string  `json:"sample_values,omitempty"`
}

// Normalization maps a detector-discovered field name onto the canonical
// vocabulary ("office" -> "location")
type Normalization struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// AugmentationResult is the cross-validated output of the augmentation track.
// Every value that survives here has already been re-extracted through the
// anchor index; unanchored claims were dropped before this struct is built.
type AugmentationResult struct {
	Completions    []Completion    `json:"completions"`
	Proposals      []FieldProposal `json:"new_field_proposals"`
	Normalizations []Normalization `json:"normalizations"`
	Abstained      bool            `json:"abstained"`
	AnchorMisses   int             `json:"anchor_misses"` // claims discarded during cross-validation
}

// EmptyAugmentation returns a zero result used on abstention or when the
// model track is disabled
func EmptyAugmentation(abstained bool) *AugmentationResult {
	return &AugmentationResult{Abstained: abstained}
}
