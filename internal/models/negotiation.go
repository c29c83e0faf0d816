package models

// Negotiation status values
const (
	NegotiationSuccess = "success"
	NegotiationError   = "error"
)

// SchemaChanges is the change log the negotiator produces alongside the
// final schema
type SchemaChanges struct {
	Pruned  []string `json:"pruned"`
	Added   []string `json:"added"`
	Demoted []string `json:"demoted"`
}

// EvidenceSummary aggregates per-field support behind the final schema
type EvidenceSummary struct {
	TotalSupport     int            `json:"total_support"`
	FieldCoverage    map[string]int `json:"field_coverage"`
	ReliabilityScore float64        `json:"reliability_score"` // mean support over final fields, clamped to [0,1]
}

// NegotiationResult is the outcome of combining deterministic and augmented
// evidence against the contract
type NegotiationResult struct {
	Status          string          `json:"status"`
	FinalSchema     []FieldSpec     `json:"final_schema"`
	Changes         SchemaChanges   `json:"changes"`
	EvidenceSummary EvidenceSummary `json:"evidence_summary"`
	Reason          string          `json:"reason,omitempty"`
}
