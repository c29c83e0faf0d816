package models

import "time"

// Response status values
const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusAbstained = "abstained"
)

// PromotedField reports a discoverable field that passed (or failed)
// promotion quorum, with the counts behind the decision
type PromotedField struct {
	Name     string `json:"name"`
	Entities int    `json:"entities"`
	Blocks   int    `json:"blocks"`
	Promoted bool   `json:"promoted"`
}

// ErrorDetail is the failure payload surfaced to the caller
type ErrorDetail struct {
	Code   ErrorCode `json:"code"`
	Stage  string    `json:"stage,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// ResponseMetadata carries everything about a run except the data itself
type ResponseMetadata struct {
	CorrelationID    string                   `json:"correlation_id"`
	ContentHash      string                   `json:"content_hash,omitempty"`
	Cost             Cost                     `json:"cost"`
	Timings          map[string]time.Duration `json:"timings,omitempty"`
	PromotedFields   []PromotedField          `json:"promoted_fields,omitempty"`
	RowsDroppedCount int                      `json:"rows_dropped_count"`
	FieldsOmitted    []string                 `json:"fields_omitted,omitempty"`
	EvidenceSummary  *EvidenceSummary         `json:"evidence_summary,omitempty"`
	ReliabilityScore float64                  `json:"reliability_score"`
	CacheHit         bool                     `json:"cache_hit,omitempty"`
	Partial          bool                     `json:"partial,omitempty"`
	FallbackTaken    bool                     `json:"fallback_taken,omitempty"`
	Reason           string                   `json:"reason,omitempty"`
	Error            *ErrorDetail             `json:"error,omitempty"`
}

// Response is the single typed egress shape
type Response struct {
	ContractID   string                 `json:"contract_id"`
	Mode         ExtractionMode         `json:"mode"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	Data         []Entity               `json:"data,omitempty"`
	Metadata     ResponseMetadata       `json:"metadata"`
	Status       string                 `json:"status"`
}
