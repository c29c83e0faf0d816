package models

import "time"

// Entity is a single extracted object. Keys are always a subset of the
// negotiated schema's properties.
type Entity map[string]interface{}

// Cost accumulates model spend across a job
type Cost struct {
	TokensIn   int `json:"tokens_in"`
	TokensOut  int `json:"tokens_out"`
	ModelCalls int `json:"model_calls"`
}

// Add accumulates another cost into this one
func (c *Cost) Add(other Cost) {
	c.TokensIn += other.TokensIn
	c.TokensOut += other.TokensOut
	c.ModelCalls += other.ModelCalls
}

// ExtractionResult is the executor's output: schema-compliant entities plus
// the bookkeeping the response surfaces
type ExtractionResult struct {
	ContractID      string                   `json:"contract_id"`
	Mode            ExtractionMode           `json:"mode"`
	Data            []Entity                 `json:"data"`
	DroppedEntities int                      `json:"dropped_entities_count"`
	FieldsOmitted   []string                 `json:"fields_omitted"`
	PerFieldSupport map[string]int           `json:"per_field_support"`
	Cost            Cost                     `json:"cost"`
	Timings         map[string]time.Duration `json:"timings"`
	Evidence        []EvidenceRecord         `json:"-"`
}
