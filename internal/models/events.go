package models

import "time"

// EventType enumerates the structured telemetry events the pipeline emits
type EventType string

const (
	EventContractGenerated  EventType = "ContractGenerated"
	EventDeterministicPass  EventType = "DeterministicPass"
	EventLLMAugmentation    EventType = "LLMAugmentation"
	EventContractValidation EventType = "ContractValidation"
	EventFallbackTaken      EventType = "FallbackTaken"
	EventCacheHit           EventType = "CacheHit"
	EventJobCompleted       EventType = "JobCompleted"
)

// Event is one telemetry record. Events for a single job are totally
// ordered by correlation id plus sequence number.
type Event struct {
	Type          EventType              `json:"type"`
	CorrelationID string                 `json:"correlation_id"`
	Sequence      int64                  `json:"sequence"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}
