package models

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates every failure mode the pipeline can surface.
// Codes are stable strings carried on responses and telemetry events.
type ErrorCode string

const (
	ErrContractAbstain     ErrorCode = "E_CONTRACT_ABSTAIN"      // Contract generator could not safely propose a contract
	ErrValidationFail      ErrorCode = "E_VALIDATION_FAIL"       // Output violates the negotiated schema
	ErrAnchorMiss          ErrorCode = "E_ANCHOR_MISS"           // Model-proposed value failed cross-validation
	ErrBudgetExceeded      ErrorCode = "E_BUDGET_EXCEEDED"       // Stage exceeded its token budget
	ErrTimeoutStage        ErrorCode = "E_TIMEOUT_STAGE"         // Stage exceeded its time budget
	ErrPromotionDenied     ErrorCode = "E_PROMOTION_DENIED"      // Discoverable field failed quorum
	ErrStrictModeDrop      ErrorCode = "E_STRICT_MODE_DROP"      // All entities dropped in strict mode
	ErrFallbackUsed        ErrorCode = "E_FALLBACK_USED"         // Non-fatal; acquisition strategy fell back
	ErrAllStrategiesFailed ErrorCode = "E_ALL_STRATEGIES_FAILED" // Fatal; emergency fallback also failed
	ErrCacheMiss           ErrorCode = "E_CACHE_MISS"            // Informational
)

// PipelineError is the typed error carried through the pipeline. Every
// failure mode is an enumerated code with the stage and correlation id
// attached so callers never need to parse message strings.
type PipelineError struct {
	Code          ErrorCode `json:"code"`
	Stage         string    `json:"stage"`
	CorrelationID string    `json:"correlation_id"`
	Detail        string    `json:"detail,omitempty"`
	Err           error     `json:"-"`
}

// NewPipelineError creates a typed pipeline error
func NewPipelineError(code ErrorCode, stage, correlationID, detail string) *PipelineError {
	return &PipelineError{
		Code:          code,
		Stage:         stage,
		CorrelationID: correlationID,
		Detail:        detail,
	}
}

// Wrap attaches an underlying cause
func (e *PipelineError) Wrap(err error) *PipelineError {
	e.Err = err
	return e
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [stage=%s]: %s: %v", e.Code, e.Stage, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s [stage=%s]: %s", e.Code, e.Stage, e.Detail)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error terminates the job with no recovery path
func (e *PipelineError) Fatal() bool {
	switch e.Code {
	case ErrStrictModeDrop, ErrAllStrategiesFailed:
		return true
	default:
		return false
	}
}

// AsPipelineError extracts a *PipelineError from an error chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
