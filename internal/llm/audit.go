package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

// AuditRecord captures one model call for later inspection. Prompts and
// responses are stored as hashes, not text, so audit artifacts never leak
// page content or PII.
type AuditRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Stage          string    `json:"stage"`
	Provider       string    `json:"provider"`
	CorrelationID  string    `json:"correlation_id"`
	PromptSHA256   string    `json:"prompt_sha256"`
	ResponseSHA256 string    `json:"response_sha256,omitempty"`
	TokensIn       int       `json:"tokens_in"`
	TokensOut      int       `json:"tokens_out"`
	DurationMs     int64     `json:"duration_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Auditor accumulates call records per correlation id and flushes them to
// artifact storage when a job finishes
type Auditor struct {
	provider string
	storage  interfaces.ArtifactStorage
	logger   arbor.ILogger

	mu      sync.Mutex
	pending map[string][]AuditRecord
}

// NewAuditor creates an audit sink backed by artifact storage
func NewAuditor(provider string, storage interfaces.ArtifactStorage, logger arbor.ILogger) *Auditor {
	return &Auditor{
		provider: provider,
		storage:  storage,
		logger:   logger,
		pending:  make(map[string][]AuditRecord),
	}
}

// Record captures one model call outcome
func (a *Auditor) Record(spec CallSpec, prompt string, resp *interfaces.ProviderResponse, duration time.Duration, callErr error) {
	rec := AuditRecord{
		Timestamp:     time.Now().UTC(),
		Stage:         spec.Stage,
		Provider:      a.provider,
		CorrelationID: spec.CorrelationID,
		PromptSHA256:  models.HashText(prompt),
		DurationMs:    duration.Milliseconds(),
		Success:       callErr == nil,
	}
	if resp != nil {
		rec.ResponseSHA256 = models.HashText(resp.Text)
		rec.TokensIn = resp.TokensIn
		rec.TokensOut = resp.TokensOut
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}

	a.mu.Lock()
	a.pending[spec.CorrelationID] = append(a.pending[spec.CorrelationID], rec)
	a.mu.Unlock()
}

// Flush writes the accumulated records for a job to artifact storage and
// clears them
func (a *Auditor) Flush(ctx context.Context, jobID, correlationID string) error {
	a.mu.Lock()
	records := a.pending[correlationID]
	delete(a.pending, correlationID)
	a.mu.Unlock()

	if len(records) == 0 {
		return nil
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize audit records: %w", err)
	}

	if err := a.storage.PutArtifact(ctx, jobID, "model_audit.json", payload); err != nil {
		return fmt.Errorf("failed to store audit artifact: %w", err)
	}

	a.logger.Debug().
		Str("job_id", jobID).
		Int("records", len(records)).
		Msg("Model audit artifact written")
	return nil
}
