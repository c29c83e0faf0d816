package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// JobStatus represents the state of an extraction job. Transitions are
// append-only; the projected current state is the last entry.
type JobStatus string

const (
	JobStatusCreated     JobStatus = "created"
	JobStatusQueued      JobStatus = "queued"
	JobStatusAcquiring   JobStatus = "acquiring"
	JobStatusAnchoring   JobStatus = "anchoring"
	JobStatusContracting JobStatus = "contracting"
	JobStatusTwoTrack    JobStatus = "two_track"
	JobStatusNegotiating JobStatus = "negotiating"
	JobStatusExtracting  JobStatus = "extracting"
	JobStatusFinalizing  JobStatus = "finalizing"
	JobStatusSuccess     JobStatus = "success"
	JobStatusFailure     JobStatus = "failure"
	JobStatusAbstained   JobStatus = "abstained"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether a status ends the job
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailure, JobStatusAbstained, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobTransition is one entry in a job's append-only transition log
type JobTransition struct {
	From   JobStatus `json:"from"`
	To     JobStatus `json:"to"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// Budget caps a job's model spend
type Budget struct {
	Tokens int           `json:"tokens,omitempty"`
	Time   time.Duration `json:"time,omitempty"`
}

// JobInput is the immutable request snapshot a job carries
type JobInput struct {
	URL      string         `json:"url"`
	Query    string         `json:"query"`
	Mode     ExtractionMode `json:"mode,omitempty"`
	MaxPages int            `json:"max_pages,omitempty"`
	Budget   Budget         `json:"budget,omitempty"`
	Options  RequestOptions `json:"options,omitempty"`
}

// Job is the unit of work the pipeline carries from ingress to response.
// A job exclusively owns its logs and artifacts; its anchor index lives and
// dies with it.
type Job struct {
	ID             string                   `json:"id" badgerhold:"key"`
	CorrelationID  string                   `json:"correlation_id"`
	IdempotencyKey string                   `json:"idempotency_key" badgerholdIndex:"IdemKey"`
	Input          JobInput                 `json:"input"`
	ContentHash    string                   `json:"content_hash,omitempty"`
	ContractID     string                   `json:"contract_id,omitempty"`
	Mode           ExtractionMode           `json:"mode,omitempty"`
	Status         JobStatus                `json:"status" badgerholdIndex:"Status"`
	Transitions    []JobTransition          `json:"transitions"`
	Logs           []string                 `json:"logs,omitempty"`
	LogCapacity    int                      `json:"-"`
	Timings        map[string]time.Duration `json:"timings,omitempty"`
	Cost           Cost                     `json:"cost"`
	ArtifactRefs   []string                 `json:"artifact_refs,omitempty"`
	Error          *PipelineError           `json:"error,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// NewJob creates a job in the created state
func NewJob(id, correlationID string, input JobInput, logCapacity int) *Job {
	now := time.Now().UTC()
	if logCapacity <= 0 {
		logCapacity = 256
	}
	return &Job{
		ID:            id,
		CorrelationID: correlationID,
		Input:         input,
		Status:        JobStatusCreated,
		LogCapacity:   logCapacity,
		Timings:       make(map[string]time.Duration),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition appends a state transition. Transitions out of a terminal state
// are rejected except that any non-terminal job may move to cancelled.
func (j *Job) Transition(to JobStatus, detail string) error {
	if j.Status.Terminal() {
		return fmt.Errorf("job %s is terminal in state %s, cannot transition to %s", j.ID, j.Status, to)
	}
	j.Transitions = append(j.Transitions, JobTransition{
		From:   j.Status,
		To:     to,
		At:     time.Now().UTC(),
		Detail: detail,
	})
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendLog adds a line to the job's bounded log ring
func (j *Job) AppendLog(line string) {
	j.Logs = append(j.Logs, line)
	if j.LogCapacity > 0 && len(j.Logs) > j.LogCapacity {
		j.Logs = j.Logs[len(j.Logs)-j.LogCapacity:]
	}
}

// RecordTiming stores a stage duration
func (j *Job) RecordTiming(stage string, d time.Duration) {
	if j.Timings == nil {
		j.Timings = make(map[string]time.Duration)
	}
	j.Timings[stage] = d
}

// IdempotencyKey derives the deduplication key for a request. Equal keys
// must return the same result without recomputation.
func IdempotencyKey(url, query, contentHash, contractID string) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(contentHash))
	h.Write([]byte{0})
	h.Write([]byte(contractID))
	return hex.EncodeToString(h.Sum(nil))
}
