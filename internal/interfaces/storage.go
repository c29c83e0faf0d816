package interfaces

import (
	"context"
	"errors"

	"github.com/atlascodex/atlas/internal/models"
)

// ErrKeyNotFound is returned by lookups that miss, letting callers
// distinguish absence from storage failure
var ErrKeyNotFound = errors.New("key not found")

// JobStorage - append-only job persistence with idempotency lookups.
// Writes are at-least-once; idempotency keys deduplicate.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// ArtifactStorage - binary blobs keyed by job-id/name
type ArtifactStorage interface {
	PutArtifact(ctx context.Context, jobID, name string, data []byte) error
	GetArtifact(ctx context.Context, jobID, name string) ([]byte, error)
	ListArtifacts(ctx context.Context, jobID string) ([]string, error)
	DeleteArtifacts(ctx context.Context, jobID string) error
}

// EvidenceStorage - redacted evidence records keyed by content hash
type EvidenceStorage interface {
	SaveEvidence(ctx context.Context, contentHash string, records []models.EvidenceRecord) error
	GetEvidence(ctx context.Context, contentHash string) ([]models.EvidenceRecord, error)
}

// KeyValueStorage - generic key/value store used for API keys and settings
type KeyValueStorage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) (map[string]string, error)
}

// StorageManager aggregates the pluggable stores
type StorageManager interface {
	JobStorage() JobStorage
	ArtifactStorage() ArtifactStorage
	EvidenceStorage() EvidenceStorage
	KeyValueStorage() KeyValueStorage
	Close() error
}
