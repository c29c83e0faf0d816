package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/models"
)

// evidenceBundle is the stored row: all evidence records for one content
// hash. Records arrive already redacted; raw text never reaches storage.
type evidenceBundle struct {
	ContentHash string                  `badgerhold:"key"`
	Records     []models.EvidenceRecord `json:"records"`
	SavedAt     time.Time               `json:"saved_at"`
}

// EvidenceStorage implements the EvidenceStorage interface for Badger
type EvidenceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEvidenceStorage creates a new EvidenceStorage instance
func NewEvidenceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EvidenceStorage {
	return &EvidenceStorage{
		db:     db,
		logger: logger,
	}
}

func (s *EvidenceStorage) SaveEvidence(ctx context.Context, contentHash string, records []models.EvidenceRecord) error {
	if contentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	bundle := evidenceBundle{
		ContentHash: contentHash,
		Records:     records,
		SavedAt:     time.Now().UTC(),
	}
	if err := s.db.Store().Upsert(contentHash, &bundle); err != nil {
		return fmt.Errorf("failed to save evidence: %w", err)
	}
	return nil
}

func (s *EvidenceStorage) GetEvidence(ctx context.Context, contentHash string) ([]models.EvidenceRecord, error) {
	var bundle evidenceBundle
	if err := s.db.Store().Get(contentHash, &bundle); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return bundle.Records, nil
}
