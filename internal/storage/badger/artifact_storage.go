package badger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/interfaces"
)

const artifactPrefix = "artifact:"

// ArtifactStorage stores per-job binary blobs (audit logs, raw responses,
// normalized HTML snapshots) straight in Badger, bypassing badgerhold since
// the payloads are opaque bytes.
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new ArtifactStorage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

func artifactKey(jobID, name string) []byte {
	return []byte(artifactPrefix + jobID + "/" + name)
}

func (s *ArtifactStorage) PutArtifact(ctx context.Context, jobID, name string, data []byte) error {
	if jobID == "" || name == "" {
		return fmt.Errorf("artifact jobID and name are required")
	}
	err := s.db.Raw().Update(func(txn *badgerdb.Txn) error {
		return txn.Set(artifactKey(jobID, name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact %s/%s: %w", jobID, name, err)
	}
	return nil
}

func (s *ArtifactStorage) GetArtifact(ctx context.Context, jobID, name string) ([]byte, error) {
	var data []byte
	err := s.db.Raw().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(artifactKey(jobID, name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact %s/%s: %w", jobID, name, err)
	}
	return data, nil
}

func (s *ArtifactStorage) ListArtifacts(ctx context.Context, jobID string) ([]string, error) {
	prefix := []byte(artifactPrefix + jobID + "/")
	var names []string
	err := s.db.Raw().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for job %s: %w", jobID, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *ArtifactStorage) DeleteArtifacts(ctx context.Context, jobID string) error {
	names, err := s.ListArtifacts(ctx, jobID)
	if err != nil {
		return err
	}
	return s.db.Raw().Update(func(txn *badgerdb.Txn) error {
		for _, name := range names {
			if err := txn.Delete(artifactKey(jobID, name)); err != nil {
				return fmt.Errorf("failed to delete artifact %s/%s: %w", jobID, name, err)
			}
		}
		return nil
	})
}
