package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/interfaces"
	"github.com/atlascodex/atlas/internal/storage/badger"
)

// NewStorageManager creates the storage manager from config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}

// NewCacheFromManager builds the cache over a Badger-backed manager. A
// manager from a different backend gets a disabled cache rather than an
// error since caching is an optimization, never a correctness requirement.
func NewCacheFromManager(manager interfaces.StorageManager, config *common.CacheConfig, logger arbor.ILogger) *Cache {
	bm, ok := manager.(*badger.Manager)
	if !ok {
		logger.Warn().Msg("Storage backend does not support caching, cache disabled")
		disabled := *config
		disabled.Enabled = false
		return NewCache(nil, &disabled, logger)
	}
	return NewCache(bm.DB(), config, logger)
}
