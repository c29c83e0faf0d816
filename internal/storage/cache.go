package storage

import (
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/atlascodex/atlas/internal/common"
	"github.com/atlascodex/atlas/internal/models"
	badgerstore "github.com/atlascodex/atlas/internal/storage/badger"
)

const (
	contentCachePrefix  = "cache:content:"
	contractCachePrefix = "cache:contract:"
	resultCachePrefix   = "cache:result:"
	abstainCachePrefix  = "cache:abstain:"

	defaultNegativeTTL     = time.Hour
	defaultJanitorSchedule = "0 */10 * * * *"
)

// ContentDigest is the cached product of anchor indexing: the normalized
// document plus its shape. Rebuilding the index from normalized HTML is
// deterministic, so this is all a later job needs.
type ContentDigest struct {
	NormalizedHTML string `json:"normalized_html"`
	AnchorCount    int    `json:"anchor_count"`
	BlockCount     int    `json:"block_count"`
}

// Cache layers the content, contract, and result caches over Badger.
// Entries are immutable once written; negative entries (cached abstentions)
// carry a short TTL so a page whose content changes escapes them. All keys
// are content-addressed, making concurrent writers indistinguishable.
type Cache struct {
	db          *badgerstore.BadgerDB
	enabled     bool
	negativeTTL time.Duration
	resultTTL   time.Duration
	janitor     *cron.Cron
	logger      arbor.ILogger
}

// NewCache creates the cache over an open database.
//
// Parameters:
//   - db: shared Badger connection
//   - config: cache configuration (enabled flag, TTLs, janitor schedule)
//   - logger: structured logger
//
// Returns:
//   - *Cache: ready cache; disabled caches miss on every lookup
func NewCache(db *badgerstore.BadgerDB, config *common.CacheConfig, logger arbor.ILogger) *Cache {
	c := &Cache{
		db:          db,
		enabled:     config.Enabled,
		negativeTTL: common.ParseDurationOr(config.NegativeTTL, defaultNegativeTTL),
		resultTTL:   common.ParseDurationOr(config.ResultTTL, 0),
		logger:      logger,
	}

	if c.enabled {
		schedule := config.JanitorSchedule
		if schedule == "" {
			schedule = defaultJanitorSchedule
		}
		c.janitor = cron.New(cron.WithSeconds())
		if _, err := c.janitor.AddFunc(schedule, c.runJanitor); err != nil {
			logger.Warn().Err(err).Str("schedule", schedule).Msg("Invalid janitor schedule, value-log GC disabled")
		} else {
			c.janitor.Start()
		}
	}
	return c
}

// Close stops the janitor
func (c *Cache) Close() {
	if c.janitor != nil {
		c.janitor.Stop()
	}
}

// runJanitor reclaims value-log space left behind by expired entries
func (c *Cache) runJanitor() {
	if err := c.db.RunValueLogGC(); err != nil {
		c.logger.Warn().Err(err).Msg("Cache janitor value-log GC failed")
		return
	}
	c.logger.Debug().Msg("Cache janitor value-log GC complete")
}

// PutContent caches the anchor-index digest for a content hash
func (c *Cache) PutContent(contentHash string, digest *ContentDigest) error {
	return c.putJSON(contentCachePrefix+contentHash, digest, 0)
}

// GetContent returns the cached digest for a content hash
func (c *Cache) GetContent(contentHash string) (*ContentDigest, bool) {
	var digest ContentDigest
	if !c.getJSON(contentCachePrefix+contentHash, &digest) {
		return nil, false
	}
	return &digest, true
}

// contractKey addresses a contract by what produced it: the query and the
// content it was generated against
func contractKey(queryHash, contentHash string) string {
	return queryHash + ":" + contentHash
}

// PutContract caches a generated contract
func (c *Cache) PutContract(queryHash, contentHash string, contract *models.SchemaContract) error {
	return c.putJSON(contractCachePrefix+contractKey(queryHash, contentHash), contract, 0)
}

// GetContract returns the cached contract for a query/content pair
func (c *Cache) GetContract(queryHash, contentHash string) (*models.SchemaContract, bool) {
	var contract models.SchemaContract
	if !c.getJSON(contractCachePrefix+contractKey(queryHash, contentHash), &contract) {
		return nil, false
	}
	return &contract, true
}

// PutAbstention records that the contract generator abstained for this
// query/content pair. The entry expires after the negative TTL.
func (c *Cache) PutAbstention(queryHash, contentHash string) error {
	return c.putJSON(abstainCachePrefix+contractKey(queryHash, contentHash), map[string]string{"status": "abstain"}, c.negativeTTL)
}

// IsAbstained reports whether a fresh abstention marker exists for the pair
func (c *Cache) IsAbstained(queryHash, contentHash string) bool {
	var marker map[string]string
	return c.getJSON(abstainCachePrefix+contractKey(queryHash, contentHash), &marker)
}

// PutResult caches a finished response under its idempotency key. The stored
// bytes are replayed verbatim so repeated requests get byte-identical data.
func (c *Cache) PutResult(idempotencyKey string, response *models.Response) error {
	return c.putJSON(resultCachePrefix+idempotencyKey, response, c.resultTTL)
}

// GetResult returns the cached response for an idempotency key
func (c *Cache) GetResult(idempotencyKey string) (*models.Response, bool) {
	var response models.Response
	if !c.getJSON(resultCachePrefix+idempotencyKey, &response) {
		return nil, false
	}
	return &response, true
}

func (c *Cache) putJSON(key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry %s: %w", key, err)
	}
	return c.db.Raw().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *Cache) getJSON(key string, out interface{}) bool {
	if !c.enabled {
		return false
	}
	var data []byte
	err := c.db.Raw().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry ignored")
		return false
	}
	return true
}
