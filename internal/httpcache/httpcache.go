// Package httpcache is the process-wide HTTP cache facade. Every
// cached read in the system (pages, SPARQL results, entity JSON,
// administrative geo data, robots.txt) goes through it; entries live
// in storage compressed per sub-type.
package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/compress"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// Status classifies a cache lookup.
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusExpired:
		return "expired"
	default:
		return "miss"
	}
}

// Request identifies one cacheable exchange. URL must already be
// canonical; Params carries cache-relevant variation (query template
// arguments, language) that is not part of the URL.
type Request struct {
	Method  string
	URL     string
	SubType string
	Params  map[string]string
}

// Entry is a decoded cache row.
type Entry struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time
	HitCount   int64
}

// Age reports how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Fingerprint derives the cache key: sha256 over method, URL and the
// sorted params. Identical requests always map to the same key.
func Fingerprint(method, url string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the facade. Safe for concurrent use; the underlying store
// serializes row access.
type Cache struct {
	store   *storage.Store
	presets config.Compression
	policy  config.CacheConfig
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a cache over the store with the configured per-sub-type
// TTLs and compression presets.
func New(store *storage.Store, presets config.Compression, policy config.CacheConfig, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:   store,
		presets: presets,
		policy:  policy,
		logger:  logger.Named("httpcache"),
		now:     time.Now,
	}
}

// Lookup fetches and decodes the entry for req. Expired entries are
// returned with StatusExpired so callers can serve stale on network
// failure.
func (c *Cache) Lookup(req Request) (*Entry, Status, error) {
	key := Fingerprint(req.Method, req.URL, req.Params)
	row, err := c.store.CacheGet(key)
	if err != nil {
		return nil, StatusMiss, err
	}
	if row == nil {
		return nil, StatusMiss, nil
	}

	codec, err := compress.ByID(row.CompressionTypeID)
	if err != nil {
		// Unknown codec means the row predates this binary; treat as miss.
		c.logger.Warn("cache row with unknown codec", zap.String("key", key), zap.Int("codec_id", row.CompressionTypeID))
		return nil, StatusMiss, nil
	}
	body, err := codec.Decode(row.Body)
	if err != nil {
		return nil, StatusMiss, errkind.Wrap(errkind.StorageFailure, err, "decode cache body")
	}

	entry := &Entry{
		StatusCode: row.StatusCode,
		Headers:    row.Headers,
		Body:       body,
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
		HitCount:   row.HitCount,
	}
	if c.now().After(row.ExpiresAt) {
		return entry, StatusExpired, nil
	}
	return entry, StatusHit, nil
}

// Store compresses and persists one exchange, then opportunistically
// evicts least-recently-used rows if the byte ceiling is exceeded.
func (c *Cache) Store(req Request, statusCode int, headers map[string]string, body []byte) error {
	preset := c.presets.PresetFor(req.SubType)
	codec, err := compress.ByName(preset)
	if err != nil {
		return errkind.Wrapf(errkind.InvalidInput, err, "cache store %q", req.SubType)
	}
	encoded, err := codec.Encode(body)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "compress cache body")
	}

	now := c.now().UTC()
	entry := &storage.CacheEntry{
		Key:               Fingerprint(req.Method, req.URL, req.Params),
		Method:            req.Method,
		URL:               req.URL,
		SubType:           req.SubType,
		StatusCode:        statusCode,
		Headers:           headers,
		Body:              encoded,
		CompressionTypeID: codec.ID(),
		UncompressedSize:  int64(len(body)),
		CreatedAt:         now,
		ExpiresAt:         now.Add(c.policy.TTLFor(req.SubType)),
		LastAccess:        now,
	}
	if err := c.store.CachePut(entry); err != nil {
		return err
	}

	if c.policy.MaxBytes > 0 {
		total, err := c.store.CacheTotalBytes()
		if err != nil {
			return err
		}
		if total > c.policy.MaxBytes {
			// Evict down to 90% so back-to-back stores don't thrash.
			evicted, err := c.store.CacheEvictLRU(c.policy.MaxBytes * 9 / 10)
			if err != nil {
				return err
			}
			c.logger.Debug("cache eviction",
				zap.Int("evicted", evicted),
				zap.Int64("was_bytes", total))
		}
	}
	return nil
}

// Invalidate drops the entry for one request.
func (c *Cache) Invalidate(req Request) error {
	return c.store.CacheDelete(Fingerprint(req.Method, req.URL, req.Params))
}

// InvalidateURLPrefix drops every entry whose URL starts with prefix,
// returning the count removed.
func (c *Cache) InvalidateURLPrefix(prefix string) (int64, error) {
	return c.store.CacheDeleteByURLPrefix(prefix)
}

// PurgeExpired removes entries past their expiry.
func (c *Cache) PurgeExpired() (int64, error) {
	return c.store.CachePurgeExpired(c.now().UTC())
}

// Stats reports entry count and stored byte size.
func (c *Cache) Stats() (entries int, bytes int64, err error) {
	return c.store.CacheStats()
}
