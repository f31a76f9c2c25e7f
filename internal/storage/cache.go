package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// CachePut inserts or replaces a cache entry.
func (s *Store) CachePut(e *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headersJSON, _ := json.Marshal(e.Headers)
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, method, url, sub_type, status_code, headers_json,
			body, compression_type_id, uncompressed_size, created_at, expires_at, last_access, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET
			method = excluded.method,
			url = excluded.url,
			sub_type = excluded.sub_type,
			status_code = excluded.status_code,
			headers_json = excluded.headers_json,
			body = excluded.body,
			compression_type_id = excluded.compression_type_id,
			uncompressed_size = excluded.uncompressed_size,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			last_access = excluded.last_access
	`, e.Key, e.Method, e.URL, e.SubType, e.StatusCode, string(headersJSON),
		e.Body, e.CompressionTypeID, e.UncompressedSize, e.CreatedAt, e.ExpiresAt, e.LastAccess)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "cache put")
	}
	return nil
}

// CacheGet loads an entry by key and touches its access stats. Returns
// nil when the key is absent; expiry is the caller's call, since stale
// entries still serve fallback reads.
func (s *Store) CacheGet(key string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &CacheEntry{}
	var headersJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT key, method, url, sub_type, status_code, headers_json, body,
			compression_type_id, uncompressed_size, created_at, expires_at, last_access, hit_count
		FROM cache_entries WHERE key = ?
	`, key).Scan(&e.Key, &e.Method, &e.URL, &e.SubType, &e.StatusCode, &headersJSON, &e.Body,
		&e.CompressionTypeID, &e.UncompressedSize, &e.CreatedAt, &e.ExpiresAt, &e.LastAccess, &e.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "cache get")
	}
	if headersJSON.Valid && headersJSON.String != "" {
		_ = json.Unmarshal([]byte(headersJSON.String), &e.Headers)
	}

	if _, err := s.db.Exec(`
		UPDATE cache_entries SET hit_count = hit_count + 1, last_access = CURRENT_TIMESTAMP WHERE key = ?
	`, key); err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "cache touch")
	}
	e.HitCount++
	return e, nil
}

// CacheDelete removes one entry.
func (s *Store) CacheDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "cache delete")
	}
	return nil
}

// CacheDeleteByURLPrefix removes all entries whose URL starts with the
// prefix, returning the count removed.
func (s *Store) CacheDeleteByURLPrefix(prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE url LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "cache delete prefix")
	}
	return result.RowsAffected()
}

// CacheTotalBytes sums stored (compressed) body sizes.
func (s *Store) CacheTotalBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(body)) FROM cache_entries`).Scan(&total); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "cache total bytes")
	}
	return total.Int64, nil
}

// CacheEvictLRU deletes least-recently-used entries until the stored
// size drops to targetBytes. Returns the number evicted.
func (s *Store) CacheEvictLRU(targetBytes int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(body)) FROM cache_entries`).Scan(&total); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "cache size")
	}
	excess := total.Int64 - targetBytes
	if excess <= 0 {
		return 0, nil
	}

	rows, err := s.db.Query(`SELECT key, LENGTH(body) FROM cache_entries ORDER BY last_access`)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "cache lru scan")
	}
	var victims []string
	for rows.Next() {
		var key string
		var size int64
		if err := rows.Scan(&key, &size); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, key)
		excess -= size
		if excess <= 0 {
			break
		}
	}
	rows.Close()

	for _, key := range victims {
		if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return 0, errkind.Wrap(errkind.StorageFailure, err, "cache evict")
		}
	}
	return len(victims), nil
}

// CachePurgeExpired removes entries past their expiry, returning the
// count removed.
func (s *Store) CachePurgeExpired(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`, now)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "cache purge")
	}
	return result.RowsAffected()
}

// CacheStats reports entry count and stored bytes.
func (s *Store) CacheStats() (entries int, bytes int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total sql.NullInt64
	err = s.db.QueryRow(`SELECT COUNT(*), SUM(LENGTH(body)) FROM cache_entries`).Scan(&entries, &total)
	if err != nil {
		return 0, 0, errkind.Wrap(errkind.StorageFailure, err, "cache stats")
	}
	return entries, total.Int64, nil
}
