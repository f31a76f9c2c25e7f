package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

// URLStore interns canonical URLs behind stable integer IDs. Every
// other entity references URLs by ID only. The in-memory maps mirror
// the urls table; Intern is insert-or-lookup atomic.
type URLStore struct {
	store *Store
	norm  *urlutil.Normalizer

	mu          sync.RWMutex
	byCanonical map[string]int64
	byID        map[int64]*URLRecord
}

// NewURLStore builds the intern store and warms its cache from the
// urls table.
func NewURLStore(store *Store, norm *urlutil.Normalizer) (*URLStore, error) {
	us := &URLStore{
		store:       store,
		norm:        norm,
		byCanonical: make(map[string]int64),
		byID:        make(map[int64]*URLRecord),
	}
	if err := us.warm(); err != nil {
		return nil, err
	}
	return us, nil
}

func (us *URLStore) warm() error {
	us.store.mu.RLock()
	defer us.store.mu.RUnlock()

	rows, err := us.store.db.Query(`SELECT id, canonical, host FROM urls`)
	if err != nil {
		return fmt.Errorf("warm url cache: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &URLRecord{}
		if err := rows.Scan(&rec.ID, &rec.Canonical, &rec.Host); err != nil {
			return err
		}
		us.byCanonical[rec.Canonical] = rec.ID
		us.byID[rec.ID] = rec
	}
	return rows.Err()
}

// Intern canonicalises rawURL and returns its stable ID, inserting on
// first sight. Equivalent raw forms always return the same ID.
func (us *URLStore) Intern(rawURL string) (int64, error) {
	canonical, err := us.norm.Normalize(rawURL)
	if err != nil {
		return 0, errkind.Wrapf(errkind.InvalidInput, err, "intern %q", rawURL)
	}

	us.mu.RLock()
	id, ok := us.byCanonical[canonical]
	us.mu.RUnlock()
	if ok {
		return id, nil
	}

	host, err := urlutil.ExtractHost(canonical)
	if err != nil {
		return 0, errkind.Wrapf(errkind.InvalidInput, err, "intern %q", rawURL)
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	// Re-check under the write lock.
	if id, ok := us.byCanonical[canonical]; ok {
		return id, nil
	}

	us.store.mu.Lock()
	_, err = us.store.db.Exec(`
		INSERT INTO urls (canonical, host) VALUES (?, ?)
		ON CONFLICT(canonical) DO UPDATE SET last_seen = CURRENT_TIMESTAMP
	`, canonical, host)
	if err == nil {
		err = us.store.db.QueryRow(`SELECT id FROM urls WHERE canonical = ?`, canonical).Scan(&id)
	}
	us.store.mu.Unlock()
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "intern url")
	}

	rec := &URLRecord{ID: id, Canonical: canonical, Host: host}
	us.byCanonical[canonical] = id
	us.byID[id] = rec
	return id, nil
}

// Resolve returns the canonical string for an interned ID.
func (us *URLStore) Resolve(id int64) (string, error) {
	rec, err := us.record(id)
	if err != nil {
		return "", err
	}
	return rec.Canonical, nil
}

// HostOf returns the host of an interned URL.
func (us *URLStore) HostOf(id int64) (string, error) {
	rec, err := us.record(id)
	if err != nil {
		return "", err
	}
	return rec.Host, nil
}

func (us *URLStore) record(id int64) (*URLRecord, error) {
	us.mu.RLock()
	rec, ok := us.byID[id]
	us.mu.RUnlock()
	if ok {
		return rec, nil
	}

	us.store.mu.RLock()
	row := us.store.db.QueryRow(`SELECT id, canonical, host FROM urls WHERE id = ?`, id)
	rec = &URLRecord{}
	err := row.Scan(&rec.ID, &rec.Canonical, &rec.Host)
	us.store.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.InvalidInput, "unknown url id %d", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "resolve url")
	}

	us.mu.Lock()
	us.byCanonical[rec.Canonical] = rec.ID
	us.byID[rec.ID] = rec
	us.mu.Unlock()
	return rec, nil
}

// Count returns the number of interned URLs.
func (us *URLStore) Count() int {
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.byID)
}
