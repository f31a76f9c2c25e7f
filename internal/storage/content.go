package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harvest-crawler/harvest/internal/compress"
	"github.com/harvest-crawler/harvest/internal/errkind"
)

// PutContent compresses data with the named preset and stores it in the
// appropriate tier: inline below the inline limit, bucket below the
// bucket limit, file above. Identical payloads (by sha256) are stored
// once.
func (s *Store) PutContent(data []byte, subType, presetName string) (int64, error) {
	codec, err := compress.ByName(presetName)
	if err != nil {
		return 0, errkind.Wrap(errkind.InvalidInput, err, "put content")
	}

	sum := sha256.Sum256(data)
	shaHex := hex.EncodeToString(sum[:])

	// Dedup on payload hash.
	s.mu.RLock()
	var existing int64
	err = s.db.QueryRow(`SELECT id FROM contents WHERE sha256 = ? LIMIT 1`, shaHex).Scan(&existing)
	s.mu.RUnlock()
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "content dedup lookup")
	}

	encoded, err := codec.Encode(data)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err, "compress content")
	}

	switch size := int64(len(encoded)); {
	case size <= s.inlineLimit:
		return s.insertInline(encoded, shaHex, subType, codec.ID(), int64(len(data)))
	case size <= s.bucketLimit:
		return s.insertBucket(encoded, shaHex, subType, codec.ID(), int64(len(data)))
	default:
		return s.insertFile(encoded, shaHex, subType, codec.ID(), int64(len(data)))
	}
}

func (s *Store) insertInline(encoded []byte, shaHex, subType string, codecID int, rawSize int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO contents (storage_type, compression_type_id, sub_type, sha256, uncompressed_size, compressed_size, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, TierInline, codecID, subType, shaHex, rawSize, len(encoded), encoded)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert inline content")
	}
	return result.LastInsertId()
}

func (s *Store) insertBucket(encoded []byte, shaHex, subType string, codecID int, rawSize int64) (int64, error) {
	s.bucketMu.Lock()
	bucketID, path, offset, err := s.ensureBucketLocked()
	if err != nil {
		s.bucketMu.Unlock()
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		s.bucketMu.Unlock()
		return 0, errkind.Wrap(errkind.StorageFailure, err, "open bucket")
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		s.bucketMu.Unlock()
		return 0, errkind.Wrap(errkind.StorageFailure, err, "append bucket")
	}
	if err := f.Close(); err != nil {
		s.bucketMu.Unlock()
		return 0, errkind.Wrap(errkind.StorageFailure, err, "close bucket")
	}
	s.bucketSize = offset + int64(len(encoded))
	s.bucketMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE content_buckets SET size_bytes = ? WHERE id = ?`,
		offset+int64(len(encoded)), bucketID); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "update bucket size")
	}

	result, err := s.db.Exec(`
		INSERT INTO contents (storage_type, compression_type_id, sub_type, sha256, uncompressed_size, compressed_size, bucket_id, bucket_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, TierBucket, codecID, subType, shaHex, rawSize, len(encoded), bucketID, offset)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert bucket content")
	}
	return result.LastInsertId()
}

// ensureBucketLocked returns the active bucket, rotating when it has
// grown past the rotate size. Caller holds bucketMu.
func (s *Store) ensureBucketLocked() (int64, string, int64, error) {
	if s.activeBucket != 0 && s.bucketSize < bucketRotateSize {
		return s.activeBucket, s.bucketPath(s.activeBucket), s.bucketSize, nil
	}

	// Try to resume the newest bucket from a prior run.
	if s.activeBucket == 0 {
		s.mu.RLock()
		var id, size int64
		err := s.db.QueryRow(`SELECT id, size_bytes FROM content_buckets ORDER BY id DESC LIMIT 1`).Scan(&id, &size)
		s.mu.RUnlock()
		if err == nil && size < bucketRotateSize {
			s.activeBucket = id
			s.bucketSize = size
			return id, s.bucketPath(id), size, nil
		}
	}

	s.mu.Lock()
	result, err := s.db.Exec(`INSERT INTO content_buckets (path, size_bytes) VALUES ('', 0)`)
	if err != nil {
		s.mu.Unlock()
		return 0, "", 0, errkind.Wrap(errkind.StorageFailure, err, "create bucket")
	}
	id, _ := result.LastInsertId()
	path := s.bucketPath(id)
	if _, err := s.db.Exec(`UPDATE content_buckets SET path = ? WHERE id = ?`, path, id); err != nil {
		s.mu.Unlock()
		return 0, "", 0, errkind.Wrap(errkind.StorageFailure, err, "name bucket")
	}
	s.mu.Unlock()

	s.activeBucket = id
	s.bucketSize = 0
	return id, path, 0, nil
}

func (s *Store) bucketPath(id int64) string {
	return filepath.Join(s.contentDir, "buckets", fmt.Sprintf("bucket-%06d.dat", id))
}

func (s *Store) insertFile(encoded []byte, shaHex, subType string, codecID int, rawSize int64) (int64, error) {
	// Two-level sha prefix keeps directories small.
	dir := filepath.Join(s.contentDir, "files", shaHex[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "content file dir")
	}
	path := filepath.Join(dir, shaHex+".bin")
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "write content file")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO contents (storage_type, compression_type_id, sub_type, sha256, uncompressed_size, compressed_size, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, TierFile, codecID, subType, shaHex, rawSize, len(encoded), path)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert file content")
	}
	return result.LastInsertId()
}

// GetContent returns the decompressed payload and its metadata.
func (s *Store) GetContent(id int64) ([]byte, *ContentMeta, error) {
	s.mu.RLock()
	meta := &ContentMeta{}
	var body []byte
	var bucketID, bucketOffset sql.NullInt64
	var filePath sql.NullString
	err := s.db.QueryRow(`
		SELECT id, storage_type, compression_type_id, sub_type, sha256, uncompressed_size, compressed_size, body, bucket_id, bucket_offset, file_path
		FROM contents WHERE id = ?
	`, id).Scan(&meta.ID, &meta.StorageType, &meta.CompressionTypeID, &meta.SubType, &meta.SHA256,
		&meta.UncompressedSize, &meta.CompressedSize, &body, &bucketID, &bucketOffset, &filePath)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, nil, errkind.Newf(errkind.InvalidInput, "unknown content id %d", id)
	}
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "load content")
	}

	var encoded []byte
	switch meta.StorageType {
	case TierInline:
		encoded = body
	case TierBucket:
		var path string
		s.mu.RLock()
		err = s.db.QueryRow(`SELECT path FROM content_buckets WHERE id = ?`, bucketID.Int64).Scan(&path)
		s.mu.RUnlock()
		if err != nil {
			return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "bucket lookup")
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "open bucket")
		}
		defer f.Close()
		encoded = make([]byte, meta.CompressedSize)
		if _, err := f.ReadAt(encoded, bucketOffset.Int64); err != nil {
			return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "read bucket")
		}
	case TierFile:
		encoded, err = os.ReadFile(filePath.String)
		if err != nil {
			return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "read content file")
		}
	default:
		return nil, nil, errkind.Newf(errkind.Internal, "unknown storage type %q", meta.StorageType)
	}

	codec, err := compress.ByID(meta.CompressionTypeID)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.Internal, err, "content codec")
	}
	data, err := codec.Decode(encoded)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "decompress content")
	}
	return data, meta, nil
}

// ContentCount counts stored payloads.
func (s *Store) ContentCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM contents`).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "content count")
	}
	return n, nil
}

// ContentsPage lists content metadata after a cursor ID, oldest first.
// Background tasks use it to walk the table in resumable chunks.
func (s *Store) ContentsPage(afterID int64, limit int) ([]*ContentMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, storage_type, compression_type_id, sub_type, sha256, uncompressed_size, compressed_size
		FROM contents WHERE id > ? ORDER BY id ASC LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "list contents")
	}
	defer rows.Close()

	var metas []*ContentMeta
	for rows.Next() {
		m := &ContentMeta{}
		if err := rows.Scan(&m.ID, &m.StorageType, &m.CompressionTypeID, &m.SubType, &m.SHA256,
			&m.UncompressedSize, &m.CompressedSize); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// RecompressContent re-encodes a stored payload with a new preset,
// re-tiering it if the compressed size changed bands.
func (s *Store) RecompressContent(id int64, presetName string) error {
	data, meta, err := s.GetContent(id)
	if err != nil {
		return err
	}

	codec, err := compress.ByName(presetName)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, err, "recompress")
	}
	if codec.ID() == meta.CompressionTypeID {
		return nil
	}

	encoded, err := codec.Encode(data)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err, "recompress encode")
	}

	// Store the new bytes in whatever tier now fits; the old bucket
	// bytes become dead space reclaimed by bucket rewrites.
	switch size := int64(len(encoded)); {
	case size <= s.inlineLimit:
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.db.Exec(`
			UPDATE contents SET storage_type = ?, compression_type_id = ?, compressed_size = ?, body = ?, bucket_id = NULL, bucket_offset = NULL, file_path = NULL
			WHERE id = ?
		`, TierInline, codec.ID(), len(encoded), encoded, id)
	case size <= s.bucketLimit:
		s.bucketMu.Lock()
		bucketID, path, offset, berr := s.ensureBucketLocked()
		if berr != nil {
			s.bucketMu.Unlock()
			return berr
		}
		f, ferr := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if ferr != nil {
			s.bucketMu.Unlock()
			return errkind.Wrap(errkind.StorageFailure, ferr, "open bucket")
		}
		if _, werr := f.Write(encoded); werr != nil {
			f.Close()
			s.bucketMu.Unlock()
			return errkind.Wrap(errkind.StorageFailure, werr, "append bucket")
		}
		f.Close()
		s.bucketSize = offset + int64(len(encoded))
		s.bucketMu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.db.Exec(`
			UPDATE contents SET storage_type = ?, compression_type_id = ?, compressed_size = ?, body = NULL, bucket_id = ?, bucket_offset = ?, file_path = NULL
			WHERE id = ?
		`, TierBucket, codec.ID(), len(encoded), bucketID, offset, id)
	default:
		dir := filepath.Join(s.contentDir, "files", meta.SHA256[:2])
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errkind.Wrap(errkind.StorageFailure, err, "content file dir")
		}
		path := filepath.Join(dir, meta.SHA256+".bin")
		if err := os.WriteFile(path, encoded, 0644); err != nil {
			return errkind.Wrap(errkind.StorageFailure, err, "write content file")
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.db.Exec(`
			UPDATE contents SET storage_type = ?, compression_type_id = ?, compressed_size = ?, body = NULL, bucket_id = NULL, bucket_offset = NULL, file_path = ?
			WHERE id = ?
		`, TierFile, codec.ID(), len(encoded), path, id)
	}
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "recompress update")
	}
	return nil
}

// PruneOrphanContents removes content rows (and their tier files) that
// no response references. Returns the number removed.
func (s *Store) PruneOrphanContents() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, storage_type, file_path FROM contents
		WHERE id NOT IN (SELECT content_id FROM http_responses WHERE content_id IS NOT NULL)
		  AND id NOT IN (SELECT content_id FROM content_analyses)
	`)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "find orphans")
	}

	type orphan struct {
		id   int64
		tier string
		path sql.NullString
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.tier, &o.path); err != nil {
			rows.Close()
			return 0, err
		}
		orphans = append(orphans, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, o := range orphans {
		if o.tier == TierFile && o.path.Valid {
			os.Remove(o.path.String)
		}
		if _, err := s.db.Exec(`DELETE FROM contents WHERE id = ?`, o.id); err != nil {
			return 0, errkind.Wrap(errkind.StorageFailure, err, "delete orphan")
		}
	}
	return len(orphans), nil
}
