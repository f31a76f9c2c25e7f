package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// PutHTTPResponse inserts a fetch record and returns its ID.
func (s *Store) PutHTTPResponse(r *HTTPResponse) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	headersJSON, _ := json.Marshal(r.Headers)
	hopsJSON, _ := json.Marshal(r.RedirectHops)

	fetchedAt := r.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	result, err := s.db.Exec(`
		INSERT INTO http_responses (url_id, status_code, fetched_at, headers_json, content_id, final_url_id,
			redirect_hops_json, ttfb_ms, duration_ms, body_bytes, from_cache, error_category, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.URLID, r.StatusCode, fetchedAt, string(headersJSON), nullableID(r.ContentID), nullableID(r.FinalURLID),
		string(hopsJSON), r.TTFB.Milliseconds(), r.Duration.Milliseconds(), r.BodyBytes, r.FromCache,
		r.ErrorCategory, r.ErrorMessage)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert response")
	}
	return result.LastInsertId()
}

// LatestResponse returns the newest fetch record for a URL, or nil.
func (s *Store) LatestResponse(urlID int64) (*HTTPResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &HTTPResponse{}
	var headersJSON, hopsJSON sql.NullString
	var contentID, finalURLID sql.NullInt64
	var ttfbMs, durationMs int64

	err := s.db.QueryRow(`
		SELECT id, url_id, status_code, fetched_at, headers_json, content_id, final_url_id,
			redirect_hops_json, ttfb_ms, duration_ms, body_bytes, from_cache, error_category, error_message
		FROM http_responses WHERE url_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT 1
	`, urlID).Scan(&r.ID, &r.URLID, &r.StatusCode, &r.FetchedAt, &headersJSON, &contentID, &finalURLID,
		&hopsJSON, &ttfbMs, &durationMs, &r.BodyBytes, &r.FromCache, &r.ErrorCategory, &r.ErrorMessage)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "latest response")
	}

	r.ContentID = contentID.Int64
	r.FinalURLID = finalURLID.Int64
	r.TTFB = time.Duration(ttfbMs) * time.Millisecond
	r.Duration = time.Duration(durationMs) * time.Millisecond
	if headersJSON.Valid && headersJSON.String != "" {
		json.Unmarshal([]byte(headersJSON.String), &r.Headers)
	}
	if hopsJSON.Valid && hopsJSON.String != "" {
		json.Unmarshal([]byte(hopsJSON.String), &r.RedirectHops)
	}
	return r, nil
}

// ResponseCount returns the number of fetch records for a URL.
func (s *Store) ResponseCount(urlID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM http_responses WHERE url_id = ?`, urlID).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "response count")
	}
	return n, nil
}

// PutAnalysis upserts the analysis for a content row.
func (s *Store) PutAnalysis(a *Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	placeIDs, _ := json.Marshal(a.PlaceIDs)
	topicIDs, _ := json.Marshal(a.TopicIDs)
	signals, _ := json.Marshal(a.Signals)

	_, err := s.db.Exec(`
		INSERT INTO content_analyses (content_id, url_id, classification, title, published_at, word_count,
			language, nav_link_count, article_link_count, place_ids_json, topic_ids_json, simhash, signals_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			classification = excluded.classification,
			title = excluded.title,
			published_at = excluded.published_at,
			word_count = excluded.word_count,
			language = excluded.language,
			nav_link_count = excluded.nav_link_count,
			article_link_count = excluded.article_link_count,
			place_ids_json = excluded.place_ids_json,
			topic_ids_json = excluded.topic_ids_json,
			simhash = excluded.simhash,
			signals_json = excluded.signals_json,
			analyzed_at = CURRENT_TIMESTAMP
	`, a.ContentID, a.URLID, a.Classification, a.Title, a.PublishedAt, a.WordCount,
		a.Language, a.NavLinkCount, a.ArticleLinkCount, string(placeIDs), string(topicIDs),
		int64(a.SimHash), string(signals))
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "upsert analysis")
	}
	return nil
}

// GetAnalysis returns the analysis for a content row, or nil.
func (s *Store) GetAnalysis(contentID int64) (*Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanAnalysis(s.db.QueryRow(`
		SELECT id, content_id, url_id, classification, title, published_at, word_count, language,
			nav_link_count, article_link_count, place_ids_json, topic_ids_json, simhash, signals_json, analyzed_at
		FROM content_analyses WHERE content_id = ?
	`, contentID))
}

func (s *Store) scanAnalysis(row *sql.Row) (*Analysis, error) {
	a := &Analysis{}
	var title, publishedAt, language, placeIDs, topicIDs, signals sql.NullString
	var simhash int64

	err := row.Scan(&a.ID, &a.ContentID, &a.URLID, &a.Classification, &title, &publishedAt,
		&a.WordCount, &language, &a.NavLinkCount, &a.ArticleLinkCount, &placeIDs, &topicIDs,
		&simhash, &signals, &a.AnalyzedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "load analysis")
	}

	a.Title = title.String
	a.PublishedAt = publishedAt.String
	a.Language = language.String
	a.SimHash = uint64(simhash)
	if placeIDs.Valid {
		json.Unmarshal([]byte(placeIDs.String), &a.PlaceIDs)
	}
	if topicIDs.Valid {
		json.Unmarshal([]byte(topicIDs.String), &a.TopicIDs)
	}
	if signals.Valid {
		json.Unmarshal([]byte(signals.String), &a.Signals)
	}
	return a, nil
}

// AnalysisCount counts analyses, optionally for one classification.
func (s *Store) AnalysisCount(classification string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	var err error
	if classification == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM content_analyses`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM content_analyses WHERE classification = ?`, classification).Scan(&n)
	}
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "analysis count")
	}
	return n, nil
}

// AnalysesPage lists analyses after a cursor ID, oldest first. The
// analyse and export tasks use it to walk the table resumably.
func (s *Store) AnalysesPage(afterID int64, limit int, classification string) ([]*Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, content_id, url_id, classification, title, published_at, word_count, language,
			nav_link_count, article_link_count, place_ids_json, topic_ids_json, simhash, signals_json, analyzed_at
		FROM content_analyses WHERE id > ?`
	args := []any{afterID}
	if classification != "" {
		query += ` AND classification = ?`
		args = append(args, classification)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "list analyses")
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		a := &Analysis{}
		var title, publishedAt, language, placeIDs, topicIDs, signals sql.NullString
		var simhash int64
		if err := rows.Scan(&a.ID, &a.ContentID, &a.URLID, &a.Classification, &title, &publishedAt,
			&a.WordCount, &language, &a.NavLinkCount, &a.ArticleLinkCount, &placeIDs, &topicIDs,
			&simhash, &signals, &a.AnalyzedAt); err != nil {
			return nil, err
		}
		a.Title = title.String
		a.PublishedAt = publishedAt.String
		a.Language = language.String
		a.SimHash = uint64(simhash)
		if placeIDs.Valid {
			json.Unmarshal([]byte(placeIDs.String), &a.PlaceIDs)
		}
		if topicIDs.Valid {
			json.Unmarshal([]byte(topicIDs.String), &a.TopicIDs)
		}
		if signals.Valid {
			json.Unmarshal([]byte(signals.String), &a.Signals)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutLinks batch-inserts link edges; duplicate (src, dst) pairs are
// ignored.
func (s *Store) PutLinks(links []*Link) error {
	if len(links) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "begin links tx")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO links (src_url_id, dst_url_id, anchor, rel, nofollow, depth_delta)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_url_id, dst_url_id) DO NOTHING
	`)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "prepare links")
	}
	defer stmt.Close()

	for _, link := range links {
		if _, err := stmt.Exec(link.SrcURLID, link.DstURLID, link.Anchor, link.Rel, link.NoFollow, link.DepthDelta); err != nil {
			return errkind.Wrap(errkind.StorageFailure, err, "insert link")
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "commit links")
	}
	return nil
}

// Outlinks returns the outgoing edges of a URL. The planner's
// structure reasoner walks these.
func (s *Store) Outlinks(urlID int64, limit int) ([]*Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, src_url_id, dst_url_id, anchor, rel, nofollow, depth_delta
		FROM links WHERE src_url_id = ? LIMIT ?
	`, urlID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "outlinks")
	}
	defer rows.Close()

	var links []*Link
	for rows.Next() {
		l := &Link{}
		var anchor, rel sql.NullString
		if err := rows.Scan(&l.ID, &l.SrcURLID, &l.DstURLID, &anchor, &rel, &l.NoFollow, &l.DepthDelta); err != nil {
			return nil, err
		}
		l.Anchor = anchor.String
		l.Rel = rel.String
		links = append(links, l)
	}
	return links, rows.Err()
}

// InlinkCount returns how many distinct pages link to a URL.
func (s *Store) InlinkCount(urlID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT src_url_id) FROM links WHERE dst_url_id = ?`, urlID).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "inlink count")
	}
	return n, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
