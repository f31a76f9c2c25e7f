package storage

import (
	"database/sql"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// InsertPlace creates a new place row and returns its id.
func (s *Store) InsertPlace(p *Place) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO places (kind, country_code, admin1_code, lat, lng, population, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Kind, p.CountryCode, p.Admin1Code, p.Lat, p.Lng, p.Population, p.ExtraJSON)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert place")
	}
	return result.LastInsertId()
}

// UpdatePlace overwrites a place's attributes in an enrich-in-place merge.
func (s *Store) UpdatePlace(p *Place) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE places SET kind = ?, country_code = ?, admin1_code = ?, lat = ?, lng = ?,
			population = ?, extra_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, p.Kind, p.CountryCode, p.Admin1Code, p.Lat, p.Lng, p.Population, p.ExtraJSON, p.ID)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "update place")
	}
	return nil
}

// GetPlace loads one place, or nil.
func (s *Store) GetPlace(id int64) (*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPlace(s.db.QueryRow(`
		SELECT id, kind, COALESCE(canonical_name_id, 0), COALESCE(country_code, ''),
			COALESCE(admin1_code, ''), COALESCE(lat, 0), COALESCE(lng, 0),
			COALESCE(population, 0), COALESCE(extra_json, '')
		FROM places WHERE id = ?`, id))
}

func (s *Store) scanPlace(row *sql.Row) (*Place, error) {
	p := &Place{}
	err := row.Scan(&p.ID, &p.Kind, &p.CanonicalNameID, &p.CountryCode, &p.Admin1Code,
		&p.Lat, &p.Lng, &p.Population, &p.ExtraJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "scan place")
	}
	return p, nil
}

// AddPlaceName attaches a name to a place, ignoring exact duplicates.
func (s *Store) AddPlaceName(placeID int64, text, normalized, lang, kind string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO place_names (place_id, text, normalized, lang, kind)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(place_id, normalized, lang, kind) DO NOTHING
	`, placeID, text, normalized, lang, kind)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "add place name")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var id int64
		err = s.db.QueryRow(`
			SELECT id FROM place_names
			WHERE place_id = ? AND normalized = ? AND lang = ? AND kind = ?
		`, placeID, normalized, lang, kind).Scan(&id)
		if err != nil {
			return 0, errkind.Wrap(errkind.StorageFailure, err, "lookup place name")
		}
		return id, nil
	}
	return result.LastInsertId()
}

// SetCanonicalName points a place at its preferred name row.
func (s *Store) SetCanonicalName(placeID, nameID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE places SET canonical_name_id = ? WHERE id = ?`, nameID, placeID); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "set canonical name")
	}
	return nil
}

// AddExternalID binds an upstream identifier to a place. Re-binding the
// same (source, ext_id) to a different place is rejected so identity
// stays stable across ingestion runs.
func (s *Store) AddExternalID(placeID int64, source, extID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.db.QueryRow(`SELECT place_id FROM place_external_ids WHERE source = ? AND ext_id = ?`,
		source, extID).Scan(&existing)
	if err == nil {
		if existing != placeID {
			return errkind.Newf(errkind.PreconditionFailed,
				"external id %s:%s already bound to place %d", source, extID, existing)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return errkind.Wrap(errkind.StorageFailure, err, "lookup external id")
	}

	if _, err := s.db.Exec(`
		INSERT INTO place_external_ids (place_id, source, ext_id) VALUES (?, ?, ?)
	`, placeID, source, extID); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "add external id")
	}
	return nil
}

// AddHierarchyEdge records that parent contains child.
func (s *Store) AddHierarchyEdge(parentID, childID int64, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO place_hierarchy (parent_id, child_id, relation) VALUES (?, ?, ?)
		ON CONFLICT(parent_id, child_id, relation) DO NOTHING
	`, parentID, childID, relation)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "add hierarchy edge")
	}
	return nil
}

// HierarchyChildren returns the child place IDs linked to parent under the
// given relation, ordered by child ID.
func (s *Store) HierarchyChildren(parentID int64, relation string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT child_id FROM place_hierarchy
		WHERE parent_id = ? AND relation = ?
		ORDER BY child_id
	`, parentID, relation)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "query hierarchy children")
	}
	defer rows.Close()

	var children []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errkind.Wrap(errkind.StorageFailure, err, "scan hierarchy child")
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

// --- Dedup lookups, strongest evidence first ---

// FindPlaceByExternalID resolves a place through an upstream identifier.
func (s *Store) FindPlaceByExternalID(source, extID string) (*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPlace(s.db.QueryRow(`
		SELECT p.id, p.kind, COALESCE(p.canonical_name_id, 0), COALESCE(p.country_code, ''),
			COALESCE(p.admin1_code, ''), COALESCE(p.lat, 0), COALESCE(p.lng, 0),
			COALESCE(p.population, 0), COALESCE(p.extra_json, '')
		FROM places p
		JOIN place_external_ids x ON x.place_id = p.id
		WHERE x.source = ? AND x.ext_id = ?`, source, extID))
}

// FindPlaceByAdminCode resolves a region through its country + admin1 code.
func (s *Store) FindPlaceByAdminCode(countryCode, admin1Code string) (*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPlace(s.db.QueryRow(`
		SELECT id, kind, COALESCE(canonical_name_id, 0), COALESCE(country_code, ''),
			COALESCE(admin1_code, ''), COALESCE(lat, 0), COALESCE(lng, 0),
			COALESCE(population, 0), COALESCE(extra_json, '')
		FROM places
		WHERE country_code = ? AND admin1_code = ? AND kind = 'region'
		ORDER BY id LIMIT 1`, countryCode, admin1Code))
}

// FindPlaceByName resolves through a normalized name scoped to a country
// and kind. Empty kind matches any.
func (s *Store) FindPlaceByName(normalized, countryCode, kind string) (*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT p.id, p.kind, COALESCE(p.canonical_name_id, 0), COALESCE(p.country_code, ''),
			COALESCE(p.admin1_code, ''), COALESCE(p.lat, 0), COALESCE(p.lng, 0),
			COALESCE(p.population, 0), COALESCE(p.extra_json, '')
		FROM places p
		JOIN place_names n ON n.place_id = p.id
		WHERE n.normalized = ? AND p.country_code = ?`
	args := []any{normalized, countryCode}
	if kind != "" {
		query += ` AND p.kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY p.population DESC, p.id LIMIT 1`
	return s.scanPlace(s.db.QueryRow(query, args...))
}

// HasPlaceName reports whether a place already carries a normalized
// name under any kind.
func (s *Store) HasPlaceName(placeID int64, normalized string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM place_names WHERE place_id = ? AND normalized = ?`,
		placeID, normalized).Scan(&n)
	if err != nil {
		return false, errkind.Wrap(errkind.StorageFailure, err, "has place name")
	}
	return n > 0, nil
}

// FindPlaceNear resolves a place of the given kind within a coordinate
// box of +/- eps degrees. Ties break toward the larger population.
func (s *Store) FindPlaceNear(lat, lng, eps float64, kind string) (*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanPlace(s.db.QueryRow(`
		SELECT id, kind, COALESCE(canonical_name_id, 0), COALESCE(country_code, ''),
			COALESCE(admin1_code, ''), COALESCE(lat, 0), COALESCE(lng, 0),
			COALESCE(population, 0), COALESCE(extra_json, '')
		FROM places
		WHERE kind = ? AND lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?
		ORDER BY population DESC, id LIMIT 1`,
		kind, lat-eps, lat+eps, lng-eps, lng+eps))
}

// AllPlaces streams every place row, for gazetteer index builds.
func (s *Store) AllPlaces() ([]*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kind, COALESCE(canonical_name_id, 0), COALESCE(country_code, ''),
			COALESCE(admin1_code, ''), COALESCE(lat, 0), COALESCE(lng, 0),
			COALESCE(population, 0), COALESCE(extra_json, '')
		FROM places ORDER BY id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "all places")
	}
	defer rows.Close()

	var places []*Place
	for rows.Next() {
		p := &Place{}
		if err := rows.Scan(&p.ID, &p.Kind, &p.CanonicalNameID, &p.CountryCode, &p.Admin1Code,
			&p.Lat, &p.Lng, &p.Population, &p.ExtraJSON); err != nil {
			return nil, err
		}
		places = append(places, p)
	}
	return places, rows.Err()
}

// AllPlaceNames streams every name row, for gazetteer index builds.
func (s *Store) AllPlaceNames() ([]*PlaceName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, place_id, text, normalized, lang, kind FROM place_names ORDER BY id`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "all place names")
	}
	defer rows.Close()

	var names []*PlaceName
	for rows.Next() {
		n := &PlaceName{}
		if err := rows.Scan(&n.ID, &n.PlaceID, &n.Text, &n.Normalized, &n.Lang, &n.Kind); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountryPlaces lists places in a country, optionally filtered by kind.
func (s *Store) CountryPlaces(countryCode, kind string) ([]*Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, COALESCE(canonical_name_id, 0), COALESCE(country_code, ''),
			COALESCE(admin1_code, ''), COALESCE(lat, 0), COALESCE(lng, 0),
			COALESCE(population, 0), COALESCE(extra_json, '')
		FROM places WHERE country_code = ?`
	args := []any{countryCode}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "country places")
	}
	defer rows.Close()

	var places []*Place
	for rows.Next() {
		p := &Place{}
		if err := rows.Scan(&p.ID, &p.Kind, &p.CanonicalNameID, &p.CountryCode, &p.Admin1Code,
			&p.Lat, &p.Lng, &p.Population, &p.ExtraJSON); err != nil {
			return nil, err
		}
		places = append(places, p)
	}
	return places, rows.Err()
}

// PlaceCount counts all places.
func (s *Store) PlaceCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM places`).Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "place count")
	}
	return n, nil
}

// --- Ingestion runs ---

// HasCompletedRun reports whether (source, version) already ingested.
func (s *Store) HasCompletedRun(source, version string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM ingestion_runs
		WHERE source = ? AND source_version = ? AND status = ?
	`, source, version, RunCompleted).Scan(&n)
	if err != nil {
		return false, errkind.Wrap(errkind.StorageFailure, err, "check run")
	}
	return n > 0, nil
}

// StartIngestionRun opens a run for (source, version). A run already in
// progress, or an already-completed version without force, fails the
// precondition.
func (s *Store) StartIngestionRun(source, version string, force bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM ingestion_runs WHERE source = ? AND status = ?
	`, source, RunRunning).Scan(&running)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "check running ingestion")
	}
	if running > 0 {
		return 0, errkind.Newf(errkind.PreconditionFailed, "ingestion already running for %s", source)
	}

	if !force {
		var completed int
		err = s.db.QueryRow(`
			SELECT COUNT(*) FROM ingestion_runs WHERE source = ? AND source_version = ? AND status = ?
		`, source, version, RunCompleted).Scan(&completed)
		if err != nil {
			return 0, errkind.Wrap(errkind.StorageFailure, err, "check completed ingestion")
		}
		if completed > 0 {
			return 0, errkind.Newf(errkind.PreconditionFailed,
				"%s version %s already ingested", source, version)
		}
	}

	result, err := s.db.Exec(`
		INSERT INTO ingestion_runs (source, source_version, status) VALUES (?, ?, ?)
	`, source, version, RunRunning)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "start ingestion run")
	}
	return result.LastInsertId()
}

// CompleteIngestionRun closes a run with its write counters.
func (s *Store) CompleteIngestionRun(runID int64, written, updated, skipped int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE ingestion_runs
		SET status = ?, completed_at = CURRENT_TIMESTAMP, written = ?, updated = ?, skipped = ?
		WHERE id = ?
	`, RunCompleted, written, updated, skipped, runID)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "complete ingestion run")
	}
	return nil
}

// FailIngestionRun closes a run as failed, recording the cause.
func (s *Store) FailIngestionRun(runID int64, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE ingestion_runs
		SET status = ?, completed_at = CURRENT_TIMESTAMP, metadata_json = ?
		WHERE id = ?
	`, RunFailed, cause, runID)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "fail ingestion run")
	}
	return nil
}

// StaleRunningRuns lists runs left in running state, for crash recovery.
func (s *Store) StaleRunningRuns() ([]*IngestionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, source, source_version, status, started_at FROM ingestion_runs WHERE status = ?
	`, RunRunning)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "stale runs")
	}
	defer rows.Close()

	var runs []*IngestionRun
	for rows.Next() {
		r := &IngestionRun{}
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceVersion, &r.Status, &r.StartedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
