package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// CreateJob inserts a crawl job in status preparing.
func (s *Store) CreateJob(seedURLID int64, crawlType, optionsJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO crawl_jobs (seed_url_id, crawl_type, status, options_json)
		VALUES (?, ?, ?, ?)
	`, seedURLID, crawlType, JobPreparing, optionsJSON)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "create job")
	}
	return result.LastInsertId()
}

// SetJobStatus transitions a job. Running sets started_at on first
// entry; terminal statuses set ended_at.
func (s *Store) SetJobStatus(jobID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch status {
	case JobRunning:
		_, err = s.db.Exec(`
			UPDATE crawl_jobs SET status = ?, started_at = COALESCE(started_at, CURRENT_TIMESTAMP)
			WHERE id = ?`, status, jobID)
	case JobCompleted, JobFailed, JobCancelled:
		_, err = s.db.Exec(`
			UPDATE crawl_jobs SET status = ?, ended_at = CURRENT_TIMESTAMP
			WHERE id = ?`, status, jobID)
	default:
		_, err = s.db.Exec(`UPDATE crawl_jobs SET status = ? WHERE id = ?`, status, jobID)
	}
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "set job status")
	}
	return nil
}

// SetJobEndReason records why a job ended (budget, error category).
func (s *Store) SetJobEndReason(jobID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE crawl_jobs SET end_reason = ? WHERE id = ?`, reason, jobID); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "set end reason")
	}
	return nil
}

// AttachPlan links a confirmed plan to its job.
func (s *Store) AttachPlan(jobID, planID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE crawl_jobs SET plan_id = ? WHERE id = ?`, planID, jobID); err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "attach plan")
	}
	return nil
}

// GetJob loads one job row, or nil.
func (s *Store) GetJob(jobID int64) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j := &Job{}
	var planID sql.NullInt64
	var optionsJSON, endReason sql.NullString
	var startedAt, endedAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT id, seed_url_id, crawl_type, status, plan_id, options_json, end_reason, created_at, started_at, ended_at
		FROM crawl_jobs WHERE id = ?
	`, jobID).Scan(&j.ID, &j.SeedURLID, &j.CrawlType, &j.Status, &planID, &optionsJSON, &endReason,
		&j.CreatedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "get job")
	}

	j.PlanID = planID.Int64
	j.OptionsJSON = optionsJSON.String
	j.EndReason = endReason.String
	j.StartedAt = startedAt.Time
	j.EndedAt = endedAt.Time
	return j, nil
}

// IncompleteJobs lists jobs that can still make progress.
func (s *Store) IncompleteJobs() ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, seed_url_id, crawl_type, status, plan_id, options_json, end_reason, created_at, started_at, ended_at
		FROM crawl_jobs
		WHERE status IN (?, ?, ?, ?)
		ORDER BY id
	`, JobPreparing, JobPlanning, JobRunning, JobPaused)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "incomplete jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var planID sql.NullInt64
		var optionsJSON, endReason sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.SeedURLID, &j.CrawlType, &j.Status, &planID, &optionsJSON,
			&endReason, &j.CreatedAt, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		j.PlanID = planID.Int64
		j.OptionsJSON = optionsJSON.String
		j.EndReason = endReason.String
		j.StartedAt = startedAt.Time
		j.EndedAt = endedAt.Time
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ActiveJobCount counts jobs in running or planning state. The engine
// uses it to enforce single-active-crawl mode.
func (s *Store) ActiveJobCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM crawl_jobs WHERE status IN (?, ?, ?)`,
		JobPreparing, JobPlanning, JobRunning).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "active job count")
	}
	return n, nil
}

// --- Queue events ---

// LogQueueEvent appends one queue observation.
func (s *Store) LogQueueEvent(jobID int64, action string, urlID int64, depth int, bucket string, priority float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO queue_events (job_id, action, url_id, depth, bucket, priority)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, action, urlID, depth, bucket, priority)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "log queue event")
	}
	return nil
}

// PendingQueueEvents reconstructs the pending set of a job: the latest
// discovered/enqueued observation per URL with no later
// visited/saved/skipped/failed observation. Duplicate events collapse.
func (s *Store) PendingQueueEvents(jobID int64) ([]*PendingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT url_id, depth, COALESCE(bucket, 'discovery'), COALESCE(priority, 0)
		FROM queue_events
		WHERE job_id = ? AND action IN ('discovered','enqueued')
		  AND id IN (
			SELECT MAX(id) FROM queue_events
			WHERE job_id = ? AND action IN ('discovered','enqueued')
			GROUP BY url_id
		  )
		  AND url_id NOT IN (
			SELECT url_id FROM queue_events
			WHERE job_id = ? AND action IN ('visited','saved','skipped','failed')
		  )
		ORDER BY id
	`, jobID, jobID, jobID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "pending queue events")
	}
	defer rows.Close()

	var pending []*PendingEntry
	for rows.Next() {
		p := &PendingEntry{}
		if err := rows.Scan(&p.URLID, &p.Depth, &p.Bucket, &p.Priority); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// VisitedURLs returns the url->depth map of URLs a job has already
// visited or saved. Resume seeds the queue's dedup set from it.
func (s *Store) VisitedURLs(jobID int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT url_id, MIN(depth) FROM queue_events
		WHERE job_id = ? AND action IN ('visited','saved')
		GROUP BY url_id
	`, jobID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "visited urls")
	}
	defer rows.Close()

	visited := make(map[int64]int)
	for rows.Next() {
		var urlID int64
		var depth int
		if err := rows.Scan(&urlID, &depth); err != nil {
			return nil, err
		}
		visited[urlID] = depth
	}
	return visited, rows.Err()
}

// QueueEventCount counts a job's events with the given action.
func (s *Store) QueueEventCount(jobID int64, action string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT url_id) FROM queue_events WHERE job_id = ? AND action = ?
	`, jobID, action).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "queue event count")
	}
	return n, nil
}

// --- Milestones and problems ---

// PutMilestone persists a named achievement.
func (s *Store) PutMilestone(jobID int64, kind string, at time.Time, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detailsJSON, _ := json.Marshal(details)
	_, err := s.db.Exec(`
		INSERT INTO milestones (job_id, kind, ts, details_json) VALUES (?, ?, ?, ?)
	`, nullableID(jobID), kind, at, string(detailsJSON))
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "put milestone")
	}
	return nil
}

// PutProblem persists an error report.
func (s *Store) PutProblem(jobID int64, severity, code, message string, urlID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO problems (job_id, severity, code, message, url_id, ts) VALUES (?, ?, ?, ?, ?, ?)
	`, nullableID(jobID), severity, code, message, nullableID(urlID), at)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "put problem")
	}
	return nil
}

// ArchiveEvent implements telemetry.Archiver: milestones and problems
// flow from the bus into their tables.
func (s *Store) ArchiveEvent(ev telemetry.Event) error {
	switch ev.Kind {
	case telemetry.KindMilestone:
		name, _ := ev.Details["name"].(string)
		return s.PutMilestone(ev.JobID, name, ev.At, ev.Details)
	case telemetry.KindProblem:
		severity, _ := ev.Details["severity"].(string)
		code, _ := ev.Details["code"].(string)
		message, _ := ev.Details["message"].(string)
		var urlID int64
		switch v := ev.Details["url_id"].(type) {
		case int64:
			urlID = v
		case float64:
			urlID = int64(v)
		}
		return s.PutProblem(ev.JobID, severity, code, message, urlID, ev.At)
	}
	return nil
}

// MilestoneCount counts persisted milestones for a job.
func (s *Store) MilestoneCount(jobID int64, kind string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM milestones WHERE job_id = ? AND kind = ?`, jobID, kind).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "milestone count")
	}
	return n, nil
}
