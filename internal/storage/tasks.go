package storage

import (
	"database/sql"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// CreateTask registers a background task in status pending.
func (s *Store) CreateTask(id, kind, paramsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO background_tasks (id, kind, status, params_json) VALUES (?, ?, ?, ?)
	`, id, kind, TaskPending, paramsJSON)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "create task")
	}
	return nil
}

// SetTaskStatus transitions a task, stamping the matching timestamp.
func (s *Store) SetTaskStatus(id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch status {
	case TaskRunning:
		_, err = s.db.Exec(`
			UPDATE background_tasks
			SET status = ?, started_at = COALESCE(started_at, CURRENT_TIMESTAMP), paused_at = NULL
			WHERE id = ?`, status, id)
	case TaskPaused:
		_, err = s.db.Exec(`
			UPDATE background_tasks SET status = ?, paused_at = CURRENT_TIMESTAMP
			WHERE id = ?`, status, id)
	case TaskCompleted, TaskFailed, TaskCancelled:
		_, err = s.db.Exec(`
			UPDATE background_tasks SET status = ?, error = ?, ended_at = CURRENT_TIMESTAMP
			WHERE id = ?`, status, errMsg, id)
	default:
		_, err = s.db.Exec(`UPDATE background_tasks SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "set task status")
	}
	return nil
}

// UpdateTaskProgress persists progress and resume cursor together so a
// rehydrated task restarts from its last checkpoint.
func (s *Store) UpdateTaskProgress(id, progressJSON, cursorJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE background_tasks SET progress_json = ?, cursor_json = ? WHERE id = ?
	`, progressJSON, cursorJSON, id)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "update task progress")
	}
	return nil
}

// GetTask loads one task row, or nil.
func (s *Store) GetTask(id string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, kind, status, progress_json, cursor_json, params_json, error,
			created_at, started_at, paused_at, ended_at
		FROM background_tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "get task")
	}
	return t, nil
}

// ListTasks lists tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(status string) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, kind, status, progress_json, cursor_json, params_json, error,
			created_at, started_at, paused_at, ended_at
		FROM background_tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "list tasks")
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RehydrateRunningTasks demotes tasks left in running state to paused.
// Called once at startup: a task marked running by a dead process is
// not running anymore.
func (s *Store) RehydrateRunningTasks() ([]*TaskRecord, error) {
	s.mu.Lock()
	_, err := s.db.Exec(`
		UPDATE background_tasks SET status = ?, paused_at = CURRENT_TIMESTAMP WHERE status = ?
	`, TaskPaused, TaskRunning)
	s.mu.Unlock()
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "rehydrate tasks")
	}
	return s.ListTasks(TaskPaused)
}

func scanTask(scan func(...any) error) (*TaskRecord, error) {
	t := &TaskRecord{}
	var progress, cursor, params, errMsg sql.NullString
	var startedAt, pausedAt, endedAt sql.NullTime
	err := scan(&t.ID, &t.Kind, &t.Status, &progress, &cursor, &params, &errMsg,
		&t.CreatedAt, &startedAt, &pausedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	t.ProgressJSON = progress.String
	t.CursorJSON = cursor.String
	t.ParamsJSON = params.String
	t.Error = errMsg.String
	t.StartedAt = startedAt.Time
	t.PausedAt = pausedAt.Time
	t.EndedAt = endedAt.Time
	return t, nil
}
