package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// CreateTask registers a background task in the pending state.
func (e *Engine) CreateTask(kind string, params map[string]any) (string, error) {
	if err := e.ensureOpen(); err != nil {
		return "", err
	}
	return e.tasks.Create(kind, params)
}

// StartTask begins a pending or paused task on the task pool.
func (e *Engine) StartTask(ctx context.Context, id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.tasks.Start(ctx, id)
}

// PauseTask signals a running task to persist its cursor and park.
func (e *Engine) PauseTask(id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.tasks.Pause(id)
}

// ResumeTask restarts a paused task from its persisted cursor.
func (e *Engine) ResumeTask(ctx context.Context, id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.tasks.Resume(ctx, id)
}

// StopTask cancels a task for good.
func (e *Engine) StopTask(id string) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	return e.tasks.Stop(id)
}

// GetTask returns the stored task record.
func (e *Engine) GetTask(id string) (*storage.TaskRecord, error) {
	return e.tasks.Get(id)
}

// ListTasks returns task records, optionally filtered by status.
func (e *Engine) ListTasks(status string) ([]*storage.TaskRecord, error) {
	return e.tasks.List(status)
}

// WaitTasks blocks until every running task settles.
func (e *Engine) WaitTasks() { e.tasks.Wait() }

// ResumeInterruptedTasks restarts every paused task from its persisted
// cursor. A full task pool ends the sweep early; the rest stay paused
// for the next call.
func (e *Engine) ResumeInterruptedTasks(ctx context.Context) (int, error) {
	if err := e.ensureOpen(); err != nil {
		return 0, err
	}
	recs, err := e.tasks.List(storage.TaskPaused)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, rec := range recs {
		if err := e.tasks.Resume(ctx, rec.ID); err != nil {
			if errkind.Is(err, errkind.ResourceExhausted) {
				e.logger.Info("task pool full; remaining tasks stay paused",
					zap.Int("resumed", started),
					zap.Int("remaining", len(recs)-started))
				return started, nil
			}
			return started, err
		}
		started++
	}
	return started, nil
}
