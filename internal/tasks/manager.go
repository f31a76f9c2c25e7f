// Package tasks runs resumable background maintenance work: content
// recompression, re-analysis, exports and storage vacuuming. Each task
// row persists its progress and a resume cursor, so an interrupted
// task picks up where it stopped, even in a later process.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// persistInterval rate-limits progress writes; checkpoints ride along
// with the next progress write and are forced on exit.
const persistInterval = 500 * time.Millisecond

// Task is one unit of resumable background work. Execute should return
// ctx.Err() promptly once the context is cancelled; the manager decides
// whether that cancellation was a pause or a stop.
type Task interface {
	Kind() string
	Execute(ctx *TaskContext) error
}

// Factory builds a task from its persisted parameters.
type Factory func(params map[string]any) (Task, error)

// TaskContext carries what a running task may touch: its parameters,
// the resume cursor from the previous run, and callbacks for progress
// and checkpointing.
type TaskContext struct {
	context.Context

	ID     string
	Params map[string]any
	Cursor json.RawMessage
	Logger *zap.Logger

	run *run
}

// Progress reports how far the task has come. Writes are rate-limited;
// the latest values always reach storage when the task exits.
func (tc *TaskContext) Progress(current, total int, detail string) {
	tc.run.noteProgress(current, total, detail)
}

// Checkpoint records the resume cursor. It is persisted together with
// the next progress write, and unconditionally when the task exits.
func (tc *TaskContext) Checkpoint(cursor any) {
	tc.run.noteCheckpoint(cursor)
}

// DecodeCursor unmarshals the previous run's cursor into out. Returns
// false when there is no cursor to resume from.
func (tc *TaskContext) DecodeCursor(out any) bool {
	if len(tc.Cursor) == 0 {
		return false
	}
	return json.Unmarshal(tc.Cursor, out) == nil
}

// Cancellation intents. The intent set before the context is cancelled
// decides the terminal status.
const (
	intentPause = "pause"
	intentStop  = "stop"
)

type run struct {
	id     string
	kind   string
	cancel context.CancelFunc

	mu           sync.Mutex
	intent       string
	progressJSON string
	cursorJSON   string
	lastPersist  time.Time

	store  *storage.Store
	bus    *telemetry.Bus
	logger *zap.Logger
	now    func() time.Time
}

func (r *run) noteProgress(current, total int, detail string) {
	b, _ := json.Marshal(map[string]any{
		"current": current,
		"total":   total,
		"detail":  detail,
	})

	r.mu.Lock()
	r.progressJSON = string(b)
	now := r.now()
	due := now.Sub(r.lastPersist) >= persistInterval
	if due {
		r.lastPersist = now
	}
	progress, cursor := r.progressJSON, r.cursorJSON
	r.mu.Unlock()

	if !due {
		return
	}
	if err := r.store.UpdateTaskProgress(r.id, progress, cursor); err != nil {
		r.logger.Warn("task progress write failed", zap.String("task_id", r.id), zap.Error(err))
	}
	if r.bus != nil {
		r.bus.Publish(telemetry.Progress(0, current, total, "task", map[string]any{
			"task_id": r.id,
			"kind":    r.kind,
			"detail":  detail,
		}))
	}
}

func (r *run) noteCheckpoint(cursor any) {
	b, err := json.Marshal(cursor)
	if err != nil {
		r.logger.Warn("task cursor marshal failed", zap.String("task_id", r.id), zap.Error(err))
		return
	}
	r.mu.Lock()
	r.cursorJSON = string(b)
	r.mu.Unlock()
}

// flush force-writes the latest progress and cursor.
func (r *run) flush() {
	r.mu.Lock()
	progress, cursor := r.progressJSON, r.cursorJSON
	r.mu.Unlock()
	if progress == "" && cursor == "" {
		return
	}
	if err := r.store.UpdateTaskProgress(r.id, progress, cursor); err != nil {
		r.logger.Warn("task progress write failed", zap.String("task_id", r.id), zap.Error(err))
	}
}

func (r *run) currentIntent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intent
}

func (r *run) setIntent(intent string) {
	r.mu.Lock()
	if r.intent == "" {
		r.intent = intent
	}
	r.mu.Unlock()
}

// Manager owns the task registry and the bounded execution pool.
type Manager struct {
	store  *storage.Store
	bus    *telemetry.Bus
	logger *zap.Logger
	sem    *semaphore.Weighted
	now    func() time.Time

	mu        sync.Mutex
	factories map[string]Factory
	running   map[string]*run
	closed    bool

	wg sync.WaitGroup
}

// NewManager builds a manager whose pool admits at most maxConcurrent
// tasks at once.
func NewManager(store *storage.Store, bus *telemetry.Bus, maxConcurrent int64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		store:     store,
		bus:       bus,
		logger:    logger.Named("tasks"),
		sem:       semaphore.NewWeighted(maxConcurrent),
		now:       time.Now,
		factories: make(map[string]Factory),
		running:   make(map[string]*run),
	}
}

// Register binds a task kind to its factory. Later registrations for
// the same kind replace earlier ones.
func (m *Manager) Register(kind string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[kind] = f
}

// RehydrateRunning demotes tasks a dead process left in running state
// to paused, returning the rows now eligible for resume. Call once at
// startup before any task starts.
func (m *Manager) RehydrateRunning() ([]*storage.TaskRecord, error) {
	records, err := m.store.RehydrateRunningTasks()
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		m.logger.Info("demoted interrupted tasks to paused", zap.Int("count", len(records)))
	}
	return records, nil
}

// Create registers a new task in status pending and returns its id.
func (m *Manager) Create(kind string, params map[string]any) (string, error) {
	m.mu.Lock()
	_, known := m.factories[kind]
	m.mu.Unlock()
	if !known {
		return "", errkind.Newf(errkind.InvalidInput, "unknown task kind %q", kind)
	}

	paramsJSON := ""
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return "", errkind.Wrap(errkind.InvalidInput, err, "task params")
		}
		paramsJSON = string(b)
	}

	id := uuid.NewString()
	if err := m.store.CreateTask(id, kind, paramsJSON); err != nil {
		return "", err
	}
	m.logger.Info("task created", zap.String("task_id", id), zap.String("kind", kind))
	return id, nil
}

// Start moves a pending or paused task into the pool. It fails with
// ResourceExhausted when the pool is full rather than queueing, so the
// caller can surface the condition immediately.
func (m *Manager) Start(ctx context.Context, id string) error {
	record, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	if record == nil {
		return errkind.Newf(errkind.InvalidInput, "unknown task %q", id)
	}
	if record.Status != storage.TaskPending && record.Status != storage.TaskPaused {
		return errkind.Newf(errkind.PreconditionFailed, "task %s is %s, not startable", id, record.Status)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errkind.New(errkind.PreconditionFailed, "task manager is closed")
	}
	if _, dup := m.running[id]; dup {
		m.mu.Unlock()
		return errkind.Newf(errkind.PreconditionFailed, "task %s is already running", id)
	}
	factory, known := m.factories[record.Kind]
	m.mu.Unlock()
	if !known {
		return errkind.Newf(errkind.InvalidInput, "no factory for task kind %q", record.Kind)
	}

	var params map[string]any
	if record.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(record.ParamsJSON), &params); err != nil {
			return errkind.Wrapf(errkind.InvalidInput, err, "task %s params", id)
		}
	}
	task, err := factory(params)
	if err != nil {
		return err
	}

	if !m.sem.TryAcquire(1) {
		return errkind.New(errkind.ResourceExhausted, "task pool is full")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:     id,
		kind:   record.Kind,
		cancel: cancel,
		store:  m.store,
		bus:    m.bus,
		logger: m.logger,
		now:    m.now,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.sem.Release(1)
		return errkind.New(errkind.PreconditionFailed, "task manager is closed")
	}
	m.running[id] = r
	m.mu.Unlock()

	if err := m.store.SetTaskStatus(id, storage.TaskRunning, ""); err != nil {
		m.mu.Lock()
		delete(m.running, id)
		m.mu.Unlock()
		cancel()
		m.sem.Release(1)
		return err
	}

	tc := &TaskContext{
		Context: runCtx,
		ID:      id,
		Params:  params,
		Cursor:  json.RawMessage(record.CursorJSON),
		Logger:  m.logger.With(zap.String("task_id", id), zap.String("kind", record.Kind)),
		run:     r,
	}

	m.publish(telemetry.Milestone(0, "task-started", map[string]any{
		"task_id": id,
		"kind":    record.Kind,
	}))

	m.wg.Add(1)
	go m.execute(task, tc, r)
	return nil
}

func (m *Manager) execute(task Task, tc *TaskContext, r *run) {
	defer m.wg.Done()
	defer m.sem.Release(1)
	defer r.cancel()

	err := task.Execute(tc)
	r.flush()

	m.mu.Lock()
	delete(m.running, r.id)
	m.mu.Unlock()

	m.settle(r, err)
}

// settle maps the execution result and the cancellation intent onto a
// terminal or paused status. A cancellation with no recorded intent is
// a process shutdown, which parks the task as paused.
func (m *Manager) settle(r *run, err error) {
	status := storage.TaskCompleted
	errMsg := ""
	switch {
	case r.currentIntent() == intentStop:
		status = storage.TaskCancelled
	case r.currentIntent() == intentPause:
		status = storage.TaskPaused
	case err != nil && errors.Is(err, context.Canceled):
		status = storage.TaskPaused
	case err != nil:
		status = storage.TaskFailed
		errMsg = err.Error()
	}

	if werr := m.store.SetTaskStatus(r.id, status, errMsg); werr != nil {
		m.logger.Warn("task status write failed", zap.String("task_id", r.id), zap.Error(werr))
	}

	details := map[string]any{"task_id": r.id, "kind": r.kind, "status": status}
	switch status {
	case storage.TaskFailed:
		m.publish(telemetry.Problem(0, telemetry.SeverityError, string(errkind.Of(err)), err.Error(), 0))
		m.publish(telemetry.Milestone(0, "task-failed", details))
	case storage.TaskPaused:
		m.publish(telemetry.Milestone(0, "task-paused", details))
	case storage.TaskCancelled:
		m.publish(telemetry.Milestone(0, "task-cancelled", details))
	default:
		m.publish(telemetry.Milestone(0, "task-completed", details))
	}
	m.logger.Info("task settled",
		zap.String("task_id", r.id),
		zap.String("kind", r.kind),
		zap.String("status", status),
		zap.Error(err))
}

// Pause asks a running task to stop at its next cancellation check,
// keeping its cursor so it can resume later.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.PreconditionFailed, "task %s is not running", id)
	}
	r.setIntent(intentPause)
	r.cancel()
	return nil
}

// Resume restarts a paused task; it runs from its persisted cursor.
func (m *Manager) Resume(ctx context.Context, id string) error {
	record, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	if record == nil {
		return errkind.Newf(errkind.InvalidInput, "unknown task %q", id)
	}
	if record.Status != storage.TaskPaused {
		return errkind.Newf(errkind.PreconditionFailed, "task %s is %s, not paused", id, record.Status)
	}
	return m.Start(ctx, id)
}

// Stop cancels a task for good. Running tasks are interrupted; pending
// and paused ones move straight to cancelled.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.running[id]
	m.mu.Unlock()
	if ok {
		r.setIntent(intentStop)
		r.cancel()
		return nil
	}

	record, err := m.store.GetTask(id)
	if err != nil {
		return err
	}
	if record == nil {
		return errkind.Newf(errkind.InvalidInput, "unknown task %q", id)
	}
	if record.Status != storage.TaskPending && record.Status != storage.TaskPaused {
		return errkind.Newf(errkind.PreconditionFailed, "task %s is %s, nothing to stop", id, record.Status)
	}
	return m.store.SetTaskStatus(id, storage.TaskCancelled, "")
}

// Get returns the persisted task row, or nil.
func (m *Manager) Get(id string) (*storage.TaskRecord, error) {
	return m.store.GetTask(id)
}

// List returns persisted tasks, optionally filtered by status.
func (m *Manager) List(status string) ([]*storage.TaskRecord, error) {
	return m.store.ListTasks(status)
}

// Wait blocks until every admitted task has settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close pauses all running tasks and waits for them to settle. Paused
// tasks keep their cursors and resume in a later process.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	active := make([]*run, 0, len(m.running))
	for _, r := range m.running {
		active = append(active, r)
	}
	m.mu.Unlock()

	for _, r := range active {
		r.setIntent(intentPause)
		r.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) publish(ev telemetry.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// --- param helpers shared by the built-in tasks ---

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func paramInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
