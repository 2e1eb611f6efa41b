package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
	"taskflow/internal/repository"
	"taskflow/pkg/circuitbreaker"
	"taskflow/pkg/logger"
	"taskflow/pkg/metrics"
	"taskflow/pkg/retry"
	"taskflow/pkg/trace"
	"taskflow/pkg/util"
)

// StatusNotifier hands a status change to the job queue.
type StatusNotifier interface {
	EnqueueStatusUpdate(ctx context.Context, taskID string, status model.TaskStatus) error
}

// FailedNotificationRecorder keeps notifications that exhausted their retries
// so they can be replayed later.
type FailedNotificationRecorder interface {
	RecordFailedNotification(ctx context.Context, routingKey, aggregateID string, payload any, cause error) error
}

type CreateTaskInput struct {
	Title       string
	Description *string
	Status      model.TaskStatus
	Priority    model.TaskPriority
	DueDate     *time.Time
	UserID      string
}

// TaskMutator performs task writes in a transaction and, once committed,
// enqueues a notification for every status change.
//
// Mutations run on a context detached from the caller's cancellation: a
// client that goes away does not abort a transaction or a retry loop.
type TaskMutator struct {
	store         repository.TaskStore
	notifier      StatusNotifier
	recorder      FailedNotificationRecorder
	enqueuePolicy retry.Policy
	txPolicy      retry.Policy
	readPolicy    retry.Policy
	logger        *zap.Logger
	now           func() time.Time
}

type MutatorOption func(*TaskMutator)

// WithFailedNotificationRecorder stores notifications that could not be enqueued.
func WithFailedNotificationRecorder(r FailedNotificationRecorder) MutatorOption {
	return func(m *TaskMutator) { m.recorder = r }
}

// WithEnqueuePolicy overrides attempts and backoff for post-commit enqueues.
func WithEnqueuePolicy(p retry.Policy) MutatorOption {
	return func(m *TaskMutator) {
		m.enqueuePolicy.Attempts = p.Attempts
		m.enqueuePolicy.InitialDelay = p.InitialDelay
		m.enqueuePolicy.BackoffFactor = p.BackoffFactor
	}
}

// WithStorePolicy overrides attempts and backoff for transient store failures.
func WithStorePolicy(p retry.Policy) MutatorOption {
	return func(m *TaskMutator) {
		m.txPolicy.Attempts, m.readPolicy.Attempts = p.Attempts, p.Attempts
		m.txPolicy.InitialDelay, m.readPolicy.InitialDelay = p.InitialDelay, p.InitialDelay
		m.txPolicy.BackoffFactor, m.readPolicy.BackoffFactor = p.BackoffFactor, p.BackoffFactor
	}
}

func NewTaskMutator(store repository.TaskStore, notifier StatusNotifier, log *zap.Logger, opts ...MutatorOption) *TaskMutator {
	m := &TaskMutator{
		store:    store,
		notifier: notifier,
		logger:   log,
		now:      time.Now,
	}

	m.enqueuePolicy = retry.DefaultPolicy()
	// 熔断打开时重试没有意义
	m.enqueuePolicy.ShouldRetry = func(err error) bool {
		return !errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen)
	}
	m.enqueuePolicy.OnRetry = m.onRetry("enqueue_status")

	m.txPolicy = retry.Policy{Attempts: 3, InitialDelay: 100 * time.Millisecond, BackoffFactor: 2}
	m.txPolicy.ShouldRetry = util.Retryable
	m.txPolicy.OnRetry = m.onRetry("store_tx")

	m.readPolicy = m.txPolicy
	m.readPolicy.OnRetry = m.onRetry("store_read")

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *TaskMutator) onRetry(operation string) func(error, int, time.Duration) {
	return func(err error, attempt int, delay time.Duration) {
		metrics.IncrementRetryAttempt(operation)
		m.logger.Warn("Operation failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}

// Create inserts a task and enqueues its initial status after commit.
// When only the enqueue fails, the created task is returned together with a
// *NotificationError.
func (m *TaskMutator) Create(ctx context.Context, in CreateTaskInput) (*model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, m.logger)

	if in.Status == "" {
		in.Status = model.TaskStatusPending
	}
	if in.Priority == "" {
		in.Priority = model.TaskPriorityMedium
	}
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	// The id is fixed before the first attempt so a replayed insert cannot
	// produce a second row.
	task := &model.Task{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		UserID:      in.UserID,
	}
	err := m.inTx(ctx, "create", m.txPolicy, func(tx repository.TaskTx) error {
		return tx.Create(ctx, task)
	}, func(ctx context.Context) (bool, error) {
		return m.committed(ctx, *task)
	})
	metrics.IncrementTaskMutation("create", err)
	if err != nil {
		log.Error("Failed to create task", zap.String("user_id", in.UserID), zap.Error(err))
		return nil, storeError(err)
	}

	log.Info("Task created", zap.String("task_id", task.ID), zap.String("user_id", task.UserID))
	return task, m.notify(ctx, "create", *task)
}

// Update applies patch and enqueues a notification iff the status value changed.
func (m *TaskMutator) Update(ctx context.Context, id string, patch repository.TaskPatch) (*model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, m.logger).With(zap.String("task_id", id))

	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	var (
		task     *model.Task
		previous model.TaskStatus
	)
	err := m.inTx(ctx, "update", m.txPolicy, func(tx repository.TaskTx) error {
		var err error
		task, err = tx.FindOne(ctx, repository.TaskFilter{IDs: []string{id}})
		if err != nil {
			return err
		}
		previous = task.Status
		patch.Apply(task)
		return tx.Save(ctx, task)
	}, func(ctx context.Context) (bool, error) {
		return m.committed(ctx, *task)
	})
	metrics.IncrementTaskMutation("update", err)
	if err != nil {
		log.Warn("Failed to update task", zap.Error(err))
		return nil, storeError(err)
	}

	if task.Status == previous {
		return task, nil
	}
	log.Info("Task status changed", zap.String("from", string(previous)), zap.String("to", string(task.Status)))
	return task, m.notify(ctx, "update", *task)
}

// BulkUpdateStatus sets status on every listed task in one transaction and
// returns the affected tasks. One notification is enqueued per affected task.
func (m *TaskMutator) BulkUpdateStatus(ctx context.Context, ids []string, status model.TaskStatus) ([]model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, m.logger)

	if len(ids) == 0 {
		return nil, validationError("ids must not be empty")
	}
	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}

	var tasks []model.Task
	err := m.inTx(ctx, "bulk_update_status", m.txPolicy, func(tx repository.TaskTx) error {
		filter := repository.TaskFilter{IDs: ids}
		n, err := tx.Update(ctx, filter, repository.TaskPatch{Status: &status})
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		tasks, err = tx.Find(ctx, filter)
		return err
	}, func(ctx context.Context) (bool, error) {
		return m.committed(ctx, tasks...)
	})
	metrics.IncrementTaskMutation("bulk_update_status", err)
	if err != nil {
		log.Warn("Failed to bulk update task status", zap.Int("requested", len(ids)), zap.Error(err))
		return nil, storeError(err)
	}

	log.Info("Tasks status updated",
		zap.Int("requested", len(ids)),
		zap.Int("affected", len(tasks)),
		zap.String("status", string(status)),
	)
	return tasks, m.notify(ctx, "bulk_update_status", tasks...)
}

// BulkDelete removes the listed tasks in one transaction. Zero affected rows
// is ErrNotFound and nothing is committed.
func (m *TaskMutator) BulkDelete(ctx context.Context, ids []string) (int64, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, m.logger)

	if len(ids) == 0 {
		return 0, validationError("ids must not be empty")
	}

	var deleted int64
	err := m.inTx(ctx, "bulk_delete", m.txPolicy, func(tx repository.TaskTx) error {
		var err error
		deleted, err = tx.Delete(ctx, repository.TaskFilter{IDs: ids})
		if err != nil {
			return err
		}
		if deleted == 0 {
			return repository.ErrNotFound
		}
		return nil
	}, func(ctx context.Context) (bool, error) {
		n, err := m.store.Count(ctx, repository.TaskFilter{IDs: ids})
		return n == 0, err
	})
	metrics.IncrementTaskMutation("bulk_delete", err)
	if err != nil {
		log.Warn("Failed to bulk delete tasks", zap.Int("requested", len(ids)), zap.Error(err))
		return 0, storeError(err)
	}

	log.Info("Tasks deleted", zap.Int("requested", len(ids)), zap.Int64("deleted", deleted))
	return deleted, nil
}

// ApplyStatusUpdateFromQueue is the worker side of a StatusUpdateJob. It sets
// the status transactionally, then re-reads the row. It never enqueues.
// Applying the same status twice leaves the row untouched.
func (m *TaskMutator) ApplyStatusUpdateFromQueue(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.WithTrace(ctx, m.logger).With(zap.String("task_id", id))

	if !status.Valid() {
		return nil, validationError("unknown status %q", status)
	}

	policy := m.txPolicy
	policy.ShouldRetry = func(err error) bool {
		return errors.Is(err, repository.ErrVersionConflict) || util.Retryable(err)
	}

	err := m.inTx(ctx, "apply_status_update", policy, func(tx repository.TaskTx) error {
		task, err := tx.FindOne(ctx, repository.TaskFilter{IDs: []string{id}})
		if err != nil {
			return err
		}
		if task.Status == status {
			return nil
		}
		task.Status = status
		return tx.Save(ctx, task)
	}, func(ctx context.Context) (bool, error) {
		fresh, err := m.store.FindOne(ctx, repository.TaskFilter{IDs: []string{id}})
		if err != nil {
			return false, err
		}
		return fresh.Status == status, nil
	})
	metrics.IncrementTaskMutation("apply_status_update", err)
	if err != nil {
		log.Warn("Failed to apply queued status update", zap.String("status", string(status)), zap.Error(err))
		return nil, storeError(err)
	}

	fresh, err := m.store.FindOne(ctx, repository.TaskFilter{IDs: []string{id}})
	if err != nil {
		return nil, storeError(err)
	}
	log.Info("Queued status update applied", zap.String("status", string(fresh.Status)))
	return fresh, nil
}

// GetOverdueTasks returns tasks due strictly before now that are not completed.
func (m *TaskMutator) GetOverdueTasks(ctx context.Context) ([]model.Task, error) {
	now := m.now()
	completed := model.TaskStatusCompleted
	filter := repository.TaskFilter{
		DueBefore: &now,
		StatusNot: &completed,
		SortBy:    repository.SortByDueDate,
	}

	tasks, err := retry.Do(ctx, m.readPolicy, func(ctx context.Context) ([]model.Task, error) {
		return m.store.Find(ctx, filter)
	})
	if err != nil {
		return nil, storeError(err)
	}
	return tasks, nil
}

// commitError marks a failed Commit. The store may have applied the
// transaction before the error was reported, so it is never retried.
type commitError struct {
	err error
}

func (e *commitError) Error() string { return e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// inTx runs fn in a transaction, retrying the whole unit on errors accepted
// by policy. The connection is released on every path. Rollback failures are
// logged and never replace the original error.
//
// A failed Commit ends the loop. confirm then reads the store to decide
// whether the commit took effect; if it did, inTx reports success so the
// caller still notifies. Otherwise the commit error is returned unwrapped.
func (m *TaskMutator) inTx(
	ctx context.Context,
	op string,
	policy retry.Policy,
	fn func(tx repository.TaskTx) error,
	confirm func(ctx context.Context) (bool, error),
) error {
	shouldRetry := policy.ShouldRetry
	policy.ShouldRetry = func(err error) bool {
		var ce *commitError
		if errors.As(err, &ce) {
			return false
		}
		return shouldRetry == nil || shouldRetry(err)
	}

	err := retry.Run(ctx, policy, func(ctx context.Context) error {
		return m.runTx(ctx, op, fn)
	})
	var ce *commitError
	if !errors.As(err, &ce) {
		return err
	}

	log := logger.WithTrace(ctx, m.logger).With(zap.String("operation", op))
	ok, cerr := retry.Do(ctx, m.readPolicy, confirm)
	switch {
	case cerr != nil:
		log.Error("Commit outcome unknown", zap.Error(ce.err), zap.NamedError("confirm_error", cerr))
	case ok:
		log.Warn("Commit reported an error but was applied", zap.Error(ce.err))
		return nil
	}
	return ce.err
}

// committed reports whether every task is stored with exactly the version and
// status the transaction wrote.
func (m *TaskMutator) committed(ctx context.Context, tasks ...model.Task) (bool, error) {
	if len(tasks) == 0 {
		return false, nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	stored, err := m.store.Find(ctx, repository.TaskFilter{IDs: ids})
	if err != nil {
		return false, err
	}
	byID := make(map[string]model.Task, len(stored))
	for _, t := range stored {
		byID[t.ID] = t
	}
	for _, want := range tasks {
		got, ok := byID[want.ID]
		if !ok || got.Version != want.Version || got.Status != want.Status {
			return false, nil
		}
	}
	return true, nil
}

func (m *TaskMutator) runTx(ctx context.Context, op string, fn func(tx repository.TaskTx) error) (err error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Release()

	defer func() {
		if r := recover(); r != nil {
			m.rollback(ctx, tx, op)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		m.rollback(ctx, tx, op)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		m.rollback(ctx, tx, op)
		return &commitError{err: err}
	}
	return nil
}

func (m *TaskMutator) rollback(ctx context.Context, tx repository.TaskTx, op string) {
	if err := tx.Rollback(ctx); err != nil {
		logger.WithTrace(ctx, m.logger).Error("Rollback failed", zap.String("operation", op), zap.Error(err))
	}
}

// notify enqueues one status notification per task, retried as a whole.
// Committed work is never undone here; a failure is logged, recorded for
// replay and returned as *NotificationError.
func (m *TaskMutator) notify(ctx context.Context, op string, tasks ...model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	err := retry.Run(ctx, m.enqueuePolicy, func(ctx context.Context) error {
		if len(tasks) == 1 {
			return m.notifier.EnqueueStatusUpdate(ctx, tasks[0].ID, tasks[0].Status)
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, t := range tasks {
			g.Go(func() error {
				return m.notifier.EnqueueStatusUpdate(gctx, t.ID, t.Status)
			})
		}
		return g.Wait()
	})
	metrics.IncrementStatusEnqueue(err)
	if err == nil {
		return nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	logger.WithTrace(ctx, m.logger).Error("Status notification failed after commit",
		zap.String("operation", op),
		zap.Strings("task_ids", ids),
		zap.Error(err),
	)
	m.record(ctx, tasks, err)
	return &NotificationError{Op: op, TaskIDs: ids, Err: err}
}

func (m *TaskMutator) record(ctx context.Context, tasks []model.Task, cause error) {
	if m.recorder == nil {
		return
	}
	for _, t := range tasks {
		job := NewStatusUpdateJob(ctx, t.ID, t.Status)
		if err := m.recorder.RecordFailedNotification(ctx, mqcontracts.RoutingKeyTaskStatusUpdate, t.ID, job, cause); err != nil {
			logger.WithTrace(ctx, m.logger).Error("Failed to record failed notification",
				zap.String("task_id", t.ID),
				zap.Error(err),
			)
		}
	}
}

// NewStatusUpdateJob builds the queue message for a status change.
func NewStatusUpdateJob(ctx context.Context, taskID string, status model.TaskStatus) mqcontracts.StatusUpdateJob {
	return mqcontracts.StatusUpdateJob{
		JobID:      uuid.NewString(),
		TaskID:     taskID,
		Status:     string(status),
		TraceID:    trace.FromContext(ctx),
		EnqueuedAt: time.Now().UTC(),
	}
}

func validateCreate(in CreateTaskInput) error {
	switch {
	case in.Title == "":
		return validationError("title is required")
	case in.UserID == "":
		return validationError("user id is required")
	case !in.Status.Valid():
		return validationError("unknown status %q", in.Status)
	case !in.Priority.Valid():
		return validationError("unknown priority %q", in.Priority)
	}
	return nil
}

func validatePatch(p repository.TaskPatch) error {
	if p.Empty() {
		return validationError("nothing to update")
	}
	if p.Title != nil && *p.Title == "" {
		return validationError("title must not be empty")
	}
	if p.Status != nil && !p.Status.Valid() {
		return validationError("unknown status %q", *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return validationError("unknown priority %q", *p.Priority)
	}
	return nil
}

