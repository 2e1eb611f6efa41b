package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

const taskColumns = `id, title, description, status, priority, due_date, user_id, version, created_at, updated_at`

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type taskOps struct {
	q      querier
	logger *zap.Logger
}

type TaskStore struct {
	taskOps
	db *sql.DB
}

var _ repository.TaskStore = (*TaskStore)(nil)

func NewTaskStore(db *sql.DB, logger *zap.Logger) *TaskStore {
	return &TaskStore{taskOps: taskOps{q: db, logger: logger}, db: db}
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *TaskStore) Begin(ctx context.Context) (repository.TaskTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &TaskTx{taskOps: taskOps{q: tx, logger: s.logger}, tx: tx}, nil
}

type TaskTx struct {
	taskOps
	tx *sql.Tx

	mu       sync.Mutex
	finished bool
}

func (t *TaskTx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	return t.tx.Commit()
}

func (t *TaskTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// Release rolls back an unfinished transaction, returning its connection.
func (t *TaskTx) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		t.logger.Warn("Rollback on release failed", zap.Error(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                    model.Task
		description          sql.NullString
		status, priority     string
		dueDate              sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&t.ID,
		&t.Title,
		&description,
		&status,
		&priority,
		&dueDate,
		&t.UserID,
		&t.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		t.Description = &description.String
	}
	if dueDate.Valid {
		d := fromMicros(dueDate.Int64)
		t.DueDate = &d
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(priority)
	t.CreatedAt = fromMicros(createdAt)
	t.UpdatedAt = fromMicros(updatedAt)
	return &t, nil
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullableMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func (o taskOps) Create(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = repository.Now()
	}
	t.UpdatedAt = t.CreatedAt
	t.Version = 1

	_, err := o.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Priority),
		nullableMicros(t.DueDate),
		t.UserID,
		t.Version,
		t.CreatedAt.UnixMicro(),
		t.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		o.logger.Error("Failed to insert task", zap.Error(err), zap.String("task_id", t.ID))
		return mapError(err)
	}
	return nil
}

func (o taskOps) Save(ctx context.Context, t *model.Task) error {
	now := repository.Now()
	res, err := o.q.ExecContext(ctx, `
        UPDATE tasks
        SET title = ?, description = ?, status = ?, priority = ?, due_date = ?,
            version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Priority),
		nullableMicros(t.DueDate),
		now.UnixMicro(),
		t.ID,
		t.Version,
	)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := o.q.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
		switch {
		case isNoRows(err):
			return repository.ErrNotFound
		case err != nil:
			return err
		default:
			return repository.ErrVersionConflict
		}
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (o taskOps) Update(ctx context.Context, filter repository.TaskFilter, patch repository.TaskPatch) (int64, error) {
	b := repository.NewBuilder(repository.SQLiteDialect)
	query := "UPDATE tasks" + b.Set(patch, repository.Now()) + b.Where(filter)
	return o.exec(ctx, query, b.Args())
}

func (o taskOps) Delete(ctx context.Context, filter repository.TaskFilter) (int64, error) {
	b := repository.NewBuilder(repository.SQLiteDialect)
	query := "DELETE FROM tasks" + b.Where(filter)
	return o.exec(ctx, query, b.Args())
}

func (o taskOps) exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := o.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func (o taskOps) FindOne(ctx context.Context, filter repository.TaskFilter) (*model.Task, error) {
	filter.Limit = 1
	filter.Offset = 0
	b := repository.NewBuilder(repository.SQLiteDialect)
	query := "SELECT " + taskColumns + " FROM tasks" + b.Where(filter) + b.OrderLimit(filter)

	t, err := scanTask(o.q.QueryRowContext(ctx, query, b.Args()...))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func (o taskOps) Find(ctx context.Context, filter repository.TaskFilter) ([]model.Task, error) {
	b := repository.NewBuilder(repository.SQLiteDialect)
	query := "SELECT " + taskColumns + " FROM tasks" + b.Where(filter) + b.OrderLimit(filter)

	rows, err := o.q.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (o taskOps) Count(ctx context.Context, filter repository.TaskFilter) (int64, error) {
	b := repository.NewBuilder(repository.SQLiteDialect)
	var n int64
	if err := o.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+b.Where(filter), b.Args()...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case isNoRows(err):
		return repository.ErrNotFound
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	}
	return err
}
