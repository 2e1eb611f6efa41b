// Package postgres implements the repository interfaces on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

const taskColumns = `id, title, description, status, priority, due_date, user_id, version, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// taskOps holds the queries shared by the pool and a transaction.
type taskOps struct {
	q      querier
	logger *zap.Logger
}

type TaskStore struct {
	taskOps
	pool *pgxpool.Pool
}

var _ repository.TaskStore = (*TaskStore)(nil)

func NewTaskStore(pool *pgxpool.Pool, logger *zap.Logger) *TaskStore {
	return &TaskStore{taskOps: taskOps{q: pool, logger: logger}, pool: pool}
}

func (s *TaskStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Begin acquires a dedicated connection and opens a transaction on it.
func (s *TaskStore) Begin(ctx context.Context) (repository.TaskTx, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &TaskTx{taskOps: taskOps{q: tx, logger: s.logger}, tx: tx, conn: conn}, nil
}

type TaskTx struct {
	taskOps
	tx   pgx.Tx
	conn *pgxpool.Conn

	mu       sync.Mutex
	finished bool
	released bool
}

func (t *TaskTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	return t.tx.Commit(ctx)
}

func (t *TaskTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Release returns the connection to the pool. Safe to call more than once.
func (t *TaskTx) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	if !t.finished {
		if err := t.tx.Rollback(context.Background()); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			t.logger.Warn("Rollback on release failed", zap.Error(err))
		}
	}
	t.released = true
	t.conn.Release()
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var status, priority string
	err := row.Scan(
		&t.ID,
		&t.Title,
		&t.Description,
		&status,
		&priority,
		&t.DueDate,
		&t.UserID,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.Priority = model.TaskPriority(priority)
	return &t, nil
}

func (o taskOps) Create(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := repository.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.Version = 1

	query := `
        INSERT INTO tasks (` + taskColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `
	_, err := o.q.Exec(ctx, query,
		t.ID,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Priority),
		t.DueDate,
		t.UserID,
		t.Version,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		o.logger.Error("Failed to insert task",
			zap.Error(err),
			zap.String("task_id", t.ID),
			zap.String("user_id", t.UserID),
		)
		return mapError(err)
	}
	o.logger.Debug("Task inserted", zap.String("task_id", t.ID))
	return nil
}

func (o taskOps) Save(ctx context.Context, t *model.Task) error {
	now := repository.Now()
	query := `
        UPDATE tasks
        SET title = $1, description = $2, status = $3, priority = $4, due_date = $5,
            version = version + 1, updated_at = $6
        WHERE id = $7 AND version = $8
    `
	tag, err := o.q.Exec(ctx, query,
		t.Title,
		t.Description,
		string(t.Status),
		string(t.Priority),
		t.DueDate,
		now,
		t.ID,
		t.Version,
	)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := o.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return mapError(err)
		}
		if exists {
			return repository.ErrVersionConflict
		}
		return repository.ErrNotFound
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (o taskOps) Update(ctx context.Context, filter repository.TaskFilter, patch repository.TaskPatch) (int64, error) {
	b := repository.NewBuilder(repository.PostgresDialect)
	query := "UPDATE tasks" + b.Set(patch, repository.Now()) + b.Where(filter)

	tag, err := o.q.Exec(ctx, query, b.Args()...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (o taskOps) Delete(ctx context.Context, filter repository.TaskFilter) (int64, error) {
	b := repository.NewBuilder(repository.PostgresDialect)
	query := "DELETE FROM tasks" + b.Where(filter)

	tag, err := o.q.Exec(ctx, query, b.Args()...)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (o taskOps) FindOne(ctx context.Context, filter repository.TaskFilter) (*model.Task, error) {
	filter.Limit = 1
	filter.Offset = 0
	b := repository.NewBuilder(repository.PostgresDialect)
	query := "SELECT " + taskColumns + " FROM tasks" + b.Where(filter) + b.OrderLimit(filter)

	t, err := scanTask(o.q.QueryRow(ctx, query, b.Args()...))
	if err != nil {
		return nil, mapError(err)
	}
	return t, nil
}

func (o taskOps) Find(ctx context.Context, filter repository.TaskFilter) ([]model.Task, error) {
	b := repository.NewBuilder(repository.PostgresDialect)
	query := "SELECT " + taskColumns + " FROM tasks" + b.Where(filter) + b.OrderLimit(filter)

	rows, err := o.q.Query(ctx, query, b.Args()...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			o.logger.Error("Failed to scan task row", zap.Error(err))
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (o taskOps) Count(ctx context.Context, filter repository.TaskFilter) (int64, error) {
	b := repository.NewBuilder(repository.PostgresDialect)
	var n int64
	if err := o.q.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+b.Where(filter), b.Args()...).Scan(&n); err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
