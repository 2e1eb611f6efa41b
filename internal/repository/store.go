package repository

import (
	"context"
	"errors"
	"time"

	"taskflow/internal/model"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrDuplicate       = errors.New("record already exists")
)

// TaskFilter selects tasks. Zero-valued fields do not constrain the query.
// A non-nil empty IDs slice matches nothing.
type TaskFilter struct {
	IDs           []string
	UserID        string
	Status        *model.TaskStatus
	StatusNot     *model.TaskStatus
	Priority      *model.TaskPriority
	DueBefore     *time.Time
	DueAfter      *time.Time
	TitleContains string

	// Only honoured by Find.
	SortBy   string
	SortDesc bool
	Limit    int
	Offset   int
}

// Sortable columns for TaskFilter.SortBy.
const (
	SortByCreatedAt = "created_at"
	SortByUpdatedAt = "updated_at"
	SortByDueDate   = "due_date"
	SortByPriority  = "priority"
	SortByTitle     = "title"
)

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title        *string
	Description  *string
	Status       *model.TaskStatus
	Priority     *model.TaskPriority
	DueDate      *time.Time
	ClearDueDate bool
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.DueDate == nil && !p.ClearDueDate
}

// Apply copies the patch onto t.
func (p TaskPatch) Apply(t *model.Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		d := *p.Description
		t.Description = &d
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ClearDueDate {
		t.DueDate = nil
	}
	if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
}

type TaskReader interface {
	// FindOne returns ErrNotFound when nothing matches.
	FindOne(ctx context.Context, filter TaskFilter) (*model.Task, error)
	Find(ctx context.Context, filter TaskFilter) ([]model.Task, error)
	Count(ctx context.Context, filter TaskFilter) (int64, error)
}

type TaskWriter interface {
	// Create assigns ID, version and timestamps when they are empty.
	Create(ctx context.Context, task *model.Task) error
	// Save writes every field of task, guarded by task.Version. On success the
	// version is incremented in place. A stale version yields ErrVersionConflict.
	Save(ctx context.Context, task *model.Task) error
	// Update applies patch to all matching rows and returns the affected count.
	Update(ctx context.Context, filter TaskFilter, patch TaskPatch) (int64, error)
	// Delete removes all matching rows and returns the affected count.
	Delete(ctx context.Context, filter TaskFilter) (int64, error)
}

// TaskTx is a unit of work on one connection. Release must always be called;
// it rolls back when neither Commit nor Rollback ran.
type TaskTx interface {
	TaskReader
	TaskWriter
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Release()
}

type TaskStore interface {
	TaskReader
	Begin(ctx context.Context) (TaskTx, error)
	Ping(ctx context.Context) error
}

type UserStore interface {
	// CreateUser returns ErrDuplicate when the email is taken.
	CreateUser(ctx context.Context, u *model.User) error
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByID(ctx context.Context, id string) (*model.User, error)
	SetRefreshTokenHash(ctx context.Context, id string, hash *string) error
}

// Now is the clock used for timestamps, truncated to what both backends store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
