package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"taskflow/internal/model"
)

func TestBuilderWhere_Postgres(t *testing.T) {
	status := model.TaskStatusCompleted
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBuilder(PostgresDialect)

	where := b.Where(TaskFilter{
		IDs:           []string{"a", "b"},
		UserID:        "u1",
		StatusNot:     &status,
		DueBefore:     &due,
		TitleContains: "50%_off",
	})

	assert.Equal(t, ` WHERE id IN ($1, $2) AND user_id = $3 AND status <> $4 AND due_date < $5 AND title ILIKE $6 ESCAPE '\'`, where)
	assert.Equal(t, []any{"a", "b", "u1", "COMPLETED", due, `%50\%\_off%`}, b.Args())
}

func TestBuilderWhere_SQLiteTimes(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := NewBuilder(SQLiteDialect)

	where := b.Where(TaskFilter{DueAfter: &due})

	assert.Equal(t, " WHERE due_date > ?", where)
	assert.Equal(t, []any{due.UnixMicro()}, b.Args())
}

func TestBuilderWhere_EmptyAndUnconstrained(t *testing.T) {
	assert.Equal(t, "", NewBuilder(PostgresDialect).Where(TaskFilter{}))
	assert.Equal(t, " WHERE 1 = 0", NewBuilder(PostgresDialect).Where(TaskFilter{IDs: []string{}}))
}

func TestBuilderSet(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	status := model.TaskStatusInProgress
	b := NewBuilder(PostgresDialect)

	set := b.Set(TaskPatch{Status: &status, ClearDueDate: true}, now)
	where := b.Where(TaskFilter{IDs: []string{"x"}})

	assert.Equal(t, " SET status = $1, due_date = NULL, version = version + 1, updated_at = $2", set)
	assert.Equal(t, " WHERE id IN ($3)", where)
	assert.Equal(t, []any{"IN_PROGRESS", now, "x"}, b.Args())
}

func TestBuilderOrderLimit(t *testing.T) {
	b := NewBuilder(PostgresDialect)
	assert.Equal(t, " ORDER BY due_date DESC, id DESC LIMIT $1 OFFSET $2",
		b.OrderLimit(TaskFilter{SortBy: SortByDueDate, SortDesc: true, Limit: 10, Offset: 20}))
	assert.Equal(t, []any{10, 20}, b.Args())

	assert.Equal(t, " ORDER BY created_at ASC, id ASC", NewBuilder(SQLiteDialect).OrderLimit(TaskFilter{SortBy: "bogus"}))
	assert.False(t, ValidSortBy("bogus"))
}

func TestTaskPatchApply(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	title := "new"
	task := model.Task{Title: "old", DueDate: &due}

	assert.True(t, TaskPatch{}.Empty())
	TaskPatch{Title: &title, ClearDueDate: true}.Apply(&task)

	assert.Equal(t, "new", task.Title)
	assert.Nil(t, task.DueDate)
}
