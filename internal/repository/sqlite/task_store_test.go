package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "taskflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *sql.DB, email string) *model.User {
	t.Helper()
	u := &model.User{Email: email, Name: "Test", PasswordHash: "x", Role: "USER"}
	require.NoError(t, NewUserStore(db).CreateUser(context.Background(), u))
	return u
}

func newTask(userID, title string, status model.TaskStatus, due *time.Time) *model.Task {
	return &model.Task{
		Title:    title,
		Status:   status,
		Priority: model.TaskPriorityMedium,
		DueDate:  due,
		UserID:   userID,
	}
}

func createTask(t *testing.T, store *TaskStore, task *model.Task) *model.Task {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Release()
	require.NoError(t, tx.Create(ctx, task))
	require.NoError(t, tx.Commit(ctx))
	return task
}

func TestTaskStore_CreateAndFindOne(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db, zap.NewNop())
	user := seedUser(t, db, "a@example.com")
	due := time.Date(2026, 5, 1, 9, 30, 0, 123000, time.UTC)
	desc := "write it"

	task := newTask(user.ID, "Report", model.TaskStatusPending, &due)
	task.Description = &desc
	createTask(t, store, task)

	require.NotEmpty(t, task.ID)
	assert.Equal(t, int64(1), task.Version)

	got, err := store.FindOne(context.Background(), repository.TaskFilter{IDs: []string{task.ID}})
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = store.FindOne(context.Background(), repository.TaskFilter{IDs: []string{"missing"}})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTaskStore_FindFilters(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db, zap.NewNop())
	ctx := context.Background()
	alice := seedUser(t, db, "alice@example.com")
	bob := seedUser(t, db, "bob@example.com")

	now := time.Now().UTC()
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	overdue := createTask(t, store, newTask(alice.ID, "Pay invoice", model.TaskStatusPending, &past))
	createTask(t, store, newTask(alice.ID, "Done long ago", model.TaskStatusCompleted, &past))
	createTask(t, store, newTask(alice.ID, "Plan trip", model.TaskStatusInProgress, &future))
	bobs := createTask(t, store, newTask(bob.ID, "Overdue bob", model.TaskStatusInProgress, &past))
	createTask(t, store, newTask(bob.ID, "No due date", model.TaskStatusPending, nil))

	completed := model.TaskStatusCompleted
	got, err := store.Find(ctx, repository.TaskFilter{DueBefore: &now, StatusNot: &completed, SortBy: repository.SortByTitle})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, bobs.ID, got[0].ID)
	assert.Equal(t, overdue.ID, got[1].ID)

	got, err = store.Find(ctx, repository.TaskFilter{UserID: alice.ID, TitleContains: "PAY"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, overdue.ID, got[0].ID)

	n, err := store.Count(ctx, repository.TaskFilter{UserID: bob.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	page, err := store.Find(ctx, repository.TaskFilter{SortBy: repository.SortByTitle, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "No due date", page[0].Title)
}

func TestTaskStore_SaveVersionConflict(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db, zap.NewNop())
	ctx := context.Background()
	user := seedUser(t, db, "a@example.com")
	task := createTask(t, store, newTask(user.ID, "Race", model.TaskStatusPending, nil))

	first := *task
	second := *task

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	first.Status = model.TaskStatusInProgress
	require.NoError(t, tx.Save(ctx, &first))
	require.NoError(t, tx.Commit(ctx))
	tx.Release()
	assert.Equal(t, int64(2), first.Version)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Release()
	second.Status = model.TaskStatusCompleted
	assert.ErrorIs(t, tx.Save(ctx, &second), repository.ErrVersionConflict)

	ghost := model.Task{ID: "ghost", Title: "x", Status: model.TaskStatusPending, Priority: model.TaskPriorityLow, Version: 1}
	assert.ErrorIs(t, tx.Save(ctx, &ghost), repository.ErrNotFound)
}

func TestTaskStore_UpdateAndDeleteByFilter(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db, zap.NewNop())
	ctx := context.Background()
	user := seedUser(t, db, "a@example.com")
	a := createTask(t, store, newTask(user.ID, "A", model.TaskStatusPending, nil))
	b := createTask(t, store, newTask(user.ID, "B", model.TaskStatusPending, nil))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	status := model.TaskStatusCompleted
	n, err := tx.Update(ctx, repository.TaskFilter{IDs: []string{a.ID, b.ID, "missing"}}, repository.TaskPatch{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Commit(ctx))
	tx.Release()

	got, err := store.FindOne(ctx, repository.TaskFilter{IDs: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Equal(t, int64(2), got.Version)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	n, err = tx.Delete(ctx, repository.TaskFilter{IDs: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Commit(ctx))
	tx.Release()

	_, err = store.FindOne(ctx, repository.TaskFilter{IDs: []string{a.ID}})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTaskStore_RollbackAndReleaseDiscardWrites(t *testing.T) {
	db := openTestDB(t)
	store := NewTaskStore(db, zap.NewNop())
	ctx := context.Background()
	user := seedUser(t, db, "a@example.com")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	rolledBack := newTask(user.ID, "rolled back", model.TaskStatusPending, nil)
	require.NoError(t, tx.Create(ctx, rolledBack))
	require.NoError(t, tx.Rollback(ctx))
	tx.Release()

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	released := newTask(user.ID, "released", model.TaskStatusPending, nil)
	require.NoError(t, tx.Create(ctx, released))
	tx.Release()
	tx.Release()

	n, err := store.Count(ctx, repository.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUserStore(t *testing.T) {
	db := openTestDB(t)
	users := NewUserStore(db)
	ctx := context.Background()

	u := seedUser(t, db, "a@example.com")

	err := users.CreateUser(ctx, &model.User{Email: "a@example.com", Name: "Dup", PasswordHash: "x", Role: "USER"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	hash := "h"
	require.NoError(t, users.SetRefreshTokenHash(ctx, u.ID, &hash))
	got, err := users.FindByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, got.RefreshTokenHash)
	assert.Equal(t, "h", *got.RefreshTokenHash)

	require.NoError(t, users.SetRefreshTokenHash(ctx, u.ID, nil))
	got, err = users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RefreshTokenHash)

	_, err = users.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, users.SetRefreshTokenHash(ctx, "missing", nil), repository.ErrNotFound)
}
