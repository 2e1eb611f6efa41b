package service

import (
	"context"

	"taskflow/internal/model"
	"taskflow/internal/repository"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Viewer is the authenticated caller a query runs on behalf of.
type Viewer struct {
	UserID string
	// SeeAll lifts the owner restriction (admins).
	SeeAll bool
}

type TaskPage struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int64        `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// TaskQuery serves read-only task listings.
type TaskQuery struct {
	store repository.TaskReader
}

func NewTaskQuery(store repository.TaskReader) *TaskQuery {
	return &TaskQuery{store: store}
}

func (q *TaskQuery) scope(v Viewer, f repository.TaskFilter) repository.TaskFilter {
	if !v.SeeAll {
		f.UserID = v.UserID
	}
	return f
}

// Get returns ErrNotFound for tasks the viewer may not see.
func (q *TaskQuery) Get(ctx context.Context, v Viewer, id string) (*model.Task, error) {
	task, err := q.store.FindOne(ctx, q.scope(v, repository.TaskFilter{IDs: []string{id}}))
	if err != nil {
		return nil, storeError(err)
	}
	return task, nil
}

// List returns one page of matching tasks plus the total match count.
func (q *TaskQuery) List(ctx context.Context, v Viewer, f repository.TaskFilter) (*TaskPage, error) {
	f = q.scope(v, f)
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.SortBy != "" && !repository.ValidSortBy(f.SortBy) {
		return nil, validationError("cannot sort by %q", f.SortBy)
	}

	total, err := q.store.Count(ctx, f)
	if err != nil {
		return nil, storeError(err)
	}
	tasks, err := q.store.Find(ctx, f)
	if err != nil {
		return nil, storeError(err)
	}
	return &TaskPage{Tasks: tasks, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// OwnedIDs narrows ids to the tasks the viewer may modify, keeping order.
func (q *TaskQuery) OwnedIDs(ctx context.Context, v Viewer, ids []string) ([]string, error) {
	if v.SeeAll || len(ids) == 0 {
		return ids, nil
	}
	tasks, err := q.store.Find(ctx, q.scope(v, repository.TaskFilter{IDs: ids}))
	if err != nil {
		return nil, storeError(err)
	}
	owned := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		owned[t.ID] = true
	}
	out := make([]string, 0, len(tasks))
	for _, id := range ids {
		if owned[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
