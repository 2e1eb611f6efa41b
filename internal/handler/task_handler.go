package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskflow/internal/model"
	"taskflow/internal/repository"
	"taskflow/internal/service"
)

type TaskHandler struct {
	mutator *service.TaskMutator
	query   *service.TaskQuery
	logger  *zap.Logger
}

func NewTaskHandler(mutator *service.TaskMutator, query *service.TaskQuery, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		mutator: mutator,
		query:   query,
		logger:  logger,
	}
}

type createTaskRequest struct {
	Title       string     `json:"title" binding:"required,max=255"`
	Description *string    `json:"description"`
	Status      string     `json:"status" binding:"omitempty,task_status"`
	Priority    string     `json:"priority" binding:"omitempty,task_priority"`
	DueDate     *time.Time `json:"due_date"`
}

// Create POST /tasks
func (h *TaskHandler) Create(c *gin.Context) {
	userID, _, ok := currentUser(c)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	in := service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		UserID:      userID,
	}
	if req.Status != "" {
		in.Status, _ = model.ParseTaskStatus(req.Status)
	}
	if req.Priority != "" {
		in.Priority, _ = model.ParseTaskPriority(req.Priority)
	}

	task, err := h.mutator.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// Get GET /tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	userID, role, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := taskID(c)
	if !ok {
		return
	}

	task, err := h.query.Get(c.Request.Context(), viewer(userID, role), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type listTasksQuery struct {
	Status    string    `form:"status" binding:"omitempty,task_status"`
	Priority  string    `form:"priority" binding:"omitempty,task_priority"`
	DueBefore time.Time `form:"due_before"`
	DueAfter  time.Time `form:"due_after"`
	Search    string    `form:"q" binding:"max=255"`
	Overdue   bool      `form:"overdue"`
	SortBy    string    `form:"sort_by"`
	Order     string    `form:"order" binding:"omitempty,oneof=asc desc"`
	Limit     int       `form:"limit" binding:"min=0"`
	Offset    int       `form:"offset" binding:"min=0"`
}

func (q listTasksQuery) filter(now time.Time) repository.TaskFilter {
	f := repository.TaskFilter{
		TitleContains: q.Search,
		SortBy:        q.SortBy,
		SortDesc:      q.Order == "desc",
		Limit:         q.Limit,
		Offset:        q.Offset,
	}
	if s, err := model.ParseTaskStatus(q.Status); err == nil {
		f.Status = &s
	}
	if p, err := model.ParseTaskPriority(q.Priority); err == nil {
		f.Priority = &p
	}
	if !q.DueBefore.IsZero() {
		f.DueBefore = &q.DueBefore
	}
	if !q.DueAfter.IsZero() {
		f.DueAfter = &q.DueAfter
	}
	if q.Overdue {
		completed := model.TaskStatusCompleted
		if f.DueBefore == nil || now.Before(*f.DueBefore) {
			f.DueBefore = &now
		}
		f.StatusNot = &completed
	}
	return f
}

// List GET /tasks
func (h *TaskHandler) List(c *gin.Context) {
	userID, role, ok := currentUser(c)
	if !ok {
		return
	}

	var q listTasksQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		bindError(c, err)
		return
	}

	page, err := h.query.List(c.Request.Context(), viewer(userID, role), q.filter(time.Now()))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Overdue GET /tasks/overdue
func (h *TaskHandler) Overdue(c *gin.Context) {
	userID, role, ok := currentUser(c)
	if !ok {
		return
	}

	f := listTasksQuery{Overdue: true, SortBy: repository.SortByDueDate, Limit: service.MaxPageSize}.filter(time.Now())
	page, err := h.query.List(c.Request.Context(), viewer(userID, role), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type updateTaskRequest struct {
	Title        *string    `json:"title" binding:"omitempty,min=1,max=255"`
	Description  *string    `json:"description"`
	Status       *string    `json:"status" binding:"omitempty,task_status"`
	Priority     *string    `json:"priority" binding:"omitempty,task_priority"`
	DueDate      *time.Time `json:"due_date"`
	ClearDueDate bool       `json:"clear_due_date"`
}

func (r updateTaskRequest) patch() repository.TaskPatch {
	p := repository.TaskPatch{
		Title:        r.Title,
		Description:  r.Description,
		DueDate:      r.DueDate,
		ClearDueDate: r.ClearDueDate,
	}
	if r.Status != nil {
		s, _ := model.ParseTaskStatus(*r.Status)
		p.Status = &s
	}
	if r.Priority != nil {
		pr, _ := model.ParseTaskPriority(*r.Priority)
		p.Priority = &pr
	}
	return p
}

// Update PATCH /tasks/:id
func (h *TaskHandler) Update(c *gin.Context) {
	userID, role, ok := currentUser(c)
	if !ok {
		return
	}
	id, ok := taskID(c)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.query.Get(ctx, viewer(userID, role), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	task, err := h.mutator.Update(ctx, id, req.patch())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type bulkStatusRequest struct {
	IDs    []string `json:"ids" binding:"required,min=1,max=500,dive,uuid"`
	Status string   `json:"status" binding:"required,task_status"`
}

// BulkUpdateStatus PATCH /tasks/bulk/status
func (h *TaskHandler) BulkUpdateStatus(c *gin.Context) {
	userID, role, ok := currentUser(c)
	if !ok {
		return
	}

	var req bulkStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	status, _ := model.ParseTaskStatus(req.Status)

	ctx := c.Request.Context()
	ids, err := h.query.OwnedIDs(ctx, viewer(userID, role), req.IDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if len(ids) == 0 {
		respondError(c, h.logger, service.ErrNotFound)
		return
	}

	tasks, err := h.mutator.BulkUpdateStatus(ctx, ids, status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(tasks), "tasks": tasks})
}

type bulkDeleteRequest struct {
	IDs []string `json:"ids" binding:"required,min=1,max=500,dive,uuid"`
}

// BulkDelete DELETE /tasks/bulk
func (h *TaskHandler) BulkDelete(c *gin.Context) {
	var req bulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	deleted, err := h.mutator.BulkDelete(c.Request.Context(), req.IDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func taskID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return "", false
	}
	return id, true
}
