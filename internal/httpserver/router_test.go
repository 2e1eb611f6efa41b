package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskflow/internal/handler"
	"taskflow/internal/model"
	"taskflow/internal/repository/sqlite"
	"taskflow/internal/service"
	"taskflow/pkg/rbac"
	"taskflow/pkg/retry"
	"taskflow/pkg/util"
)

const testSecret = "router-test-secret"

type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (n *recordingNotifier) EnqueueStatusUpdate(_ context.Context, taskID string, status model.TaskStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, taskID+":"+string(status))
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type testAPI struct {
	engine   *gin.Engine
	notifier *recordingNotifier
	users    *sqlite.UserStore
	ready    error
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, RegisterValidators())

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zap.NewNop()
	api := &testAPI{notifier: &recordingNotifier{}, users: sqlite.NewUserStore(db)}
	store := sqlite.NewTaskStore(db, log)
	mutator := service.NewTaskMutator(store, api.notifier, log,
		service.WithEnqueuePolicy(retry.Policy{Attempts: 1}))
	auth := service.NewAuthService(api.users, service.AuthConfig{Secret: testSecret}, log)

	api.engine = NewRouter(RouterDeps{
		Auth:      handler.NewAuthHandler(auth, log),
		Tasks:     handler.NewTaskHandler(mutator, service.NewTaskQuery(store), log),
		JWTSecret: testSecret,
		Ready: map[string]ReadinessCheck{
			"db": store.Ping,
			"mq": func(context.Context) error { return api.ready },
		},
		Logger: log,
	}).Engine
	return api
}

// user inserts a user with the given role and returns an access token.
func (a *testAPI) user(t *testing.T, email, role string) string {
	t.Helper()
	u := &model.User{Email: email, Name: email, PasswordHash: "x", Role: role}
	require.NoError(t, a.users.CreateUser(context.Background(), u))
	token, err := util.GenerateJWT(u.ID, role, util.TokenTypeAccess, testSecret, time.Minute)
	require.NoError(t, err)
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (a *testAPI) createTask(t *testing.T, token string, body map[string]any) model.Task {
	t.Helper()
	w := a.do(t, http.MethodPost, "/tasks", token, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Task](t, w)
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t)

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/readyz", "", nil).Code)

	api.ready = errors.New("channel closed")
	w := api.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "mq_not_ready")
}

func TestAuthFlow(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "ann@example.com", "name": "Ann", "password": "long-password",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "password")

	w = api.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "ann@example.com", "name": "Ann", "password": "long-password",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = api.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "ann@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "ann@example.com", "password": "long-password"})
	require.Equal(t, http.StatusOK, w.Code)
	pair := decode[service.TokenPair](t, w)

	created := api.createTask(t, pair.AccessToken, map[string]any{"title": "with login token"})
	assert.Equal(t, model.TaskStatusPending, created.Status)

	assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodPost, "/auth/logout", pair.AccessToken, nil).Code)
	w = api.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTasks_RequireToken(t *testing.T) {
	api := newTestAPI(t)
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/tasks", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/tasks", "garbage", nil).Code)
}

func TestTasks_CreateValidatesAndNotifies(t *testing.T) {
	api := newTestAPI(t)
	token := api.user(t, "u@example.com", rbac.RoleUser)

	w := api.do(t, http.MethodPost, "/tasks", token, map[string]any{"title": "x", "status": "ARCHIVED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = api.do(t, http.MethodPost, "/tasks", token, map[string]any{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	task := api.createTask(t, token, map[string]any{"title": "write docs", "status": "in_progress", "priority": "high"})
	assert.Equal(t, model.TaskStatusInProgress, task.Status)
	assert.Equal(t, model.TaskPriorityHigh, task.Priority)
	assert.Equal(t, []string{task.ID + ":IN_PROGRESS"}, api.notifier.sent)
}

func TestTasks_EnqueueFailureReturnsBadGateway(t *testing.T) {
	api := newTestAPI(t)
	token := api.user(t, "u@example.com", rbac.RoleUser)
	api.notifier.err = errors.New("broker down")

	w := api.do(t, http.MethodPost, "/tasks", token, map[string]any{"title": "still saved"})
	require.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[struct {
		TaskIDs []string `json:"task_ids"`
	}](t, w)
	require.Len(t, body.TaskIDs, 1)

	api.notifier.err = nil
	w = api.do(t, http.MethodGet, "/tasks/"+body.TaskIDs[0], token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTasks_OwnershipIsEnforced(t *testing.T) {
	api := newTestAPI(t)
	alice := api.user(t, "alice@example.com", rbac.RoleUser)
	bob := api.user(t, "bob@example.com", rbac.RoleUser)
	admin := api.user(t, "admin@example.com", rbac.RoleAdmin)

	task := api.createTask(t, alice, map[string]any{"title": "alice only"})

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/tasks/"+task.ID, bob, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPatch, "/tasks/"+task.ID, bob, map[string]any{"title": "mine"}).Code)
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPatch, "/tasks/bulk/status", bob,
		map[string]any{"ids": []string{task.ID}, "status": "COMPLETED"}).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/tasks/"+task.ID, admin, nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/tasks/not-a-uuid", alice, nil).Code)

	page := decode[service.TaskPage](t, api.do(t, http.MethodGet, "/tasks", bob, nil))
	assert.Zero(t, page.Total)
	page = decode[service.TaskPage](t, api.do(t, http.MethodGet, "/tasks", admin, nil))
	assert.EqualValues(t, 1, page.Total)
}

func TestTasks_UpdateAndBulkStatus(t *testing.T) {
	api := newTestAPI(t)
	token := api.user(t, "u@example.com", rbac.RoleUser)
	a := api.createTask(t, token, map[string]any{"title": "a"})
	b := api.createTask(t, token, map[string]any{"title": "b"})
	before := api.notifier.count()

	w := api.do(t, http.MethodPatch, "/tasks/"+a.ID, token, map[string]any{"title": "a2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a2", decode[model.Task](t, w).Title)
	assert.Equal(t, before, api.notifier.count())

	w = api.do(t, http.MethodPatch, "/tasks/"+a.ID, token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPatch, "/tasks/bulk/status", token,
		map[string]any{"ids": []string{a.ID, b.ID}, "status": "COMPLETED"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["updated"])
	assert.Equal(t, before+2, api.notifier.count())

	page := decode[service.TaskPage](t, api.do(t, http.MethodGet, "/tasks?status=completed&sort_by=title&order=desc", token, nil))
	require.Len(t, page.Tasks, 2)
	assert.Equal(t, "b", page.Tasks[0].Title)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/tasks?sort_by=password", token, nil).Code)
}

func TestTasks_OverdueListing(t *testing.T) {
	api := newTestAPI(t)
	token := api.user(t, "u@example.com", rbac.RoleUser)
	past := time.Now().Add(-48 * time.Hour).UTC()
	future := time.Now().Add(48 * time.Hour).UTC()

	late := api.createTask(t, token, map[string]any{"title": "late", "due_date": past})
	api.createTask(t, token, map[string]any{"title": "later", "due_date": future})
	api.createTask(t, token, map[string]any{"title": "done", "due_date": past, "status": "COMPLETED"})

	page := decode[service.TaskPage](t, api.do(t, http.MethodGet, "/tasks/overdue", token, nil))
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, late.ID, page.Tasks[0].ID)
}

func TestTasks_BulkDeleteRequiresAdmin(t *testing.T) {
	api := newTestAPI(t)
	user := api.user(t, "u@example.com", rbac.RoleUser)
	admin := api.user(t, "admin@example.com", rbac.RoleAdmin)
	task := api.createTask(t, user, map[string]any{"title": "doomed"})
	body := map[string]any{"ids": []string{task.ID}}

	assert.Equal(t, http.StatusForbidden, api.do(t, http.MethodDelete, "/tasks/bulk", user, body).Code)

	w := api.do(t, http.MethodDelete, "/tasks/bulk", admin, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["deleted"])

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodDelete, "/tasks/bulk", admin, body).Code)
}
