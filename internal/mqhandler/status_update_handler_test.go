package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
	"taskflow/internal/service"
)

type applyCall struct {
	id     string
	status model.TaskStatus
}

type fakeApplier struct {
	calls []applyCall
	err   error
}

func (f *fakeApplier) ApplyStatusUpdateFromQueue(_ context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	f.calls = append(f.calls, applyCall{id, status})
	if f.err != nil {
		return nil, f.err
	}
	return &model.Task{ID: id, Status: status}, nil
}

type memDeduper struct {
	seen     map[string]bool
	released []string
}

func newMemDeduper() *memDeduper { return &memDeduper{seen: map[string]bool{}} }

func (d *memDeduper) AcquireOnce(_ context.Context, handler, jobID string) bool {
	key := handler + ":" + jobID
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, jobID string) {
	delete(d.seen, handler+":"+jobID)
	d.released = append(d.released, jobID)
}

func jobBody(t *testing.T, job mqcontracts.StatusUpdateJob) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return b
}

func TestHandleStatusUpdate_AppliesOnceForDuplicateDelivery(t *testing.T) {
	applier := &fakeApplier{}
	h := NewStatusUpdateHandler(applier, newMemDeduper(), zap.NewNop())
	body := jobBody(t, mqcontracts.StatusUpdateJob{JobID: "j-1", TaskID: "t-1", Status: "completed"})

	require.NoError(t, h.HandleStatusUpdate(context.Background(), body))
	require.NoError(t, h.HandleStatusUpdate(context.Background(), body))

	assert.Equal(t, []applyCall{{"t-1", model.TaskStatusCompleted}}, applier.calls)
}

func TestHandleStatusUpdate_MissingTaskIsDropped(t *testing.T) {
	applier := &fakeApplier{err: service.ErrNotFound}
	h := NewStatusUpdateHandler(applier, nil, zap.NewNop())

	err := h.HandleStatusUpdate(context.Background(),
		jobBody(t, mqcontracts.StatusUpdateJob{JobID: "j-2", TaskID: "gone", Status: "PENDING"}))

	assert.NoError(t, err)
	assert.Len(t, applier.calls, 1)
}

func TestHandleStatusUpdate_FailureReleasesMarker(t *testing.T) {
	cause := errors.New("connection reset")
	applier := &fakeApplier{err: cause}
	dedup := newMemDeduper()
	h := NewStatusUpdateHandler(applier, dedup, zap.NewNop())
	body := jobBody(t, mqcontracts.StatusUpdateJob{JobID: "j-3", TaskID: "t-3", Status: "IN_PROGRESS"})

	err := h.HandleStatusUpdate(context.Background(), body)
	assert.ErrorIs(t, err, cause)
	assert.True(t, ShouldRetry(err))
	assert.Equal(t, []string{"j-3"}, dedup.released)

	applier.err = nil
	require.NoError(t, h.HandleStatusUpdate(context.Background(), body))
	assert.Len(t, applier.calls, 2)
}

func TestHandleStatusUpdate_MalformedJobsAreNotRetried(t *testing.T) {
	h := NewStatusUpdateHandler(&fakeApplier{}, nil, zap.NewNop())

	cases := map[string]json.RawMessage{
		"not json":       json.RawMessage(`{`),
		"missing task":   jobBody(t, mqcontracts.StatusUpdateJob{Status: "PENDING"}),
		"unknown status": jobBody(t, mqcontracts.StatusUpdateJob{TaskID: "t", Status: "ARCHIVED"}),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := h.HandleStatusUpdate(context.Background(), body)
			require.ErrorIs(t, err, ErrMalformedJob)
			assert.False(t, ShouldRetry(err))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(fmt.Errorf("wrap: %w", service.ErrValidation)))
	assert.False(t, ShouldRetry(context.Canceled))
	assert.True(t, ShouldRetry(service.ErrConflict))
	assert.True(t, ShouldRetry(errors.New("something odd")))
}
