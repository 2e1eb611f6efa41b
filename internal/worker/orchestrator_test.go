package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "taskflow/contracts/mq"
	"taskflow/internal/model"
)

type fakeSource struct {
	tasks []model.Task
	err   error
	calls int
}

func (f *fakeSource) GetOverdueTasks(context.Context) ([]model.Task, error) {
	f.calls++
	return f.tasks, f.err
}

type fakePublisher struct {
	mu       sync.Mutex
	keys     []string
	payloads []mqcontracts.TaskOverduePayload
	failFor  string
}

func (p *fakePublisher) PublishWithContext(_ context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl := payload.(mqcontracts.TaskOverduePayload)
	if pl.TaskID == p.failFor {
		return errors.New("channel closed")
	}
	p.keys = append(p.keys, routingKey)
	p.payloads = append(p.payloads, pl)
	return nil
}

// windowLock claims one sweep per minute window, like the redis lock.
type windowLock struct {
	claimed map[int64]bool
	err     error
	calls   int
}

func (l *windowLock) ClaimWindow(_ context.Context, now time.Time) (bool, error) {
	l.calls++
	if l.err != nil {
		return false, l.err
	}
	w := now.Truncate(time.Minute).Unix()
	if l.claimed[w] {
		return false, nil
	}
	l.claimed[w] = true
	return true, nil
}

func overdue(id string, due time.Time) model.Task {
	return model.Task{ID: id, UserID: "u-1", Title: "task " + id, Status: model.TaskStatusPending, DueDate: &due}
}

func TestCheckOverdue_PublishesEachTask(t *testing.T) {
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{tasks: []model.Task{overdue("a", due), overdue("b", due)}}
	pub := &fakePublisher{}
	o := NewOrchestrator(src, pub, nil, zap.NewNop())
	o.now = func() time.Time { return due.Add(time.Hour) }

	n := o.CheckOverdue(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{mqcontracts.RoutingKeyTaskOverdue, mqcontracts.RoutingKeyTaskOverdue}, pub.keys)
	require.Len(t, pub.payloads, 2)
	assert.Equal(t, "a", pub.payloads[0].TaskID)
	assert.Equal(t, due, pub.payloads[0].DueDate)
	assert.Equal(t, due.Add(time.Hour), pub.payloads[0].DetectedAt)
	assert.NotEmpty(t, pub.payloads[0].TraceID)
}

func TestCheckOverdue_PublishFailureDoesNotStopSweep(t *testing.T) {
	due := time.Now().Add(-time.Hour)
	src := &fakeSource{tasks: []model.Task{overdue("a", due), overdue("b", due), overdue("c", due)}}
	pub := &fakePublisher{failFor: "b"}

	n := NewOrchestrator(src, pub, nil, zap.NewNop()).CheckOverdue(context.Background())

	assert.Equal(t, 2, n)
	assert.Equal(t, "c", pub.payloads[1].TaskID)
}

func TestCheckOverdue_LookupErrorIsTreatedAsEmpty(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	pub := &fakePublisher{}

	n := NewOrchestrator(src, pub, nil, zap.NewNop()).CheckOverdue(context.Background())

	assert.Zero(t, n)
	assert.Empty(t, pub.keys)
	assert.Equal(t, 1, src.calls)
}

func TestRun_SweepsOnStartAndStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	o := NewOrchestrator(src, &fakePublisher{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx, time.Hour)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.GreaterOrEqual(t, src.calls, 1)
}

func TestCheckOverdue_LockAllowsOneSweepPerInterval(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 5, 0, time.UTC)
	src := &fakeSource{tasks: []model.Task{overdue("a", start.Add(-time.Hour))}}
	pub := &fakePublisher{}
	lock := &windowLock{claimed: map[int64]bool{}}

	replicaA := NewOrchestrator(src, pub, lock, zap.NewNop())
	replicaA.now = func() time.Time { return start }
	replicaB := NewOrchestrator(src, pub, lock, zap.NewNop())
	replicaB.now = func() time.Time { return start.Add(30 * time.Second) }

	assert.Equal(t, 1, replicaA.CheckOverdue(context.Background()))
	assert.Zero(t, replicaB.CheckOverdue(context.Background()))
	assert.Equal(t, 1, src.calls)
	assert.Len(t, pub.payloads, 1)

	replicaB.now = func() time.Time { return start.Add(time.Minute) }
	assert.Equal(t, 1, replicaB.CheckOverdue(context.Background()))
	assert.Equal(t, 2, src.calls)
}

func TestCheckOverdue_LockErrorDegradesToUnlockedSweep(t *testing.T) {
	due := time.Now().Add(-time.Hour)
	src := &fakeSource{tasks: []model.Task{overdue("a", due)}}
	pub := &fakePublisher{}
	lock := &windowLock{err: errors.New("redis: connection refused")}

	n := NewOrchestrator(src, pub, lock, zap.NewNop()).CheckOverdue(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, lock.calls)
	assert.Equal(t, 1, src.calls)
}
