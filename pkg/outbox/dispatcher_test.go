package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskflow/pkg/trace"
)

type fakeStore struct {
	events map[int64]*Event
	failed map[int64]time.Time
}

func newFakeStore(events ...*Event) *fakeStore {
	s := &fakeStore{events: map[int64]*Event{}, failed: map[int64]time.Time{}}
	for _, e := range events {
		s.events[e.ID] = e
	}
	return s
}

func (s *fakeStore) GetPendingEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for id := int64(1); id <= int64(len(s.events)) && len(out) < limit; id++ {
		if e, ok := s.events[id]; ok && e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) CountPending(ctx context.Context) (int, error) {
	events, _ := s.GetPendingEvents(ctx, len(s.events))
	return len(events), nil
}

func (s *fakeStore) MarkAsSent(_ context.Context, id int64) error {
	s.events[id].Status = StatusSent
	return nil
}

func (s *fakeStore) MarkAsFailed(_ context.Context, id int64, maxRetries int, next time.Time, cause string) error {
	e := s.events[id]
	e.RetryCount++
	e.LastError = cause
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
	}
	s.failed[id] = next
	return nil
}

func (s *fakeStore) GetEventByID(_ context.Context, id int64) (*Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return e, nil
}

func (s *fakeStore) GetFailedEvents(_ context.Context, limit int) ([]*Event, error) {
	var out []*Event
	for _, e := range s.events {
		if e.Status == StatusFailed {
			out = append(out, e)
		}
	}
	return out, nil
}

type published struct {
	routingKey string
	traceID    string
	body       []byte
}

type fakePublisher struct {
	err  error
	sent []published
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	if p.err != nil {
		return p.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, published{routingKey: routingKey, traceID: trace.FromContext(ctx), body: body})
	return nil
}

func pendingEvent(id int64, payload string) *Event {
	return &Event{ID: id, RoutingKey: "task.status_update", Payload: json.RawMessage(payload), Status: StatusPending}
}

func TestDispatcher_PublishesAndMarksSent(t *testing.T) {
	store := newFakeStore(pendingEvent(1, `{"task_id":"t1","trace_id":"tr-1"}`), pendingEvent(2, `{"task_id":"t2"}`))
	pub := &fakePublisher{}
	d := newDispatcher(store, pub, zap.NewNop())

	sent := d.ProcessPendingEvents(context.Background())

	assert.Equal(t, 2, sent)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "tr-1", pub.sent[0].traceID)
	assert.JSONEq(t, `{"task_id":"t1","trace_id":"tr-1"}`, string(pub.sent[0].body))
	assert.Equal(t, StatusSent, store.events[1].Status)
	assert.Equal(t, StatusSent, store.events[2].Status)
}

func TestDispatcher_FailureSchedulesBackoffThenGivesUp(t *testing.T) {
	store := newFakeStore(pendingEvent(1, `{}`))
	pub := &fakePublisher{err: errors.New("broker down")}
	now := time.Unix(1_700_000_000, 0)
	d := newDispatcher(store, pub, zap.NewNop()).WithMaxRetries(2)
	d.now = func() time.Time { return now }

	assert.Zero(t, d.ProcessPendingEvents(context.Background()))
	assert.Equal(t, StatusPending, store.events[1].Status)
	assert.Equal(t, now.Add(5*time.Second), store.failed[1])
	assert.Equal(t, "broker down", store.events[1].LastError)

	d.ProcessPendingEvents(context.Background())
	assert.Equal(t, StatusFailed, store.events[1].Status)
	assert.Equal(t, 2, store.events[1].RetryCount)
}

func TestReplayService_ReplayFailedEvents(t *testing.T) {
	failed := pendingEvent(1, `{"task_id":"t1"}`)
	failed.Status = StatusFailed
	sent := pendingEvent(2, `{}`)
	sent.Status = StatusSent
	store := newFakeStore(failed, sent)
	pub := &fakePublisher{}
	s := &ReplayService{repo: store, publisher: pub, logger: zap.NewNop()}

	n, err := s.ReplayFailedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusSent, store.events[1].Status)

	require.NoError(t, s.ReplayEvent(context.Background(), 2))
	assert.Len(t, pub.sent, 1)

	assert.ErrorIs(t, s.ReplayEvent(context.Background(), 99), ErrEventNotFound)
}
