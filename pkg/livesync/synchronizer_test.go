package livesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/models"
)

const waitFor = 2 * time.Second

type fakeSubscription struct {
	updates   chan Update
	closed    chan struct{}
	closeOnce sync.Once
}

func (f *fakeSubscription) Updates() <-chan Update { return f.updates }

func (f *fakeSubscription) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fakeSubscriber hands out subscriptions that tests feed by hand.
type fakeSubscriber struct {
	mu       sync.Mutex
	subs     map[models.Collection]*fakeSubscription
	failures map[models.Collection]error
	opened   int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		subs:     make(map[models.Collection]*fakeSubscription),
		failures: make(map[models.Collection]error),
	}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, c models.Collection) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if err := f.failures[c]; err != nil {
		return nil, err
	}
	sub := &fakeSubscription{updates: make(chan Update), closed: make(chan struct{})}
	f.subs[c] = sub
	return sub, nil
}

func (f *fakeSubscriber) sub(t *testing.T, c models.Collection) *fakeSubscription {
	t.Helper()
	var sub *fakeSubscription
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub = f.subs[c]
		return sub != nil
	}, waitFor, time.Millisecond)
	return sub
}

// deliver hands u to the worker for c. It reports false if the subscription
// was closed first.
func (f *fakeSubscriber) deliver(t *testing.T, c models.Collection, u Update) bool {
	t.Helper()
	sub := f.sub(t, c)
	select {
	case sub.updates <- u:
		return true
	case <-sub.closed:
		return false
	case <-time.After(waitFor):
		t.Fatalf("nobody is reading %s", c)
		return false
	}
}

func records(ids ...string) Update {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "createdBy": "u1"})
	}
	return Update{Records: out}
}

func waitState(t *testing.T, h *Handle, cond func(State) bool) State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.State()) }, waitFor, time.Millisecond)
	return h.State()
}

func delivered(c models.Collection) func(State) bool {
	return func(s State) bool { return s.Delivered(c) }
}

func TestStartWithoutIdentityIsNoop(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "")

	assert.Nil(t, h)
	assert.False(t, h.State().Started())
	assert.Nil(t, h.State().Collections)
	assert.Nil(t, h.Changes())
	h.Stop()
	<-h.Done()
	assert.Zero(t, subscriber.opened)
}

func TestLoadingFlipsAfterSixthCollection(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)
	assert.Equal(t, "u1", h.Identity())

	order := []models.Collection{models.Notes, models.Quotas, models.Tickets, models.Requests, models.Projects, models.Profiles}
	for i, c := range order {
		require.True(t, h.State().Loading, "loading cleared before delivery %d", i+1)
		require.True(t, subscriber.deliver(t, c, records(string(c)+"-1")))
		waitState(t, h, delivered(c))
	}

	s := h.State()
	assert.False(t, s.Loading)
	assert.True(t, s.Ready())
	for _, c := range order {
		require.Len(t, s.Records(c), 1)
		assert.Equal(t, string(c)+"-1", s.Records(c)[0].ID())
	}
}

func TestBurstDeliveryInReverseOrder(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)

	collections := models.Collections()
	var wg sync.WaitGroup
	for i := len(collections) - 1; i >= 0; i-- {
		c := collections[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			subscriber.deliver(t, c, records("a"))
			subscriber.deliver(t, c, records("a", "b"))
		}()
	}
	wg.Wait()

	s := waitState(t, h, func(s State) bool {
		for _, c := range collections {
			if len(s.Records(c)) != 2 {
				return false
			}
		}
		return true
	})
	assert.False(t, s.Loading)
}

func TestFailureIsStickyAndOthersContinue(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)

	subscriber.deliver(t, models.Profiles, records("p1"))
	subscriber.deliver(t, models.Quotas, records("q1"))
	subscriber.deliver(t, models.Tickets, Update{Err: constants.ErrPermission})

	s := waitState(t, h, func(s State) bool { return s.Err != nil })
	assert.Equal(t, models.Tickets, s.Err.Collection)
	assert.ErrorIs(t, s.Err, constants.ErrPermission)
	assert.True(t, s.Loading)

	for _, c := range []models.Collection{models.Notes, models.Projects, models.Requests} {
		subscriber.deliver(t, c, records(string(c)+"-1"))
		s = waitState(t, h, delivered(c))
		assert.Len(t, s.Records(c), 1)
	}
	assert.True(t, s.Loading)
	assert.Equal(t, models.Tickets, s.Err.Collection)
}

func TestEndedSubscriptionIsReported(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)

	subscriber.deliver(t, models.Notes, records("n1"))
	waitState(t, h, delivered(models.Notes))

	close(subscriber.sub(t, models.Notes).updates)

	s := waitState(t, h, func(s State) bool { return s.Err != nil })
	assert.Equal(t, models.Notes, s.Err.Collection)
	assert.ErrorIs(t, s.Err, constants.ErrClosed)
	assert.Len(t, s.Records(models.Notes), 1, "last snapshot is kept")
}

func TestSubscribeFailureIsReported(t *testing.T) {
	subscriber := newFakeSubscriber()
	subscriber.failures[models.Quotas] = errors.New("dial tcp: connection refused")
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)

	s := waitState(t, h, func(s State) bool { return s.Err != nil })
	assert.Equal(t, models.Quotas, s.Err.Collection)
}

func TestLateSnapshotAfterStopIsDiscarded(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")

	for _, c := range models.Collections() {
		subscriber.deliver(t, c, records("r1"))
	}
	waitState(t, h, func(s State) bool { return !s.Loading })

	h.Stop()
	frozen := h.State()
	assert.True(t, frozen.Stopped)

	assert.False(t, subscriber.deliver(t, models.Requests, records("late")))
	assert.Equal(t, frozen, h.State())
	require.Len(t, h.State().Records(models.Requests), 1)
	assert.Equal(t, "r1", h.State().Records(models.Requests)[0].ID())
}

func TestStopTwice(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	subscriber.deliver(t, models.Notes, records("n1"))
	waitState(t, h, delivered(models.Notes))

	h.Stop()
	first := h.State()
	h.Stop()
	assert.Equal(t, first, h.State())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	for _, c := range models.Collections() {
		select {
		case <-subscriber.sub(t, c).closed:
		default:
			t.Fatalf("subscription %s left open", c)
		}
	}
}

func TestCancelingContextStops(t *testing.T) {
	subscriber := newFakeSubscriber()
	ctx, cancel := context.WithCancel(context.Background())
	h := New(subscriber).Start(ctx, "u1")
	subscriber.sub(t, models.Notes)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("handle did not stop")
	}
	assert.True(t, h.State().Stopped)
}

func TestChangesKeepsLatestState(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber, WithCollections(models.Notes)).Start(context.Background(), "u1")

	for _, ids := range [][]string{{"a"}, {"a", "b"}, {"a", "b", "c"}} {
		subscriber.deliver(t, models.Notes, records(ids...))
	}
	timeout := time.After(waitFor)
	for latest := false; !latest; {
		select {
		case s := <-h.Changes():
			latest = len(s.Records(models.Notes)) == 3
			assert.False(t, s.Loading)
		case <-timeout:
			t.Fatal("latest state never published")
		}
	}

	h.Stop()
	var last State
	for s := range h.Changes() {
		last = s
	}
	assert.True(t, last.Stopped)
}

func TestMalformedRecordsSurfaceAsError(t *testing.T) {
	subscriber := newFakeSubscriber()
	h := New(subscriber).Start(context.Background(), "u1")
	t.Cleanup(h.Stop)

	subscriber.deliver(t, models.Notes, Update{Records: []any{
		map[string]any{"id": "n1"},
		map[string]any{"title": "missing id"},
	}})

	s := waitState(t, h, func(s State) bool { return s.Err != nil })
	assert.True(t, s.Delivered(models.Notes))
	assert.Len(t, s.Records(models.Notes), 1)
	assert.Equal(t, models.Notes, s.Err.Collection)
	assert.ErrorIs(t, s.Err, constants.ErrMalformedRecord)
}
