package livesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
	"github.com/agencyops/opsync/pkg/models"
)

// Synchronizer starts aggregate synchronizations. It holds no per-identity
// state; every Start returns an independent Handle.
type Synchronizer struct {
	subscriber  Subscriber
	collections []models.Collection
	logger      logger.Logger
}

type Option func(*Synchronizer)

// WithCollections replaces the default set of collections.
func WithCollections(collections ...models.Collection) Option {
	return func(s *Synchronizer) {
		s.collections = append([]models.Collection(nil), collections...)
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func New(subscriber Subscriber, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		subscriber:  subscriber,
		collections: models.Collections(),
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins synchronizing on behalf of identity and returns immediately.
// Subscriptions are opened in the background.
//
// An empty identity means "not signed in": nothing is opened and the result
// is nil. Every Handle method accepts a nil receiver.
//
// Canceling ctx stops the handle like Stop does.
func (s *Synchronizer) Start(ctx context.Context, identity string) *Handle {
	if identity == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		identity: identity,
		inbox:    make(chan Event),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		changes:  make(chan State, 1),
		cancel:   cancel,
		logger:   s.logger,
	}
	initial := NewState(s.collections...)
	h.current.Store(&initial)

	for _, c := range s.collections {
		h.workers.Add(1)
		go h.watch(ctx, s.subscriber, c)
	}
	go h.reduce(initial)
	context.AfterFunc(ctx, h.Stop)

	s.logger.Info("synchronizer started", "identity", identity, "collections", len(s.collections))
	return h
}

// Handle is one running synchronization.
type Handle struct {
	identity string

	inbox   chan Event
	current atomic.Pointer[State]
	changes chan State

	cancel   context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}

	logger logger.Logger
}

// Identity returns the identity the handle was started for.
func (h *Handle) Identity() string {
	if h == nil {
		return ""
	}
	return h.identity
}

// State returns the latest aggregate state.
func (h *Handle) State() State {
	if h == nil {
		return State{}
	}
	return *h.current.Load()
}

// Changes delivers the state after each transition. Only the latest state is
// kept for a slow reader. The channel is closed after Stop.
func (h *Handle) Changes() <-chan State {
	if h == nil {
		return nil
	}
	return h.changes
}

// Done is closed once the handle has stopped.
func (h *Handle) Done() <-chan struct{} {
	if h == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.done
}

func (h *Handle) isDone() bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Stop closes every subscription and freezes the state. Events still in flight
// are dropped. Stop may be called any number of times; it returns once the
// handle is fully stopped.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.cancel()
		h.workers.Wait()
		close(h.stopped)
	})
	<-h.done
}

// watch runs one collection's subscription until the handle stops.
func (h *Handle) watch(ctx context.Context, subscriber Subscriber, c models.Collection) {
	defer h.workers.Done()

	sub, err := subscriber.Subscribe(ctx, c)
	if err != nil {
		h.post(ctx, SubscriptionFailed{Collection: c, Err: err})
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			h.logger.Warn("failed to close subscription", "collection", c, "error", err)
		}
	}()

	failed := false
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.Updates():
			if !ok {
				if !failed {
					h.post(ctx, SubscriptionFailed{
						Collection: c,
						Err:        fmt.Errorf("%w: subscription for %s ended", constants.ErrClosed, c),
					})
				}
				return
			}
			for _, ev := range toEvents(c, u) {
				if _, ok := ev.(SubscriptionFailed); ok {
					failed = true
				}
				if !h.post(ctx, ev) {
					return
				}
			}
		}
	}
}

// post hands ev to the reducer. It reports false once the handle is stopping.
func (h *Handle) post(ctx context.Context, ev Event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case h.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// reduce owns the state. It is the only writer of current.
func (h *Handle) reduce(state State) {
	defer close(h.done)
	defer close(h.changes)

	for {
		select {
		case ev := <-h.inbox:
			next := Reduce(state, ev)
			h.logTransition(state, next, ev)
			state = next
			h.publish(state)

		case <-h.stopped:
			state = Reduce(state, Stopped{})
			h.publish(state)
			h.logger.Info("synchronizer stopped", "identity", h.identity)
			return
		}
	}
}

func (h *Handle) publish(s State) {
	h.current.Store(&s)
	select {
	case h.changes <- s:
		return
	default:
	}
	// Replace the unread state with the newer one.
	select {
	case <-h.changes:
	default:
	}
	select {
	case h.changes <- s:
	default:
	}
}

func (h *Handle) logTransition(prev, next State, ev Event) {
	switch ev := ev.(type) {
	case SnapshotReceived:
		h.logger.Debug("snapshot received", "collection", ev.Collection, "records", len(ev.Records))
		if prev.Loading && !next.Loading {
			h.logger.Info("all collections loaded", "identity", h.identity)
		}
	case SubscriptionFailed:
		if prev.Err == nil {
			h.logger.Error("subscription failed", "collection", ev.Collection, "error", ev.Err)
			return
		}
		h.logger.Warn("subscription failed after an earlier failure",
			"collection", ev.Collection, "error", ev.Err, "first", prev.Err.Collection)
	}
}

// toEvents decodes an update. Malformed records are dropped from the snapshot,
// which still counts as delivered, and reported as a failure.
func toEvents(c models.Collection, u Update) []Event {
	if u.Err != nil {
		return []Event{SubscriptionFailed{Collection: c, Err: u.Err}}
	}

	records := make([]models.Record, 0, len(u.Records))
	skipped := 0
	for _, raw := range u.Records {
		rec, err := models.AsRecord(raw)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}

	events := []Event{SnapshotReceived{Collection: c, Records: records}}
	if skipped > 0 {
		events = append(events, SubscriptionFailed{
			Collection: c,
			Err:        fmt.Errorf("%w: skipped %d of %d records", constants.ErrMalformedRecord, skipped, len(u.Records)),
		})
	}
	return events
}
