package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/rpc"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
	"github.com/agencyops/opsync/pkg/models"
)

// Update is one delivery from a subscription: either a full snapshot of the
// collection or a failure.
type Update struct {
	Records []any
	Err     error
}

// Subscription is an open stream of updates for one collection.
type Subscription interface {
	// Updates is closed when the subscription ends.
	Updates() <-chan Update
	Close() error
}

// Subscriber opens subscriptions against the backing store.
type Subscriber interface {
	Subscribe(ctx context.Context, c models.Collection) (Subscription, error)
}

// StoreSubscriber subscribes through a store connection.
//
// Each subscription registers a live query on the collection path, selects
// the whole collection as its first snapshot, and selects again after every
// batch of change notifications, so every update is a full snapshot.
type StoreSubscriber struct {
	conn      connection.Connection
	namespace string
	logger    logger.Logger
}

func NewStoreSubscriber(conn connection.Connection, namespace string, log logger.Logger) *StoreSubscriber {
	if namespace == "" {
		namespace = constants.DefaultNamespace
	}
	if log == nil {
		log = logger.Discard()
	}
	return &StoreSubscriber{conn: conn, namespace: namespace, logger: log}
}

func (s *StoreSubscriber) Subscribe(ctx context.Context, c models.Collection) (Subscription, error) {
	path := models.Path(s.namespace, c)

	id, err := rpc.Live(s.conn, ctx, path)
	if err != nil {
		return nil, fmt.Errorf("live %s: %w", path, err)
	}
	notifications, err := s.conn.LiveNotifications(id)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("live %s: %w", path, err), s.kill(id))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &storeSubscription{
		owner:         s,
		path:          path,
		liveID:        id,
		notifications: notifications,
		updates:       make(chan Update),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go sub.run(runCtx)

	s.logger.Debug("subscribed", "collection", c, "live_id", id)
	return sub, nil
}

func (s *StoreSubscriber) kill(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.OneShotTimeout)
	defer cancel()
	return rpc.Kill(s.conn, ctx, id)
}

func (s *StoreSubscriber) selectAll(ctx context.Context, path string) ([]any, error) {
	docs, err := connection.Call[[]any](s.conn, ctx, string(connection.Select), path)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", path, err)
	}
	if docs == nil {
		docs = []any{}
	}
	return docs, nil
}

type storeSubscription struct {
	owner         *StoreSubscriber
	path          string
	liveID        string
	notifications <-chan connection.Notification
	updates       chan Update

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (sub *storeSubscription) Updates() <-chan Update {
	return sub.updates
}

// Close stops the subscription and kills the live query.
func (sub *storeSubscription) Close() error {
	sub.closeOnce.Do(func() {
		sub.cancel()
		<-sub.done
		if sub.owner.conn.IsClosed() {
			_ = sub.owner.conn.CloseLiveNotifications(sub.liveID)
			return
		}
		if err := sub.owner.kill(sub.liveID); err != nil && !errors.Is(err, constants.ErrClosed) {
			sub.closeErr = err
		}
	})
	return sub.closeErr
}

func (sub *storeSubscription) run(ctx context.Context) {
	defer close(sub.done)
	defer close(sub.updates)

	if !sub.snapshot(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.notifications:
			if !ok {
				sub.send(ctx, Update{Err: fmt.Errorf("%w: live stream for %s ended", constants.ErrClosed, sub.path)})
				return
			}
		}

		// Collapse whatever else is already queued into the same re-select.
	drain:
		for {
			select {
			case _, ok := <-sub.notifications:
				if !ok {
					break drain
				}
			default:
				break drain
			}
		}

		if !sub.snapshot(ctx) {
			return
		}
	}
}

// snapshot selects the collection and delivers it. It reports false when
// the subscription should end.
func (sub *storeSubscription) snapshot(ctx context.Context) bool {
	docs, err := sub.owner.selectAll(ctx, sub.path)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		sub.send(ctx, Update{Err: err})
		return !errors.Is(err, constants.ErrClosed)
	}
	return sub.send(ctx, Update{Records: docs})
}

func (sub *storeSubscription) send(ctx context.Context, u Update) bool {
	select {
	case sub.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
