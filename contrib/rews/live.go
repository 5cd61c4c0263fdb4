package rews

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

// liveQuery is one live query as the caller sees it. ID is stable; ExternalID
// is the store's id on the current connection and changes on every reconnect.
type liveQuery struct {
	ID         string
	ExternalID string
	Params     []any
	box        *connection.Mailbox
}

type liveQueries struct {
	mu      sync.Mutex
	queries map[string]*liveQuery

	codec  Codec
	logger logger.Logger
}

func newLiveQueries(c Codec, log logger.Logger) *liveQueries {
	return &liveQueries{
		queries: make(map[string]*liveQuery),
		codec:   c,
		logger:  log,
	}
}

// register starts a live query on conn and answers with a stable id in place
// of the store's.
func (lq *liveQueries) register(ctx context.Context, conn connection.Connection, params []any) (*connection.RPCResponse[cbor.RawMessage], error) {
	externalID, err := lq.live(ctx, conn, params)
	if err != nil {
		return nil, err
	}

	q := &liveQuery{
		ID:         uuid.Must(uuid.NewV4()).String(),
		ExternalID: externalID,
		Params:     params,
		box:        connection.NewMailbox(),
	}
	lq.mu.Lock()
	lq.queries[q.ID] = q
	lq.mu.Unlock()

	lq.route(conn, q, externalID)

	raw, err := lq.codec.Marshal(q.ID)
	if err != nil {
		return nil, err
	}
	result := cbor.RawMessage(raw)
	return &connection.RPCResponse[cbor.RawMessage]{Result: &result}, nil
}

func (lq *liveQueries) live(ctx context.Context, conn connection.Connection, params []any) (string, error) {
	res, err := conn.Send(ctx, string(connection.Live), params...)
	if err != nil {
		return "", err
	}
	var id string
	if res.Result != nil {
		if err := lq.codec.Unmarshal(*res.Result, &id); err != nil {
			return "", fmt.Errorf("decode live query id: %w", err)
		}
	}
	if id == "" {
		return "", fmt.Errorf("live query returned no id")
	}
	return id, nil
}

// route copies notifications for externalID into the stable mailbox, relabelled
// with the stable id, until the underlying stream ends.
func (lq *liveQueries) route(conn connection.Connection, q *liveQuery, externalID string) {
	ch, err := conn.LiveNotifications(externalID)
	if err != nil {
		lq.logger.Error("rews.Connection failed to route live query", "live_id", q.ID, "error", err)
		return
	}
	go func() {
		for n := range ch {
			n.ID = q.ID
			if !q.box.Push(n) {
				return
			}
		}
	}()
}

func (lq *liveQueries) kill(ctx context.Context, conn connection.Connection, params []any) (*connection.RPCResponse[cbor.RawMessage], error) {
	id, _ := firstString(params)

	lq.mu.Lock()
	q, ok := lq.queries[id]
	var externalID string
	if ok {
		externalID = q.ExternalID
		delete(lq.queries, id)
	}
	lq.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, id)
	}
	q.box.Close()

	res, err := conn.Send(ctx, string(connection.Kill), externalID)
	if cerr := conn.CloseLiveNotifications(externalID); cerr != nil {
		lq.logger.Debug("rews.Connection live stream already closed", "live_id", id, "error", cerr)
	}
	return res, err
}

func (lq *liveQueries) notifications(id string) (<-chan connection.Notification, error) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	q, ok := lq.queries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, id)
	}
	return q.box.C(), nil
}

// closeLocal ends the stream without telling the store. rpc.Kill calls it
// after a kill, by which time the query is already gone.
func (lq *liveQueries) closeLocal(id string) error {
	lq.mu.Lock()
	q, ok := lq.queries[id]
	delete(lq.queries, id)
	lq.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, id)
	}
	q.box.Close()
	return nil
}

func (lq *liveQueries) closeAll() {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	for id, q := range lq.queries {
		q.box.Close()
		delete(lq.queries, id)
	}
}

// restore re-registers every live query on a fresh connection and tells each
// consumer to resync. A query that fails to restore is logged and left without
// a route; its consumer keeps its last state.
func (lq *liveQueries) restore(ctx context.Context, conn connection.Connection) {
	lq.mu.Lock()
	queries := make([]*liveQuery, 0, len(lq.queries))
	for _, q := range lq.queries {
		queries = append(queries, q)
	}
	lq.mu.Unlock()

	for _, q := range queries {
		externalID, err := lq.live(ctx, conn, q.Params)
		if err != nil {
			lq.logger.Error("rews.Connection failed to restore live query", "live_id", q.ID, "error", err)
			continue
		}

		lq.mu.Lock()
		old := q.ExternalID
		q.ExternalID = externalID
		lq.mu.Unlock()
		lq.logger.Debug("rews.Connection restored live query", "live_id", q.ID, "old_external", old, "new_external", externalID)

		lq.route(conn, q, externalID)
		q.box.Push(connection.Notification{ID: q.ID, Action: connection.ResyncAction})
	}
}

func firstString(params []any) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	s, ok := params[0].(string)
	return s, ok
}
