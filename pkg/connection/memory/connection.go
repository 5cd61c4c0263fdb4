// Package memory provides an in-process Connection backed by an in-memory
// document store. Every request and response is round-tripped through the
// configured codec so callers observe the same values they would over the wire.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/agencyops/opsync/internal/docstore"
	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

// Store is the shared backend. Several Connections may use the same Store,
// which is how tests model multiple clients of one workspace.
type Store struct {
	docs *docstore.Store
	auth *docstore.Authority
}

func NewStore(secret string) *Store {
	return &Store{
		docs: docstore.New(),
		auth: docstore.NewAuthority(secret, 0),
	}
}

// Restrict denies access to a collection path, for exercising failures.
func (s *Store) Restrict(path string, deny bool) {
	s.docs.Restrict(path, deny)
}

func (s *Store) LiveCount() int {
	return s.docs.LiveCount()
}

type Connection struct {
	connection.Toolkit

	store   *Store
	logger  logger.Logger
	session *docstore.Session

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store *Store, p *connection.Config) *Connection {
	if p.BaseURL == "" {
		p.BaseURL = constants.MemoryScheme + "://local"
	}
	log := p.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Connection{
		Toolkit: connection.NewToolkit(p),
		store:   store,
		logger:  log,
	}
}

func (c *Connection) Connect(ctx context.Context) error {
	if err := c.PreConnectionChecks(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = false
	c.session = docstore.NewSession(c.store.docs, c.store.auth)
	c.session.OnLive = c.forward
	return nil
}

func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.session == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.mu.Unlock()

	session.Close()
	c.CloseAllNotifications()
	c.wg.Wait()
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[cbor.RawMessage], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	session, closed := c.session, c.closed
	c.mu.Unlock()
	if session == nil || closed {
		return nil, constants.ErrClosed
	}

	// Params go through the codec so handlers see decoded wire values,
	// not the caller's Go types.
	data, err := c.Marshaler.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	var wireParams []any
	if err := c.Unmarshaler.Unmarshal(data, &wireParams); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", method, err)
	}

	result, rpcErr := session.Handle(method, wireParams)
	if rpcErr != nil {
		return nil, rpcErr
	}

	raw, err := c.Marshaler.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", method, err)
	}
	msg := cbor.RawMessage(raw)
	return &connection.RPCResponse[cbor.RawMessage]{Result: &msg}, nil
}

// forward moves store notifications into this connection's mailbox, after
// passing them through the codec.
func (c *Connection) forward(id string, box *connection.Mailbox) {
	dst := c.Mailbox(id)
	if dst == nil {
		box.Close()
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for n := range box.C() {
			data, err := c.Marshaler.Marshal(n)
			if err != nil {
				c.logger.Error("failed to encode notification", "live_id", id, "error", err)
				continue
			}
			var wire connection.Notification
			if err := c.Unmarshaler.Unmarshal(data, &wire); err != nil {
				c.logger.Error("failed to decode notification", "live_id", id, "error", err)
				continue
			}
			if !dst.Push(wire) {
				return
			}
		}
	}()
}
