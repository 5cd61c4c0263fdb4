// Package gorillaws implements connection.Connection over a gorilla/websocket
// client speaking CBOR-framed RPC to the document store.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"

	gorilla "github.com/gorilla/websocket"
)

// DefaultDialer is gorilla's default dialer with compression enabled and the
// "cbor" subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type Option func(ws *Connection) error

type Connection struct {
	connection.Toolkit

	Conn *gorilla.Conn
	// connLock guards Conn and serializes writes.
	connLock sync.Mutex

	// Timeout bounds how long Send waits for a response once the request is
	// written. Zero defers entirely to the caller's context.
	Timeout time.Duration

	Option []Option
	logger logger.Logger

	// connCloseCh is closed when the connection goes away, for any reason.
	connCloseCh    chan int
	connCloseError error
	closeOnce      sync.Once

	readDone chan struct{}

	// closed never goes back to false; reconnecting means a new Connection.
	closed   bool
	closedMu sync.RWMutex
}

func New(p *connection.Config) *Connection {
	log := p.Logger
	if log == nil {
		log = logger.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Connection{
		Toolkit: connection.NewToolkit(p),
		Timeout: p.Timeout,
		logger:  log,
	}
}

// IsClosed lets wrappers such as rews notice a lost connection and reconnect.
func (c *Connection) IsClosed() bool {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	return c.closed
}

// Connect dials <BaseURL>/rpc and starts the read loop.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.PreConnectionChecks(); err != nil {
		return err
	}

	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", c.BaseURL), nil)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	c.connLock.Lock()
	defer c.connLock.Unlock()

	c.Conn = conn

	for _, option := range c.Option {
		if err := option(c); err != nil {
			return err
		}
	}

	c.connCloseCh = make(chan int)
	c.readDone = make(chan struct{})

	go c.readLoop(conn)

	return nil
}

func (c *Connection) SetTimeOut(timeout time.Duration) *Connection {
	c.Timeout = timeout
	return c
}

func (c *Connection) Logger(logData logger.Logger) *Connection {
	c.logger = logData
	return c
}

func (c *Connection) SetCompression(compress bool) *Connection {
	c.Option = append(c.Option, func(ws *Connection) error {
		ws.Conn.EnableWriteCompression(compress)
		return nil
	})
	return c
}

// Close sends a close frame and closes the socket.
//
// The ctx deadline, if any, bounds the close frame write. The socket is closed
// locally even when the write fails or ctx is done.
func (c *Connection) Close(ctx context.Context) error {
	if c.IsClosed() {
		return nil
	}
	c.closeWithError(constants.ErrClosed)

	c.connLock.Lock()
	conn := c.Conn
	c.Conn = nil
	c.connLock.Unlock()

	if conn == nil {
		return nil
	}

	writeErr := make(chan error, 1)
	go func() {
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetWriteDeadline(deadline); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			c.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	err := conn.Close()
	if c.readDone != nil {
		<-c.readDone
	}
	c.CloseAllNotifications()
	return err
}

// Send writes one request and waits for the response with the same id.
func (c *Connection) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[cbor.RawMessage], error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	if c.connCloseCh == nil {
		return nil, constants.ErrClosed
	}
	select {
	case <-c.connCloseCh:
		return nil, c.closeError()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	id := uuid.Must(uuid.NewV4()).String()
	request := &connection.RPCRequest{
		ID:     id,
		Method: method,
		Params: params,
	}

	responseChan, err := c.CreateResponseChannel(id)
	if err != nil {
		return nil, err
	}
	defer c.RemoveResponseChannel(id)

	if err := c.write(request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", constants.ErrTimeout, method)
		}
		return nil, ctx.Err()
	case <-c.connCloseCh:
		return nil, c.closeError()
	case res := <-responseChan:
		if res.Error != nil {
			return nil, res.Error
		}
		return &res, nil
	}
}

func (c *Connection) write(v any) error {
	data, err := c.Marshaler.Marshal(v)
	if err != nil {
		return err
	}

	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.Conn == nil {
		return constants.ErrClosed
	}
	err = c.Conn.WriteMessage(gorilla.BinaryMessage, data)

	if errors.Is(err, gorilla.ErrCloseSent) {
		c.closeWithError(err)
	}

	return err
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.closedMu.Lock()
		c.closed = true
		c.connCloseError = err
		c.closedMu.Unlock()
		if c.connCloseCh != nil {
			close(c.connCloseCh)
		}
	})
}

func (c *Connection) closeError() error {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()
	if c.connCloseError == nil {
		return constants.ErrClosed
	}
	return c.connCloseError
}

// readLoop handles messages one at a time so live notifications keep the
// order the store produced them in.
func (c *Connection) readLoop(conn *gorilla.Conn) {
	defer close(c.readDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.closeWithError(readError(err))
			c.CloseAllNotifications()
			if !errors.Is(err, net.ErrClosed) && !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				c.logger.Debug("read loop stopped", "error", err)
			}
			return
		}
		c.handleResponse(data)
	}
}

func readError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return net.ErrClosed
	}
	if gorilla.IsUnexpectedCloseError(err) {
		return fmt.Errorf("%w: %w", io.ErrClosedPipe, err)
	}
	return err
}

func (c *Connection) handleResponse(data []byte) {
	var rpcRes connection.RPCResponse[cbor.RawMessage]
	if err := c.Unmarshaler.Unmarshal(data, &rpcRes); err != nil {
		c.logger.Error("failed to decode message", "error", err)
		return
	}

	if id, ok := rpcRes.ID.(string); ok && id != "" {
		responseChan, ok := c.GetResponseChannel(id)
		if !ok {
			c.logger.Warn("response for unknown request", "id", id)
			return
		}
		responseChan <- rpcRes
		return
	}

	if rpcRes.Result == nil {
		// Some errors come back without an id, so no caller can be found.
		if rpcRes.Error != nil {
			c.logger.Error("error in response without id", "error", rpcRes.Error.Message)
		}
		return
	}

	var notification connection.Notification
	if err := c.Unmarshaler.Unmarshal(*rpcRes.Result, &notification); err != nil {
		c.logger.Error("error unmarshaling as notification", "error", err)
		return
	}
	if notification.ID == "" {
		c.logger.Error("notification did not contain an 'id' field")
		return
	}

	box := c.Mailbox(notification.ID)
	if box == nil {
		c.logger.Debug("dropping notification for closed live query", "live_id", notification.ID)
		return
	}
	box.Push(notification)
}
