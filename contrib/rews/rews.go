package rews

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	// StateFailed means the Retryer gave up. Only Close leaves it.
	StateFailed
)

func (state State) String() string {
	switch state {
	case StateUnknown:
		return "Unknown"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

func (state State) validateTransitionTo(next State) error {
	switch state {
	case StateDisconnected:
		switch next {
		case StateConnecting, StateDisconnected, StateClosing, StateFailed:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected, StateClosing:
			return nil
		}
	case StateConnected:
		// Connected to Connecting happens when the socket is lost.
		switch next {
		case StateConnecting, StateClosing, StateDisconnected, StateFailed:
			return nil
		}
	case StateFailed:
		if next == StateClosing {
			return nil
		}
	case StateClosing:
		if next == StateClosed {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", state, next)
}

// Codec is what Connection needs to rewrite live query ids in responses.
type Codec interface {
	codec.Marshaler
	codec.Unmarshaler
}

// Connection is a connection.Connection that reconnects on its own.
type Connection[C connection.Connection] struct {
	// NewFunc creates the underlying connection, for the first connect and
	// for every reconnect.
	NewFunc func(context.Context) (C, error)

	// CheckInterval is how often the underlying connection is checked.
	// Defaults to 5 seconds.
	CheckInterval time.Duration

	// Retryer paces reconnect attempts once a loss is detected.
	// Nil makes one attempt per CheckInterval.
	Retryer Retryer

	conn    C
	hasConn bool
	connMu  sync.RWMutex

	connCloseCh       chan int
	reconnLoopCloseCh chan int
	once              sync.Once

	state   State
	stateMu sync.Mutex

	// sessionToken is the token from the last signin or authenticate, replayed
	// after reconnecting.
	sessionToken string
	sessionMu    sync.Mutex

	lives *liveQueries
	codec Codec
	// reconnected counts successful reconnects.
	reconnected int

	logger logger.Logger
}

var _ connection.Connection = (*Connection[connection.Connection])(nil)

func New[C connection.Connection](
	newConn func(context.Context) (C, error),
	checkInterval time.Duration,
	c Codec,
	log logger.Logger,
) *Connection[C] {
	if log == nil {
		log = logger.Discard()
	}
	return &Connection[C]{
		NewFunc:       newConn,
		CheckInterval: checkInterval,
		state:         StateDisconnected,
		lives:         newLiveQueries(c, log),
		codec:         c,
		logger:        log,
	}
}

func (rc *Connection[C]) transitionTo(next State) error {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()

	if err := rc.state.validateTransitionTo(next); err != nil {
		return err
	}
	rc.state = next
	rc.logger.Debug("rews.Connection state transitioned", "new_state", next)
	return nil
}

// State returns the current connection state.
func (rc *Connection[C]) State() State {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()
	return rc.state
}

// Reconnects reports how many times the connection was re-established.
func (rc *Connection[C]) Reconnects() int {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()
	return rc.reconnected
}

// IsClosed reports whether Close was called or reconnecting gave up. A lost
// socket that is still being reconnected is not closed.
func (rc *Connection[C]) IsClosed() bool {
	rc.stateMu.Lock()
	defer rc.stateMu.Unlock()
	return rc.state == StateClosed || rc.state == StateFailed
}

func (rc *Connection[C]) current() (C, bool) {
	rc.connMu.RLock()
	defer rc.connMu.RUnlock()
	return rc.conn, rc.hasConn
}

// Connect dials the first connection and starts the reconnect loop.
//
// A failing first connect is returned as is and not retried: it usually means
// misconfiguration, which retrying does not fix.
func (rc *Connection[C]) Connect(ctx context.Context) error {
	if err := rc.dial(ctx); err != nil {
		return err
	}

	rc.once.Do(func() {
		rc.connCloseCh = make(chan int)
		rc.reconnLoopCloseCh = make(chan int)
		go rc.reconnectionLoop()
	})
	return nil
}

func (rc *Connection[C]) dial(ctx context.Context) error {
	if err := rc.transitionTo(StateConnecting); err != nil {
		return err
	}

	conn, err := rc.NewFunc(ctx)
	if err == nil {
		err = conn.Connect(ctx)
	}
	if err != nil {
		if stateErr := rc.transitionTo(StateDisconnected); stateErr != nil {
			rc.logger.Debug("rews.Connection closed while connecting", "error", stateErr)
		}
		return fmt.Errorf("rews.Connection failed to connect: %w", err)
	}

	rc.connMu.Lock()
	old, hadConn := rc.conn, rc.hasConn
	rc.conn, rc.hasConn = conn, true
	rc.connMu.Unlock()

	if hadConn {
		_ = old.Close(ctx)
	}

	if err := rc.transitionTo(StateConnected); err != nil {
		// Close won the race; do not leak the new socket.
		_ = conn.Close(ctx)
		return err
	}
	return nil
}

// reconnect dials a new connection and restores the session token and live
// queries on it.
func (rc *Connection[C]) reconnect(ctx context.Context) error {
	if err := rc.dial(ctx); err != nil {
		return err
	}

	rc.sessionMu.Lock()
	token := rc.sessionToken
	rc.sessionMu.Unlock()

	conn, _ := rc.current()
	if token != "" {
		if _, err := conn.Send(ctx, string(connection.Authenticate), token); err != nil {
			// The token may have expired; live queries would fail the same way.
			return fmt.Errorf("rews.Connection failed to re-authenticate: %w", err)
		}
	}

	rc.lives.restore(ctx, conn)

	rc.stateMu.Lock()
	rc.reconnected++
	rc.stateMu.Unlock()
	return nil
}

// Send forwards to the underlying connection. Session and live query methods
// are recorded so they can be replayed after a reconnect.
func (rc *Connection[C]) Send(ctx context.Context, method string, params ...any) (*connection.RPCResponse[cbor.RawMessage], error) {
	conn, ok := rc.current()
	if !ok || rc.IsClosed() {
		return nil, constants.ErrClosed
	}

	switch connection.RPCFunction(method) {
	case connection.Live:
		return rc.lives.register(ctx, conn, params)
	case connection.Kill:
		return rc.lives.kill(ctx, conn, params)
	}

	res, err := conn.Send(ctx, method, params...)
	if err != nil {
		return nil, err
	}

	switch connection.RPCFunction(method) {
	case connection.SignIn:
		var token string
		if res.Result != nil {
			if err := rc.codec.Unmarshal(*res.Result, &token); err != nil {
				rc.logger.Warn("rews.Connection could not read signin token", "error", err)
			}
		}
		rc.setToken(token)
	case connection.Authenticate:
		if len(params) > 0 {
			token, _ := params[0].(string)
			rc.setToken(token)
		}
	case connection.Invalidate:
		rc.setToken("")
	}
	return res, nil
}

func (rc *Connection[C]) setToken(token string) {
	rc.sessionMu.Lock()
	defer rc.sessionMu.Unlock()
	rc.sessionToken = token
}

// LiveNotifications returns the stream for a live query id returned by Send.
// The stream outlives reconnects.
func (rc *Connection[C]) LiveNotifications(id string) (<-chan connection.Notification, error) {
	return rc.lives.notifications(id)
}

func (rc *Connection[C]) CloseLiveNotifications(id string) error {
	return rc.lives.closeLocal(id)
}

func (rc *Connection[C]) GetUnmarshaler() codec.Unmarshaler {
	return rc.codec
}

// Close stops the reconnect loop, then closes the underlying connection and
// every live stream.
func (rc *Connection[C]) Close(ctx context.Context) error {
	if err := rc.transitionTo(StateClosing); err != nil {
		if rc.IsClosed() {
			return nil
		}
		return fmt.Errorf("rews.Connection cannot close: %w", err)
	}
	defer func() {
		if err := rc.transitionTo(StateClosed); err != nil {
			rc.logger.Error("BUG: rews.Connection failed to transition to closed state", "error", err)
		}
	}()

	if rc.connCloseCh != nil {
		close(rc.connCloseCh)
		<-rc.reconnLoopCloseCh
	}

	rc.lives.closeAll()

	conn, ok := rc.current()
	if !ok {
		return nil
	}
	return conn.Close(ctx)
}

func (rc *Connection[C]) reconnectionLoop() {
	checkInterval := 5 * time.Second
	if rc.CheckInterval > 0 {
		checkInterval = rc.CheckInterval
	}
	defer close(rc.reconnLoopCloseCh)

	for {
		select {
		case <-rc.connCloseCh:
			return
		case <-time.After(checkInterval):
		}

		if conn, ok := rc.current(); ok && !conn.IsClosed() {
			continue
		}
		rc.logger.Info("rews.Connection lost its connection, reconnecting")
		if err := rc.transitionTo(StateDisconnected); err != nil {
			// Closing.
			return
		}
		if !rc.retry() {
			rc.fail()
			return
		}
	}
}

// retry reconnects until it succeeds, the Retryer gives up or Close is called.
// It reports false only when the Retryer gave up. A nil Retryer makes one
// attempt and leaves the next one to the following check.
func (rc *Connection[C]) retry() bool {
	for attempt := 0; ; attempt++ {
		err := rc.reconnect(context.Background())
		if err == nil {
			if rc.Retryer != nil {
				rc.Retryer.Reset()
			}
			rc.logger.Info("rews.Connection reconnected", "attempts", attempt+1)
			return true
		}
		rc.logger.Error("rews.Connection failed to reconnect", "attempt", attempt, "error", err)

		if rc.Retryer == nil {
			return true
		}
		delay, ok := rc.Retryer.NextDelay(attempt, err)
		if !ok {
			rc.logger.Error("rews.Connection gave up reconnecting", "attempts", attempt+1)
			return false
		}
		select {
		case <-rc.connCloseCh:
			return true
		case <-time.After(delay):
		}
	}
}

// fail moves to StateFailed and ends every live stream, so consumers learn
// the store is gone. Send returns constants.ErrClosed from then on.
func (rc *Connection[C]) fail() {
	if err := rc.transitionTo(StateFailed); err != nil {
		// Close got there first and cleans up.
		return
	}
	rc.lives.closeAll()

	if conn, ok := rc.current(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), constants.OneShotTimeout)
		defer cancel()
		_ = conn.Close(ctx)
	}
}
