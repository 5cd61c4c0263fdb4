// Package docserver serves the document store over WebSocket, speaking the
// CBOR-framed RPC protocol that pkg/connection/gorillaws dials.
//
// Each socket gets its own docstore.Session, so authentication and live queries
// are per connection while documents are shared. Live notifications are
// written in the order the store produced them.
//
// The server doubles as a test fixture: stub responses can override any data
// method, and failures (delays, close frames, dropped connections) can be
// injected per stub or globally.
package docserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/internal/docstore"
	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/logger"
)

// FailureType is the kind of failure to inject while handling a request.
type FailureType string

const (
	FailureNone FailureType = "none"
	// FailureRequestDelay sleeps before handling the request.
	FailureRequestDelay FailureType = "request_delay"
	// FailureResponseDelay sends the response from the background after a delay.
	FailureResponseDelay FailureType = "response_delay"
	// FailureInvalidResponse writes random bytes instead of a response.
	FailureInvalidResponse FailureType = "invalid_response"
	// FailureWebSocketClose sends a close frame.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection closes the underlying network connection.
	FailureDropConnection FailureType = "drop_connection"
)

// RequestMatcher selects requests by method and, optionally, by params.
type RequestMatcher struct {
	Method  string
	Matcher func(params []any) bool
}

// StubResponse replaces the store's answer for matching requests.
type StubResponse struct {
	Matcher RequestMatcher
	// Result is returned when Error is nil. A nil Result with no Error and no
	// Failures lets the request through to the store; use Failures alone to
	// disturb real traffic.
	Result   any
	Error    *connection.RPCError
	Failures []FailureConfig
}

type FailureConfig struct {
	Type FailureType
	// Probability in [0, 1].
	Probability float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	CloseCode   uint16
	CloseReason string
}

// errHandled means the failure already dealt with the request.
var errHandled = errors.New("request handled by failure injection")

type Server struct {
	addr       string
	listener   net.Listener
	upgrader   *gws.Upgrader
	httpServer *http.Server
	served     chan struct{}

	store *docstore.Store
	auth  *docstore.Authority

	mu             sync.RWMutex
	stubResponses  []StubResponse
	globalFailures []FailureConfig
	sessions       map[*gws.Conn]*docstore.Session

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger
}

type Option func(*Server)

// WithStore serves an existing store, e.g. one shared with a memory connection.
func WithStore(store *docstore.Store) Option {
	return func(s *Server) { s.store = store }
}

func WithAuthority(auth *docstore.Authority) Option {
	return func(s *Server) { s.auth = auth }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server for addr. Use "127.0.0.1:0" to bind a random port.
func NewServer(addr string, opts ...Option) *Server {
	c := codec.New()
	s := &Server{
		addr:        addr,
		sessions:    make(map[*gws.Conn]*docstore.Session),
		marshaler:   c,
		unmarshaler: c,
		logger:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = docstore.New()
	}
	if s.auth == nil {
		s.auth = docstore.NewAuthority("", 0)
	}

	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{})
	return s
}

// Store returns the backing store.
func (s *Server) Store() *docstore.Store {
	return s.store
}

// AddStubResponse registers a stub. Stubs are matched in the order added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = append(s.stubResponses, stub)
}

// SetGlobalFailures sets failures checked on every request before any stub.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.serveRPC)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.served = make(chan struct{})

	go func() {
		defer close(s.served)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("document server stopped", "error", err)
		}
	}()

	s.logger.Info("document server listening", "address", s.Address())
	return nil
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	go socket.ReadLoop()
}

// Stop stops accepting connections, closes every open socket and waits for
// the accept loop to exit. Upgraded sockets are hijacked, so the HTTP server
// does not track them.
func (s *Server) Stop() error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
		<-s.served
	}

	s.mu.RLock()
	sockets := make([]*gws.Conn, 0, len(s.sessions))
	for socket := range s.sessions {
		sockets = append(sockets, socket)
	}
	s.mu.RUnlock()

	for _, socket := range sockets {
		_ = socket.NetConn().Close()
	}
	return err
}

// Address returns the bound address, which differs from the configured one
// when port 0 was requested.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ConnectionCount reports how many sockets are open.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// DropConnections closes every open socket without a close frame, which
// clients observe as a lost connection.
func (s *Server) DropConnections() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for socket := range s.sessions {
		_ = socket.NetConn().Close()
	}
}

func (s *Server) matchStub(req *connection.RPCRequest) *StubResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.stubResponses {
		stub := s.stubResponses[i]
		if stub.Matcher.Method != req.Method {
			continue
		}
		if stub.Matcher.Matcher == nil || stub.Matcher.Matcher(req.Params) {
			return &stub
		}
	}
	return nil
}

type handler struct {
	server *Server
}

func (h *handler) OnOpen(socket *gws.Conn) {
	session := docstore.NewSession(h.server.store, h.server.auth)
	session.OnLive = func(id string, box *connection.Mailbox) {
		go h.forward(socket, id, box)
	}

	h.server.mu.Lock()
	h.server.sessions[socket] = session
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	session := h.server.sessions[socket]
	delete(h.server.sessions, socket)
	h.server.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		h.server.logger.Debug("failed to write pong", "error", err)
	}
}

func (h *handler) OnPong(*gws.Conn, []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	h.server.mu.RLock()
	globalFailures := h.server.globalFailures
	session := h.server.sessions[socket]
	h.server.mu.RUnlock()

	for _, failure := range globalFailures {
		if shouldTrigger(failure.Probability) {
			if err := h.applyFailure(socket, failure, nil, nil); err != nil {
				return
			}
		}
	}

	var req connection.RPCRequest
	if err := h.server.unmarshaler.Unmarshal(message.Bytes(), &req); err != nil {
		h.sendError(socket, nil, &connection.RPCError{Code: connection.CodeParseError, Message: "parse error"})
		return
	}
	if session == nil {
		h.sendError(socket, req.ID, &connection.RPCError{Code: connection.CodeStoreError, Message: "session not found"})
		return
	}

	if stub := h.server.matchStub(&req); stub != nil {
		for _, failure := range stub.Failures {
			if shouldTrigger(failure.Probability) {
				if err := h.applyFailure(socket, failure, &req, stub); err != nil {
					return
				}
			}
		}
		switch {
		case stub.Error != nil:
			h.sendError(socket, req.ID, stub.Error)
			return
		case stub.Result != nil:
			h.sendResponse(socket, req.ID, stub.Result)
			return
		}
	}

	result, rpcErr := session.Handle(req.Method, req.Params)
	if rpcErr != nil {
		h.sendError(socket, req.ID, rpcErr)
		return
	}
	h.sendResponse(socket, req.ID, result)
}

// forward writes notifications for one live query until it is killed.
// WriteAsync keeps them in order behind any pending response.
func (h *handler) forward(socket *gws.Conn, id string, box *connection.Mailbox) {
	for n := range box.C() {
		var result any = n
		resp := connection.RPCResponse[any]{Result: &result}
		data, err := h.server.marshaler.Marshal(resp)
		if err != nil {
			h.server.logger.Error("failed to encode notification", "live_id", id, "error", err)
			continue
		}
		socket.WriteAsync(gws.OpcodeBinary, data, func(err error) {
			if err != nil && !isClosedError(err) {
				h.server.logger.Debug("failed to write notification", "live_id", id, "error", err)
			}
		})
	}
}

func (h *handler) applyFailure(socket *gws.Conn, failure FailureConfig, req *connection.RPCRequest, stub *StubResponse) error {
	switch failure.Type {
	case FailureRequestDelay:
		time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))

	case FailureResponseDelay:
		if req == nil || stub == nil {
			time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))
			return nil
		}
		go func() {
			time.Sleep(randomDuration(failure.MinDelay, failure.MaxDelay))
			if stub.Error != nil {
				h.sendError(socket, req.ID, stub.Error)
			} else {
				h.sendResponse(socket, req.ID, stub.Result)
			}
		}()
		return errHandled

	case FailureInvalidResponse:
		data := make([]byte, 64)
		_, _ = rand.Read(data)
		if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
			h.server.logger.Debug("failed to write invalid response", "error", err)
		}
		return errHandled

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return errHandled

	case FailureDropConnection:
		_ = socket.NetConn().Close()
		return errHandled
	}

	return nil
}

func (h *handler) sendResponse(socket *gws.Conn, id, result any) {
	resp := connection.RPCResponse[any]{ID: id, Result: &result}
	data, err := h.server.marshaler.Marshal(resp)
	if err != nil {
		h.sendError(socket, id, &connection.RPCError{
			Code:    connection.CodeStoreError,
			Message: fmt.Sprintf("encode response: %v", err),
		})
		return
	}
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil && !isClosedError(err) {
		h.server.logger.Debug("failed to write response", "error", err)
	}
}

func (h *handler) sendError(socket *gws.Conn, id any, rpcErr *connection.RPCError) {
	resp := connection.RPCResponse[any]{ID: id, Error: rpcErr}
	data, err := h.server.marshaler.Marshal(resp)
	if err != nil {
		h.server.logger.Error("failed to encode error response", "error", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil && !isClosedError(err) {
		h.server.logger.Debug("failed to write error response", "error", err)
	}
}

// MatchMethod matches requests by method name only.
func MatchMethod(method string) RequestMatcher {
	return RequestMatcher{Method: method}
}

func MatchMethodWithParams(method string, matcher func(params []any) bool) RequestMatcher {
	return RequestMatcher{Method: method, Matcher: matcher}
}

// MatchPath matches data methods whose first param is path.
func MatchPath(method, path string) RequestMatcher {
	return MatchMethodWithParams(method, func(params []any) bool {
		if len(params) == 0 {
			return false
		}
		p, ok := params[0].(string)
		return ok && p == path
	})
}

func SimpleStubResponse(method string, result any) StubResponse {
	return StubResponse{Matcher: MatchMethod(method), Result: result}
}

func ErrorStubResponse(matcher RequestMatcher, code int, message string) StubResponse {
	return StubResponse{
		Matcher: matcher,
		Error:   &connection.RPCError{Code: code, Message: message},
	}
}

func shouldTrigger(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64())/float64(1<<53) < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(int64(dMax-dMin)))
	return dMin + time.Duration(n.Int64())
}

func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.HasSuffix(err.Error(), "use of closed network connection")
}
