package docstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
)

// Session is one client's view of the store: its authentication state and the
// live queries it opened. It turns RPC method calls into store operations.
type Session struct {
	store *Store
	auth  *Authority

	mu      sync.Mutex
	subject string
	lives   map[string]struct{}

	// OnLive is called after a live query is registered, with the mailbox that
	// carries its notifications. Transports use it to forward notifications.
	OnLive func(id string, box *connection.Mailbox)
}

func NewSession(store *Store, auth *Authority) *Session {
	return &Session{
		store: store,
		auth:  auth,
		lives: make(map[string]struct{}),
	}
}

// Subject returns the authenticated identity, or "".
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Handle executes one RPC. Failures are returned as *connection.RPCError.
//
//nolint:gocyclo
func (s *Session) Handle(method string, params []any) (any, *connection.RPCError) {
	switch connection.RPCFunction(method) {
	case connection.SignIn:
		return s.signIn(params)
	case connection.Authenticate:
		token, err := stringParam(params, 0, "token")
		if err != nil {
			return nil, err
		}
		subject, verr := s.auth.Verify(token)
		if verr != nil {
			return nil, storeError(verr)
		}
		s.setSubject(subject)
		return nil, nil
	case connection.Invalidate:
		s.setSubject("")
		return nil, nil
	}

	if s.Subject() == "" {
		return nil, storeError(constants.ErrNotAuthenticated)
	}

	path, perr := stringParam(params, 0, "path")
	if perr != nil && method != string(connection.Kill) {
		return nil, perr
	}

	switch connection.RPCFunction(method) {
	case connection.Live:
		id, box, err := s.store.Live(path)
		if err != nil {
			return nil, storeError(err)
		}
		s.mu.Lock()
		s.lives[id] = struct{}{}
		s.mu.Unlock()
		if s.OnLive != nil {
			s.OnLive(id, box)
		}
		return id, nil

	case connection.Kill:
		id, err := stringParam(params, 0, "live query id")
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		_, mine := s.lives[id]
		delete(s.lives, id)
		s.mu.Unlock()
		if !mine {
			return nil, storeError(fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, id))
		}
		if err := s.store.Kill(id); err != nil {
			return nil, storeError(err)
		}
		return nil, nil

	case connection.Select:
		docs, err := s.store.Select(path)
		if err != nil {
			return nil, storeError(err)
		}
		return docs, nil

	case connection.Create:
		data, err := mapParam(params, 1, "data")
		if err != nil {
			return nil, err
		}
		doc, serr := s.store.Create(path, data)
		return result(doc, serr)

	case connection.Update, connection.Merge:
		id, err := stringParam(params, 1, "id")
		if err != nil {
			return nil, err
		}
		data, err := mapParam(params, 2, "data")
		if err != nil {
			return nil, err
		}
		var doc map[string]any
		var serr error
		if method == string(connection.Update) {
			doc, serr = s.store.Replace(path, id, data)
		} else {
			doc, serr = s.store.Merge(path, id, data)
		}
		return result(doc, serr)

	case connection.Delete:
		id, err := stringParam(params, 1, "id")
		if err != nil {
			return nil, err
		}
		doc, serr := s.store.Delete(path, id)
		return result(doc, serr)
	}

	return nil, &connection.RPCError{
		Code:    connection.CodeMethodNotFound,
		Message: fmt.Sprintf("method not found: %s", method),
	}
}

// Close kills every live query the session opened.
func (s *Session) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.lives))
	for id := range s.lives {
		ids = append(ids, id)
	}
	s.lives = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.store.Kill(id)
	}
}

func (s *Session) signIn(params []any) (any, *connection.RPCError) {
	creds, err := mapParam(params, 0, "credentials")
	if err != nil {
		return nil, err
	}

	var token, subject string
	var ierr error
	if anon, _ := creds["anonymous"].(bool); anon {
		token, subject, ierr = s.auth.Anonymous()
	} else {
		user, _ := creds["user"].(string)
		if user == "" {
			return nil, &connection.RPCError{
				Code:    connection.CodeInvalidParams,
				Message: "signin requires anonymous or user",
			}
		}
		subject = user
		token, ierr = s.auth.Issue(user)
	}
	if ierr != nil {
		return nil, storeError(ierr)
	}

	s.setSubject(subject)
	return token, nil
}

func (s *Session) setSubject(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject = subject
}

func result(doc map[string]any, err error) (any, *connection.RPCError) {
	if err != nil {
		return nil, storeError(err)
	}
	return doc, nil
}

func storeError(err error) *connection.RPCError {
	var rpcErr *connection.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &connection.RPCError{Code: connection.CodeStoreError, Message: err.Error()}
}

func stringParam(params []any, i int, name string) (string, *connection.RPCError) {
	if i < len(params) {
		if v, ok := params[i].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", &connection.RPCError{
		Code:    connection.CodeInvalidParams,
		Message: fmt.Sprintf("missing or invalid %s at position %d", name, i),
	}
}

func mapParam(params []any, i int, name string) (map[string]any, *connection.RPCError) {
	if i < len(params) {
		if v, ok := params[i].(map[string]any); ok {
			return v, nil
		}
	}
	return nil, &connection.RPCError{
		Code:    connection.CodeInvalidParams,
		Message: fmt.Sprintf("missing or invalid %s at position %d", name, i),
	}
}
