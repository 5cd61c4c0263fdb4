package docstore

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync/pkg/connection"
)

func newTestSession() (*Session, *Store) {
	store := New()
	return NewSession(store, NewAuthority("test-secret", time.Hour)), store
}

func TestDataMethodsRequireAuthentication(t *testing.T) {
	s, _ := newTestSession()

	_, err := s.Handle("select", []any{ticketsPath})
	require.NotNil(t, err)
	assert.Equal(t, connection.CodeStoreError, err.Code)
	assert.Contains(t, err.Message, "not authenticated")
}

func TestAnonymousSignIn(t *testing.T) {
	s, _ := newTestSession()

	token, err := s.Handle("signin", []any{map[string]any{"anonymous": true}})
	require.Nil(t, err)
	require.IsType(t, "", token)
	assert.NotEmpty(t, s.Subject())

	var claims jwt.RegisteredClaims
	_, _, perr := jwt.NewParser().ParseUnverified(token.(string), &claims)
	require.NoError(t, perr)
	assert.Equal(t, s.Subject(), claims.Subject)
}

func TestAuthenticateWithIssuedToken(t *testing.T) {
	s, store := newTestSession()
	token, err := s.auth.Issue("u1")
	require.NoError(t, err)

	other := NewSession(store, s.auth)
	_, rerr := other.Handle("authenticate", []any{token})
	require.Nil(t, rerr)
	assert.Equal(t, "u1", other.Subject())

	_, rerr = other.Handle("invalidate", nil)
	require.Nil(t, rerr)
	assert.Empty(t, other.Subject())
}

func TestAuthenticateRejectsForeignToken(t *testing.T) {
	s, _ := newTestSession()
	token, err := NewAuthority("other-secret", time.Hour).Issue("u1")
	require.NoError(t, err)

	_, rerr := s.Handle("authenticate", []any{token})
	require.NotNil(t, rerr)
	assert.Empty(t, s.Subject())
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	s, _ := newTestSession()
	past := NewAuthority("test-secret", time.Minute)
	past.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := past.Issue("u1")
	require.NoError(t, err)

	_, rerr := s.Handle("authenticate", []any{token})
	assert.NotNil(t, rerr)
}

func TestCRUDAndLiveThroughSession(t *testing.T) {
	s, _ := newTestSession()
	_, err := s.Handle("signin", []any{map[string]any{"user": "u1"}})
	require.Nil(t, err)

	var liveBox *connection.Mailbox
	s.OnLive = func(id string, box *connection.Mailbox) { liveBox = box }

	liveID, err := s.Handle("live", []any{ticketsPath})
	require.Nil(t, err)
	require.NotNil(t, liveBox)

	created, err := s.Handle("create", []any{ticketsPath, map[string]any{"title": "a", "createdBy": "u1"}})
	require.Nil(t, err)
	id := created.(map[string]any)["id"].(string)

	_, err = s.Handle("merge", []any{ticketsPath, id, map[string]any{"status": "open"}})
	require.Nil(t, err)
	_, err = s.Handle("update", []any{ticketsPath, id, map[string]any{"title": "b"}})
	require.Nil(t, err)

	docs, err := s.Handle("select", []any{ticketsPath})
	require.Nil(t, err)
	assert.Equal(t, []map[string]any{{"id": id, "title": "b", "createdBy": "u1"}}, docs)

	_, err = s.Handle("delete", []any{ticketsPath, id})
	require.Nil(t, err)

	for _, want := range []connection.Action{
		connection.CreateAction, connection.UpdateAction, connection.UpdateAction, connection.DeleteAction,
	} {
		assert.Equal(t, want, receive(t, liveBox).Action)
	}

	_, err = s.Handle("kill", []any{liveID})
	require.Nil(t, err)
	_, err = s.Handle("kill", []any{liveID})
	assert.NotNil(t, err)
}

func TestInvalidParamsAndUnknownMethod(t *testing.T) {
	s, _ := newTestSession()
	_, err := s.Handle("signin", []any{map[string]any{"user": "u1"}})
	require.Nil(t, err)

	_, err = s.Handle("create", []any{ticketsPath})
	require.NotNil(t, err)
	assert.Equal(t, connection.CodeInvalidParams, err.Code)

	_, err = s.Handle("select", []any{42})
	require.NotNil(t, err)
	assert.Equal(t, connection.CodeInvalidParams, err.Code)

	_, err = s.Handle("query", []any{ticketsPath})
	require.NotNil(t, err)
	assert.Equal(t, connection.CodeMethodNotFound, err.Code)

	_, err = s.Handle("signin", []any{map[string]any{}})
	require.NotNil(t, err)
	assert.Equal(t, connection.CodeInvalidParams, err.Code)
}

func TestSessionCloseKillsLiveQueries(t *testing.T) {
	s, store := newTestSession()
	_, err := s.Handle("signin", []any{map[string]any{"anonymous": true}})
	require.Nil(t, err)

	_, err = s.Handle("live", []any{ticketsPath})
	require.Nil(t, err)
	_, err = s.Handle("live", []any{"agencyops/notes"})
	require.Nil(t, err)
	require.Equal(t, 2, store.LiveCount())

	s.Close()
	assert.Equal(t, 0, store.LiveCount())
}
