package memory_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/memory"
	"github.com/agencyops/opsync/pkg/connection/rpc"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
)

const ticketsPath = "agencyops/tickets"

func newConnection(t *testing.T, store *memory.Store) *memory.Connection {
	t.Helper()

	u, err := url.Parse("mem://local")
	require.NoError(t, err)
	conf := connection.NewConfig(u)
	conf.Logger = logger.Discard()

	con := memory.New(store, conf)
	require.NoError(t, con.Connect(context.Background()))
	t.Cleanup(func() { _ = con.Close(context.Background()) })
	return con
}

func signedIn(t *testing.T, store *memory.Store) *memory.Connection {
	t.Helper()
	con := newConnection(t, store)
	token, err := rpc.SignIn(con, context.Background(), rpc.Anonymous)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return con
}

func TestDataMethodsRequireSignIn(t *testing.T) {
	con := newConnection(t, memory.NewStore("secret"))

	_, err := connection.Call[[]map[string]any](con, context.Background(), string(connection.Select), ticketsPath)
	require.Error(t, err)

	var rpcErr *connection.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, connection.CodeStoreError, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, constants.ErrNotAuthenticated.Error())
}

func TestCreateThenSelect(t *testing.T) {
	ctx := context.Background()
	con := signedIn(t, memory.NewStore("secret"))

	created, err := connection.Call[map[string]any](con, ctx, string(connection.Create), ticketsPath, map[string]any{
		"title": "Broken invoice export",
		"hours": 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created["id"])

	docs, err := connection.Call[[]map[string]any](con, ctx, string(connection.Select), ticketsPath)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, created["id"], docs[0]["id"])
	assert.Equal(t, "Broken invoice export", docs[0]["title"])
	// Integers come back as the codec decodes them, not as the caller's int.
	assert.EqualValues(t, 3, docs[0]["hours"])
}

func TestLiveNotificationsAcrossConnections(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore("secret")
	watcher := signedIn(t, store)
	writer := signedIn(t, store)

	id, err := rpc.Live(watcher, ctx, ticketsPath)
	require.NoError(t, err)

	notifications, err := watcher.LiveNotifications(id)
	require.NoError(t, err)

	for _, title := range []string{"first", "second", "third"} {
		_, err := connection.Call[map[string]any](writer, ctx, string(connection.Create), ticketsPath, map[string]any{"title": title})
		require.NoError(t, err)
	}

	for _, want := range []string{"first", "second", "third"} {
		select {
		case n := <-notifications:
			assert.Equal(t, id, n.ID)
			assert.Equal(t, connection.CreateAction, n.Action)
			doc, ok := n.Result.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, want, doc["title"])
		case <-time.After(2 * time.Second):
			t.Fatalf("no notification for %q", want)
		}
	}
}

func TestKillClosesNotifications(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore("secret")
	con := signedIn(t, store)

	id, err := rpc.Live(con, ctx, ticketsPath)
	require.NoError(t, err)
	notifications, err := con.LiveNotifications(id)
	require.NoError(t, err)
	assert.Equal(t, 1, store.LiveCount())

	require.NoError(t, rpc.Kill(con, ctx, id))
	assert.Equal(t, 0, store.LiveCount())

	select {
	case _, ok := <-notifications:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("notification channel was not closed")
	}

	_, err = con.LiveNotifications(id)
	assert.ErrorIs(t, err, constants.ErrLiveQueryNotFound)
}

func TestRestrictedPath(t *testing.T) {
	store := memory.NewStore("secret")
	store.Restrict(ticketsPath, true)
	con := signedIn(t, store)

	_, err := rpc.Live(con, context.Background(), ticketsPath)
	var rpcErr *connection.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Contains(t, rpcErr.Message, constants.ErrPermission.Error())
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore("secret")
	con := signedIn(t, store)

	_, err := rpc.Live(con, ctx, ticketsPath)
	require.NoError(t, err)

	require.NoError(t, con.Close(ctx))
	require.NoError(t, con.Close(ctx))
	assert.True(t, con.IsClosed())
	assert.Equal(t, 0, store.LiveCount())

	_, err = con.Send(ctx, string(connection.Select), ticketsPath)
	assert.ErrorIs(t, err, constants.ErrClosed)
}
