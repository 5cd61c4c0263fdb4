package identity_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/connection/memory"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/identity"
	"github.com/agencyops/opsync/pkg/logger"
)

func connect(t *testing.T, store *memory.Store) *memory.Connection {
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

func TestAnonymousSignIn(t *testing.T) {
	ctx := context.Background()
	p := identity.NewProvider(connect(t, memory.NewStore("secret")), nil)
	assert.Empty(t, p.Current())

	first, err := p.SignInAnonymously(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	assert.Equal(t, first, p.Current())
	assert.Equal(t, first, <-p.Changes())

	subject, err := identity.Subject(p.Token())
	require.NoError(t, err)
	assert.Equal(t, first, subject)

	second, err := p.SignInAnonymously(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestChangesKeepsLatest(t *testing.T) {
	ctx := context.Background()
	p := identity.NewProvider(connect(t, memory.NewStore("secret")), nil)

	_, err := p.SignIn(ctx, "alex")
	require.NoError(t, err)
	_, err = p.SignIn(ctx, "sam")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(ctx))

	assert.Equal(t, "", <-p.Changes())
	select {
	case id := <-p.Changes():
		t.Fatalf("unexpected stale identity %q", id)
	default:
	}
	assert.Empty(t, p.Token())
}

func TestSameIdentityIsNotRepublished(t *testing.T) {
	ctx := context.Background()
	p := identity.NewProvider(connect(t, memory.NewStore("secret")), nil)

	_, err := p.SignIn(ctx, "alex")
	require.NoError(t, err)
	<-p.Changes()

	_, err = p.SignIn(ctx, "alex")
	require.NoError(t, err)
	select {
	case id := <-p.Changes():
		t.Fatalf("unexpected change %q", id)
	default:
	}
}

func TestRestoreOnAnotherConnection(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore("secret")

	first := identity.NewProvider(connect(t, store), nil)
	id, err := first.SignIn(ctx, "alex")
	require.NoError(t, err)

	second := identity.NewProvider(connect(t, store), nil)
	restored, err := second.Restore(ctx, first.Token())
	require.NoError(t, err)
	assert.Equal(t, id, restored)

	_, err = second.Restore(ctx, "garbage")
	assert.ErrorIs(t, err, constants.ErrNotAuthenticated)

	// Signed with another store's secret.
	foreign := identity.NewProvider(connect(t, memory.NewStore("other")), nil)
	_, err = foreign.SignIn(ctx, "mallory")
	require.NoError(t, err)
	_, err = second.Restore(ctx, foreign.Token())
	assert.Error(t, err)
}

func TestSignInRequiresUser(t *testing.T) {
	p := identity.NewProvider(connect(t, memory.NewStore("secret")), nil)
	_, err := p.SignIn(context.Background(), "")
	assert.ErrorIs(t, err, constants.ErrNotAuthenticated)
}
