// Package testenv sets up document stores and signed-in connections for
// opsync tests.
//
// OPSYNC_TEST_IMPL selects how tests reach the store:
//
//	mem           in-process store (default)
//	ws            store served over WebSocket on a random local port
//	ws-reconnect  as ws, with the client wrapped in a reconnecting connection
package testenv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agencyops/opsync"
	"github.com/agencyops/opsync/contrib/rews"
	"github.com/agencyops/opsync/internal/docserver"
	"github.com/agencyops/opsync/pkg/connection/memory"
	"github.com/agencyops/opsync/pkg/logger"
)

const (
	// EnvImpl is the environment variable that selects the transport.
	EnvImpl = "OPSYNC_TEST_IMPL"

	ImplMemory      = "mem"
	ImplWS          = "ws"
	ImplWSReconnect = "ws-reconnect"

	requestTimeout = 5 * time.Second
)

// Env is one store shared by every connection opened from it.
type Env struct {
	tb     testing.TB
	impl   string
	mem    *memory.Store
	server *docserver.Server
}

// New creates a store for the transport named by OPSYNC_TEST_IMPL. It is
// torn down when the test ends.
func New(tb testing.TB) *Env {
	tb.Helper()

	impl := os.Getenv(EnvImpl)
	if impl == "" {
		impl = ImplMemory
	}
	e := &Env{tb: tb, impl: impl}

	switch impl {
	case ImplMemory:
		e.mem = memory.NewStore("")
	case ImplWS, ImplWSReconnect:
		e.server = docserver.NewServer("127.0.0.1:0")
		if err := e.server.Start(); err != nil {
			tb.Fatalf("start document server: %v", err)
		}
		tb.Cleanup(func() { _ = e.server.Stop() })
	default:
		tb.Fatalf("invalid %s: %q", EnvImpl, impl)
	}
	return e
}

func (e *Env) Impl() string {
	return e.impl
}

// Server returns the WebSocket server, or nil for the in-process store.
func (e *Env) Server() *docserver.Server {
	return e.server
}

// Restrict denies or re-allows access to a store path.
func (e *Env) Restrict(path string, deny bool) {
	if e.mem != nil {
		e.mem.Restrict(path, deny)
		return
	}
	e.server.Store().Restrict(path, deny)
}

// Connect opens a new connection that is not signed in. It is closed when the
// test ends.
func (e *Env) Connect(opts ...opsync.Option) *opsync.DB {
	e.tb.Helper()

	base := []opsync.Option{
		opsync.WithLogger(logger.Discard()),
		opsync.WithTimeout(requestTimeout),
	}

	var endpoint string
	switch e.impl {
	case ImplMemory:
		endpoint = "mem://local"
		base = append(base, opsync.WithMemoryStore(e.mem))
	case ImplWS:
		endpoint = "ws://" + e.server.Address()
	case ImplWSReconnect:
		endpoint = "ws://" + e.server.Address()
		base = append(base, opsync.WithReconnect(50*time.Millisecond,
			&rews.FixedDelayRetryer{Delay: 20 * time.Millisecond, MaxRetries: 50}))
	}

	db, err := opsync.FromEndpointURLString(context.Background(), endpoint, append(base, opts...)...)
	if err != nil {
		e.tb.Fatalf("connect %s: %v", endpoint, err)
	}
	e.tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_ = db.Close(ctx)
	})
	return db
}

// SignedIn opens a connection and signs in anonymously. It returns the
// connection and its identity.
func (e *Env) SignedIn(opts ...opsync.Option) (*opsync.DB, string) {
	e.tb.Helper()

	db := e.Connect(opts...)
	identity, err := db.Identity().SignInAnonymously(context.Background())
	if err != nil {
		e.tb.Fatalf("anonymous sign-in: %v", err)
	}
	return db, identity
}
