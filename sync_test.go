package opsync_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync"
	"github.com/agencyops/opsync/contrib/testenv"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/logger"
	"github.com/agencyops/opsync/pkg/models"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRestrictedCollectionFailsOnlyThatCollection(t *testing.T) {
	env := testenv.New(t)
	logs := &lockedBuffer{}
	log := logger.New(testenv.NewLogHandler(testenv.WithWriter(logs), testenv.WithIgnoreDebug()))

	db, id := env.SignedIn(opsync.WithLogger(log))
	env.Restrict(db.Path(models.Notes), true)

	h := db.Synchronizer().Start(context.Background(), id)
	defer h.Stop()

	st := h.State()
	require.Eventually(t, func() bool {
		st = h.State()
		return st.Err != nil && len(st.Collections) == 6 && countDelivered(st.Collections, st.Delivered) == 5
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, models.Notes, st.Err.Collection)
	assert.Contains(t, st.Err.Error(), constants.ErrPermission.Error())
	assert.True(t, st.Loading, "a failed collection never delivers, so loading never ends")
	assert.False(t, st.Delivered(models.Notes))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "ERROR: subscription failed collection=notes")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIdentityChangeRestartsSynchronization(t *testing.T) {
	ctx := context.Background()
	env := testenv.New(t)
	db, first := env.SignedIn()

	syncer := db.Synchronizer()
	h1 := syncer.Start(ctx, first)
	require.Eventually(t, func() bool { return h1.State().Ready() }, 5*time.Second, 10*time.Millisecond)
	h1.Stop()

	second, err := db.Identity().SignInAnonymously(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	h2 := syncer.Start(ctx, second)
	defer h2.Stop()
	require.Eventually(t, func() bool { return h2.State().Ready() }, 5*time.Second, 10*time.Millisecond)

	select {
	case <-h1.Done():
	default:
		t.Fatal("first handle still running")
	}
	assert.Equal(t, second, h2.Identity())
}

func countDelivered[K comparable, V any](m map[K]V, delivered func(K) bool) int {
	n := 0
	for k := range m {
		if delivered(k) {
			n++
		}
	}
	return n
}
