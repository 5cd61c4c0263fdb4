package testenv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencyops/opsync"
	"github.com/agencyops/opsync/contrib/testenv"
	"github.com/agencyops/opsync/pkg/models"
)

func TestEnvTransports(t *testing.T) {
	for _, impl := range []string{testenv.ImplMemory, testenv.ImplWS, testenv.ImplWSReconnect} {
		t.Run(impl, func(t *testing.T) {
			t.Setenv(testenv.EnvImpl, impl)
			env := testenv.New(t)
			assert.Equal(t, impl, env.Impl())
			assert.Equal(t, impl != testenv.ImplMemory, env.Server() != nil)

			writer, id := env.SignedIn()
			reader, _ := env.SignedIn()

			_, err := opsync.Create[models.Note](context.Background(), writer, id, models.Notes, models.Note{Title: "shared"})
			require.NoError(t, err)

			notes, err := opsync.Select[models.Note](context.Background(), reader, models.Notes)
			require.NoError(t, err)
			require.Len(t, notes, 1)
			assert.Equal(t, id, notes[0].CreatedBy)
		})
	}
}

func TestEnvRestrict(t *testing.T) {
	env := testenv.New(t)
	db, _ := env.SignedIn()

	env.Restrict(db.Path(models.Quotas), true)
	_, err := opsync.Select[models.Quota](context.Background(), db, models.Quotas)
	require.Error(t, err)

	env.Restrict(db.Path(models.Quotas), false)
	_, err = opsync.Select[models.Quota](context.Background(), db, models.Quotas)
	require.NoError(t, err)
}
