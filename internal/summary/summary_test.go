package summary_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agencyops/opsync/internal/summary"
	"github.com/agencyops/opsync/pkg/livesync"
	"github.com/agencyops/opsync/pkg/models"
)

func TestRenderNotStarted(t *testing.T) {
	assert.Contains(t, summary.Render(livesync.State{}), "not started")
}

func TestRenderLoading(t *testing.T) {
	st := livesync.NewState(models.Collections()...)
	st = livesync.Reduce(st, livesync.SnapshotReceived{
		Collection: models.Tickets,
		Records:    []models.Record{{"id": "a"}, {"id": "b"}, {"id": "c"}},
	})

	out := summary.Render(st)
	for _, c := range models.Collections() {
		assert.Contains(t, out, string(c))
	}
	assert.Contains(t, out, "loading")
	assert.NotContains(t, out, "error")

	var ticketRow string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "tickets") {
			ticketRow = line
		}
	}
	assert.Contains(t, ticketRow, "3")
	assert.Contains(t, ticketRow, "yes")

	// Rows keep the fixed collection order.
	assert.Less(t, strings.Index(out, "tickets"), strings.Index(out, "quotas"))
}

func TestRenderLoadedWithError(t *testing.T) {
	st := livesync.NewState(models.Collections()...)
	for _, c := range models.Collections() {
		st = livesync.Reduce(st, livesync.SnapshotReceived{Collection: c})
	}
	st = livesync.Reduce(st, livesync.SubscriptionFailed{Collection: models.Notes, Err: errors.New("permission denied")})

	out := summary.Render(st)
	assert.Contains(t, out, "loaded")
	assert.Contains(t, out, "error: notes: permission denied")
	assert.NotContains(t, out, " no ")
}
