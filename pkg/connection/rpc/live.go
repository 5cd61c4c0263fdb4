package rpc

import (
	"context"
	"errors"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
)

// Live registers a live query on the collection at path and returns its id.
func Live(c connection.Connection, ctx context.Context, path string) (string, error) {
	return connection.Call[string](c, ctx, string(connection.Live), path)
}

// Kill stops a live query on the store and closes its local notification stream.
func Kill(c connection.Connection, ctx context.Context, liveQueryID string) error {
	err := connection.Send[any](c, ctx, nil, string(connection.Kill), liveQueryID)
	closeErr := c.CloseLiveNotifications(liveQueryID)
	if err == nil && closeErr != nil && !errors.Is(closeErr, constants.ErrLiveQueryNotFound) {
		err = closeErr
	}
	return err
}
