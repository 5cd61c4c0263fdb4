package rpc

import (
	"context"

	"github.com/agencyops/opsync/pkg/connection"
)

func Invalidate(c connection.Connection, ctx context.Context) error {
	return connection.Send[any](c, ctx, nil, string(connection.Invalidate))
}
