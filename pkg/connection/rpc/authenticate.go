package rpc

import (
	"context"

	"github.com/agencyops/opsync/pkg/connection"
)

func Authenticate(c connection.Connection, ctx context.Context, token string) error {
	return connection.Send[any](c, ctx, nil, string(connection.Authenticate), token)
}
