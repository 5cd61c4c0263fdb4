package rpc

import (
	"context"

	"github.com/agencyops/opsync/pkg/connection"
)

// Anonymous is the signin payload that asks the store for a fresh anonymous identity.
var Anonymous = map[string]any{"anonymous": true}

// SignIn returns the session token issued for authData.
func SignIn(c connection.Connection, ctx context.Context, authData any) (string, error) {
	return connection.Call[string](c, ctx, string(connection.SignIn), authData)
}
