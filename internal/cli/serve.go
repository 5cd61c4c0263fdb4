package cli

import (
	"context"

	"github.com/agencyops/opsync/internal/docserver"
	"github.com/agencyops/opsync/internal/docstore"
)

// Serve runs the development document server on config.Server.Listen and
// blocks until ctx is canceled.
func (a *App) Serve(ctx context.Context, _ *ServeCommand) error {
	if err := a.config.CheckServer(); err != nil {
		return err
	}
	if a.config.Server.TokenSecret == "" {
		a.logger.Warn("OPSYNC_TOKEN_SECRET not set, tokens will not survive a restart")
	}

	server := docserver.NewServer(a.config.Server.Listen,
		docserver.WithAuthority(docstore.NewAuthority(a.config.Server.TokenSecret, a.config.Server.TokenTTL)),
		docserver.WithLogger(a.logger),
	)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutting down document server")
	return server.Stop()
}
