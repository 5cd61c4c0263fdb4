package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/agencyops/opsync"
	"github.com/agencyops/opsync/contrib/rews"
	"github.com/agencyops/opsync/internal/statusapi"
	"github.com/agencyops/opsync/internal/summary"
	"github.com/agencyops/opsync/pkg/livesync"
)

const reconnectInterval = time.Second

// Watch connects to config.Store.URL, signs in and keeps a session
// synchronized for the signed-in identity. A summary is printed when loading
// completes and when a failure first appears. With Once it returns at that
// point; otherwise it runs until ctx is canceled.
func (a *App) Watch(ctx context.Context, cmd *WatchCommand) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.MaxRetries = a.config.Store.RetryMax

	db, err := opsync.FromEndpointURLString(ctx, a.config.Store.URL,
		opsync.WithNamespace(a.config.Store.Namespace),
		opsync.WithLogger(a.logger),
		opsync.WithTimeout(a.config.Store.Timeout),
		opsync.WithReconnect(reconnectInterval, retryer),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", a.config.Store.URL, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), a.config.Store.Timeout)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			a.logger.Warn("failed to close connection", "error", err)
		}
	}()

	session := livesync.NewSession(db.Synchronizer())
	defer session.Close()

	settled := make(chan struct{}, 1)
	go session.Follow(ctx, db.Identity().Changes(), func(h *livesync.Handle) {
		if h == nil {
			a.logger.Info("signed out, synchronization stopped")
			return
		}
		a.logger.Info("synchronizing", "identity", h.Identity(), "namespace", db.Namespace())
		go a.report(h, settled)
	})

	var identity string
	if cmd.User != "" {
		identity, err = db.Identity().SignIn(ctx, cmd.User)
	} else {
		identity, err = db.Identity().SignInAnonymously(ctx)
	}
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	a.logger.Info("signed in", "identity", identity)

	if a.config.Server.HTTP != "" {
		api := statusapi.New(session, a.slog)
		go func() {
			a.logger.Info("status API listening", "address", a.config.Server.HTTP)
			if err := api.ListenAndServe(ctx, a.config.Server.HTTP); err != nil {
				a.logger.Error("status API stopped", "error", err)
			}
		}()
	}

	if cmd.Once {
		select {
		case <-settled:
			if st := session.State(); st.Err != nil {
				return st.Err
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	<-ctx.Done()
	return nil
}

// report prints a summary each time h finishes loading or first fails, and
// signals settled the first time either happens.
func (a *App) report(h *livesync.Handle, settled chan<- struct{}) {
	var loaded, failed bool
	for st := range h.Changes() {
		show := false
		if !st.Loading && !loaded {
			loaded, show = true, true
		}
		if st.Err != nil && !failed {
			failed, show = true, true
		}
		if !show {
			continue
		}
		fmt.Fprint(a.out, summary.Render(st))
		select {
		case settled <- struct{}{}:
		default:
		}
	}
}
