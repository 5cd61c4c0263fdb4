// Package rews wraps a store connection so it survives dropped sockets.
//
// Connection watches the underlying connection and, when it is lost,
// dials a fresh one through NewFunc, re-authenticates with the last session
// token and re-registers every live query. Live query ids handed out by
// Connection stay stable across reconnects: after a live query is restored,
// its stream receives a RESYNC notification, since changes made while the
// socket was down were never delivered.
//
//	conn := rews.New(
//	    func(ctx context.Context) (connection.Connection, error) {
//	        return gorillaws.New(conf), nil
//	    },
//	    time.Second,
//	    codec.New(),
//	    log,
//	)
//	conn.Retryer = rews.NewExponentialBackoffRetryer()
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//
// Retry strategies:
//   - ExponentialBackoffRetryer: growing delays with jitter
//   - FixedDelayRetryer: the same delay every time
//   - nil: one attempt per check interval
package rews
