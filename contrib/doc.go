// Package contrib holds packages built on top of the core opsync client that
// are not needed to use it.
//
// [github.com/agencyops/opsync/contrib/rews] wraps a WebSocket connection so
// that it reconnects, signs back in and restores live queries under stable
// ids. [github.com/agencyops/opsync/contrib/testenv] sets up stores and
// signed-in connections for tests.
package contrib
