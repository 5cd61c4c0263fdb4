// Package opsync is the data layer of the agency operations dashboard.
//
// # Connecting
//
// [FromEndpointURLString] picks a connection engine from the endpoint scheme:
// "ws://" and "wss://" dial a document server over WebSocket, "mem://" runs an
// in-process store. WebSocket connections can be made to reconnect on their
// own with [WithReconnect]; see [github.com/agencyops/opsync/contrib/rews].
//
// # Records
//
// Records are schema-less documents in one of six collections, see
// [models.Collections]. [Create], [Select], [Update], [Merge] and [Delete]
// work on a single collection and decode results into any type, including
// the typed views in [github.com/agencyops/opsync/pkg/models].
//
// # Live state
//
// The dashboard reads everything through one aggregate view kept current by
// [github.com/agencyops/opsync/pkg/livesync]. [DB.Synchronizer] wires it to
// the connection.
package opsync
