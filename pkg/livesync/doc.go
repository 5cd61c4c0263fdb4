// Package livesync mirrors a fixed set of document collections into one
// aggregate state.
//
// A Synchronizer opens one subscription per collection. Every subscription
// delivers full snapshots of its collection; each snapshot replaces that
// collection's records in the aggregate. The aggregate is Loading until every
// collection has delivered at least once, and carries the first subscription
// failure as a sticky error.
//
// State changes go through Reduce, a pure function of the previous state and
// one Event. Subscriptions run as independent workers that post events to a
// single inbox; one goroutine owns the state and applies them in arrival order.
package livesync
