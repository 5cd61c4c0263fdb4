package livesync

import (
	"fmt"
	"maps"

	"github.com/agencyops/opsync/pkg/models"
)

// CollectionError is a subscription failure attributed to one collection.
type CollectionError struct {
	Collection models.Collection
	Err        error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collection, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

// State is an immutable aggregate snapshot. Reduce returns new values and
// never modifies the maps or slices of its input; callers must not either.
type State struct {
	// Collections holds the latest records of every expected collection.
	Collections map[models.Collection][]models.Record
	// Loading is true until every expected collection delivered a snapshot.
	// Once false it stays false.
	Loading bool
	// Err is the first subscription failure, if any.
	Err *CollectionError
	// Stopped is set by the Stopped event. A stopped state ignores every
	// further event.
	Stopped bool

	expected  map[models.Collection]struct{}
	delivered map[models.Collection]struct{}
}

// NewState returns the state a synchronizer starts from: every collection
// empty and Loading set.
func NewState(collections ...models.Collection) State {
	s := State{
		Collections: make(map[models.Collection][]models.Record, len(collections)),
		Loading:     true,
		expected:    make(map[models.Collection]struct{}, len(collections)),
		delivered:   make(map[models.Collection]struct{}, len(collections)),
	}
	for _, c := range collections {
		s.Collections[c] = []models.Record{}
		s.expected[c] = struct{}{}
	}
	if len(collections) == 0 {
		s.Loading = false
	}
	return s
}

// Records returns the records of c, or nil when c is not synchronized.
func (s State) Records(c models.Collection) []models.Record {
	return s.Collections[c]
}

// Delivered reports whether c has delivered at least one snapshot.
func (s State) Delivered(c models.Collection) bool {
	_, ok := s.delivered[c]
	return ok
}

// Ready reports a fully loaded state without errors.
func (s State) Ready() bool {
	return s.expected != nil && !s.Loading && s.Err == nil
}

// Started reports whether s came from NewState. The zero State is what a
// caller without an identity observes.
func (s State) Started() bool {
	return s.expected != nil
}

// Event is one input to Reduce.
type Event interface {
	event()
}

// SnapshotReceived carries the full contents of one collection.
type SnapshotReceived struct {
	Collection models.Collection
	Records    []models.Record
}

// SubscriptionFailed reports that a collection's subscription failed.
type SubscriptionFailed struct {
	Collection models.Collection
	Err        error
}

// Stopped freezes the state.
type Stopped struct{}

func (SnapshotReceived) event()   {}
func (SubscriptionFailed) event() {}
func (Stopped) event()            {}

// Reduce applies ev to s and returns the resulting state.
//
// Snapshots for collections outside the expected set are ignored. Readiness
// is tracked as the set of delivered collections, so repeated snapshots for
// one collection cannot make up for another that has not delivered yet.
func Reduce(s State, ev Event) State {
	if s.Stopped || s.expected == nil {
		return s
	}

	switch ev := ev.(type) {
	case SnapshotReceived:
		if _, ok := s.expected[ev.Collection]; !ok {
			return s
		}
		next := s
		next.Collections = maps.Clone(s.Collections)
		records := ev.Records
		if records == nil {
			records = []models.Record{}
		}
		next.Collections[ev.Collection] = records

		if _, seen := s.delivered[ev.Collection]; !seen {
			next.delivered = maps.Clone(s.delivered)
			next.delivered[ev.Collection] = struct{}{}
		}
		if next.Loading && len(next.delivered) == len(next.expected) {
			next.Loading = false
		}
		return next

	case SubscriptionFailed:
		if s.Err != nil {
			return s
		}
		next := s
		next.Err = &CollectionError{Collection: ev.Collection, Err: ev.Err}
		return next

	case Stopped:
		next := s
		next.Stopped = true
		return next
	}

	return s
}
