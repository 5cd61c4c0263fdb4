package models

import (
	"fmt"

	"github.com/agencyops/opsync/pkg/constants"
)

const (
	FieldID        = "id"
	FieldCreatedBy = "createdBy"
)

// Record is a schema-less document. The store assigns "id"; "createdBy" holds
// the identity that created it.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r[FieldID].(string)
	return id
}

func (r Record) CreatedBy() string {
	v, _ := r[FieldCreatedBy].(string)
	return v
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// AsRecord validates a decoded document: it must be a map with a non-empty
// string id.
func AsRecord(v any) (Record, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected a map, got %T", constants.ErrMalformedRecord, v)
	}
	r := Record(m)
	if r.ID() == "" {
		return nil, fmt.Errorf("%w: missing %q", constants.ErrMalformedRecord, FieldID)
	}
	return r, nil
}
