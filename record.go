package opsync

import (
	"context"
	"fmt"

	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/models"
)

// Create stores data as a new record of collection c, created by identity,
// and returns the stored record. The store assigns the id.
func Create[TResult any](ctx context.Context, db *DB, identity string, c models.Collection, data any) (*TResult, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: create requires an identity", constants.ErrNotAuthenticated)
	}
	doc, err := db.document(c, data)
	if err != nil {
		return nil, err
	}
	doc[models.FieldCreatedBy] = identity
	delete(doc, models.FieldID)

	return send[TResult](ctx, db, connection.Create, db.Path(c), doc)
}

// Select returns every record of collection c.
func Select[TResult any](ctx context.Context, db *DB, c models.Collection) ([]TResult, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %s", constants.ErrUnknownCollection, c)
	}
	res, err := send[[]TResult](ctx, db, connection.Select, db.Path(c))
	if err != nil {
		return nil, err
	}
	return *res, nil
}

// Update replaces the content of record id. Fields left out of data are
// removed; id and createdBy are kept as stored.
func Update[TResult any](ctx context.Context, db *DB, c models.Collection, id string, data any) (*TResult, error) {
	doc, err := db.document(c, data)
	if err != nil {
		return nil, err
	}
	return send[TResult](ctx, db, connection.Update, db.Path(c), id, doc)
}

// Merge sets the fields in patch on record id and keeps the rest.
func Merge[TResult any](ctx context.Context, db *DB, c models.Collection, id string, patch any) (*TResult, error) {
	doc, err := db.document(c, patch)
	if err != nil {
		return nil, err
	}
	return send[TResult](ctx, db, connection.Merge, db.Path(c), id, doc)
}

// Delete removes record id and returns it as it was.
func Delete[TResult any](ctx context.Context, db *DB, c models.Collection, id string) (*TResult, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %s", constants.ErrUnknownCollection, c)
	}
	return send[TResult](ctx, db, connection.Delete, db.Path(c), id)
}

func send[TResult any](ctx context.Context, db *DB, method connection.RPCFunction, params ...any) (*TResult, error) {
	var res connection.RPCResponse[TResult]
	if err := connection.Send(db.con, ctx, &res, string(method), params...); err != nil {
		return nil, err
	}
	if res.Result == nil {
		var zero TResult
		return &zero, nil
	}
	return res.Result, nil
}

// document converts data to a plain map by passing it through the codec, so
// structs with json tags and maps are handled alike.
func (db *DB) document(c models.Collection, data any) (map[string]any, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %s", constants.ErrUnknownCollection, c)
	}
	if doc, ok := data.(map[string]any); ok {
		return models.Record(doc).Clone(), nil
	}
	if rec, ok := data.(models.Record); ok {
		return rec.Clone(), nil
	}

	cb := codec.New()
	enc, err := cb.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrMalformedRecord, err)
	}
	var doc map[string]any
	if err := cb.Unmarshal(enc, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrMalformedRecord, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %T is not a document", constants.ErrMalformedRecord, data)
	}
	return doc, nil
}
