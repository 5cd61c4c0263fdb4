// Package docstore is an in-memory document store with live queries.
//
// Collections are addressed by "<namespace>/<collection>" paths and keep
// insertion order. Every write is fanned out, in order, to the live queries
// registered on its path.
package docstore

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/agencyops/opsync/pkg/connection"
	"github.com/agencyops/opsync/pkg/constants"
	"github.com/agencyops/opsync/pkg/models"
)

type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	restricted  map[string]bool
	lives       map[string]*liveQuery

	// NewID generates record and live query ids.
	NewID func() string
}

type collection struct {
	order []string
	docs  map[string]map[string]any
}

type liveQuery struct {
	id   string
	path string
	box  *connection.Mailbox
}

func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		restricted:  make(map[string]bool),
		lives:       make(map[string]*liveQuery),
		NewID: func() string {
			return uuid.Must(uuid.NewV4()).String()
		},
	}
}

// Restrict denies (or re-allows) every operation on path.
func (s *Store) Restrict(path string, deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restricted[path] = deny
}

func (s *Store) Create(path string, data map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collectionLocked(path, true)
	if err != nil {
		return nil, err
	}

	doc := clone(data)
	id := s.NewID()
	doc[models.FieldID] = id
	c.docs[id] = doc
	c.order = append(c.order, id)

	s.notifyLocked(path, connection.CreateAction, doc)
	return clone(doc), nil
}

// Replace swaps the whole content of an existing record.
func (s *Store) Replace(path, id string, data map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collectionLocked(path, false)
	if err != nil {
		return nil, err
	}
	if _, ok := c.docs[id]; !ok {
		return nil, fmt.Errorf("%w: %s:%s", constants.ErrNotFound, path, id)
	}

	doc := clone(data)
	doc[models.FieldID] = id
	keepCreator(doc, c.docs[id])
	c.docs[id] = doc

	s.notifyLocked(path, connection.UpdateAction, doc)
	return clone(doc), nil
}

// Merge overwrites the given fields of an existing record. The id cannot change.
func (s *Store) Merge(path, id string, patch map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collectionLocked(path, false)
	if err != nil {
		return nil, err
	}
	existing, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", constants.ErrNotFound, path, id)
	}

	doc := clone(existing)
	for k, v := range patch {
		if k == models.FieldID {
			continue
		}
		doc[k] = v
	}
	keepCreator(doc, existing)
	c.docs[id] = doc

	s.notifyLocked(path, connection.UpdateAction, doc)
	return clone(doc), nil
}

func (s *Store) Delete(path, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collectionLocked(path, false)
	if err != nil {
		return nil, err
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", constants.ErrNotFound, path, id)
	}

	delete(c.docs, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	s.notifyLocked(path, connection.DeleteAction, doc)
	return clone(doc), nil
}

// Select returns every record of the collection in insertion order.
// Unknown collections are empty, not an error.
func (s *Store) Select(path string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collectionLocked(path, false)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, clone(c.docs[id]))
	}
	return out, nil
}

// Live registers a live query on path. The returned mailbox receives one
// notification per write, in write order, until Kill.
func (s *Store) Live(path string) (string, *connection.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collectionLocked(path, false); err != nil {
		return "", nil, err
	}

	lq := &liveQuery{
		id:   s.NewID(),
		path: path,
		box:  connection.NewMailbox(),
	}
	s.lives[lq.id] = lq
	return lq.id, lq.box, nil
}

func (s *Store) Kill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lq, ok := s.lives[id]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, id)
	}
	lq.box.Close()
	delete(s.lives, id)
	return nil
}

// LiveCount reports how many live queries are registered, for tests and status.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lives)
}

func (s *Store) collectionLocked(path string, create bool) (*collection, error) {
	if _, _, err := models.ParsePath(path); err != nil {
		return nil, err
	}
	if s.restricted[path] {
		return nil, fmt.Errorf("%w: %s", constants.ErrPermission, path)
	}
	c, ok := s.collections[path]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		if create {
			s.collections[path] = c
		}
	}
	return c, nil
}

func (s *Store) notifyLocked(path string, action connection.Action, doc map[string]any) {
	for _, lq := range s.lives {
		if lq.path != path {
			continue
		}
		lq.box.Push(connection.Notification{
			ID:     lq.id,
			Action: action,
			Result: clone(doc),
		})
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// keepCreator copies the stored createdBy over whatever the write carried.
func keepCreator(doc, stored map[string]any) {
	if creator, ok := stored[models.FieldCreatedBy].(string); ok && creator != "" {
		doc[models.FieldCreatedBy] = creator
	}
}
