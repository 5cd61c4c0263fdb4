package livesync

import (
	"context"
	"sync"
)

// Session keeps at most one Handle running, for whichever identity is
// current. Changing the identity stops the old handle completely before the
// new one starts, so two handles never run side by side.
type Session struct {
	sync *Synchronizer

	mu     sync.Mutex
	handle *Handle
	closed bool
}

func NewSession(s *Synchronizer) *Session {
	return &Session{sync: s}
}

// SetIdentity switches the session to identity. The same identity keeps the
// running handle; "" stops it without starting another. It returns the handle
// now running, which is nil for "".
func (s *Session) SetIdentity(ctx context.Context, identity string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if s.handle != nil && s.handle.Identity() == identity && !s.handle.isDone() {
		return s.handle
	}

	s.handle.Stop()
	s.handle = s.sync.Start(ctx, identity)
	return s.handle
}

// Handle returns the running handle, or nil.
func (s *Session) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// State returns the running handle's state, or the zero State.
func (s *Session) State() State {
	return s.Handle().State()
}

// Follow applies every identity received from identities until the channel
// closes or ctx is done. onChange, if not nil, is called with each new handle.
func (s *Session) Follow(ctx context.Context, identities <-chan string, onChange func(*Handle)) {
	for {
		select {
		case <-ctx.Done():
			return
		case identity, ok := <-identities:
			if !ok {
				return
			}
			h := s.SetIdentity(ctx, identity)
			if onChange != nil {
				onChange(h)
			}
		}
	}
}

// Close stops the running handle. The session cannot be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle.Stop()
	s.handle = nil
	s.closed = true
}
