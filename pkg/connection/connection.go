package connection

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/agencyops/opsync/internal/codec"
	"github.com/agencyops/opsync/pkg/constants"
)

// Connection is a session with the backing document store.
type Connection interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	// IsClosed reports whether the connection was lost or closed, which lets
	// wrappers decide to reconnect.
	IsClosed() bool
	// Send issues one RPC and waits for its response. RPC errors returned by the
	// store come back as *RPCError.
	Send(ctx context.Context, method string, params ...any) (*RPCResponse[cbor.RawMessage], error)
	// LiveNotifications returns the ordered notification stream for a live query.
	LiveNotifications(liveQueryID string) (<-chan Notification, error)
	CloseLiveNotifications(liveQueryID string) error
	GetUnmarshaler() codec.Unmarshaler
}

// Toolkit holds the bookkeeping shared by Connection implementations:
// pending responses keyed by request id and notification mailboxes keyed by
// live query id.
type Toolkit struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	ResponseChannels     map[string]chan RPCResponse[cbor.RawMessage]
	ResponseChannelsLock sync.RWMutex

	NotificationChannels     map[string]*Mailbox
	NotificationChannelsLock sync.Mutex
	// killed remembers live queries closed locally so late notifications for
	// them do not recreate a mailbox.
	killed map[string]struct{}
}

func NewToolkit(p *Config) Toolkit {
	return Toolkit{
		BaseURL:              p.BaseURL,
		Marshaler:            p.Marshaler,
		Unmarshaler:          p.Unmarshaler,
		ResponseChannels:     make(map[string]chan RPCResponse[cbor.RawMessage]),
		NotificationChannels: make(map[string]*Mailbox),
		killed:               make(map[string]struct{}),
	}
}

func (tk *Toolkit) CreateResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], error) {
	tk.ResponseChannelsLock.Lock()
	defer tk.ResponseChannelsLock.Unlock()

	if _, ok := tk.ResponseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}

	// Buffered so that the read loop never blocks on a caller that gave up.
	ch := make(chan RPCResponse[cbor.RawMessage], 1)
	tk.ResponseChannels[id] = ch

	return ch, nil
}

func (tk *Toolkit) GetResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], bool) {
	tk.ResponseChannelsLock.RLock()
	defer tk.ResponseChannelsLock.RUnlock()
	ch, ok := tk.ResponseChannels[id]
	return ch, ok
}

func (tk *Toolkit) RemoveResponseChannel(id string) {
	tk.ResponseChannelsLock.Lock()
	defer tk.ResponseChannelsLock.Unlock()
	delete(tk.ResponseChannels, id)
}

// Mailbox returns the mailbox for a live query, creating it on first use.
// Notifications that arrive before LiveNotifications is called are queued.
// It returns nil for live queries that were closed.
func (tk *Toolkit) Mailbox(liveQueryID string) *Mailbox {
	tk.NotificationChannelsLock.Lock()
	defer tk.NotificationChannelsLock.Unlock()

	if _, gone := tk.killed[liveQueryID]; gone {
		return nil
	}
	m, ok := tk.NotificationChannels[liveQueryID]
	if !ok {
		m = NewMailbox()
		tk.NotificationChannels[liveQueryID] = m
	}
	return m
}

func (tk *Toolkit) LiveNotifications(liveQueryID string) (<-chan Notification, error) {
	m := tk.Mailbox(liveQueryID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, liveQueryID)
	}
	return m.C(), nil
}

func (tk *Toolkit) CloseLiveNotifications(liveQueryID string) error {
	tk.NotificationChannelsLock.Lock()
	defer tk.NotificationChannelsLock.Unlock()

	tk.killed[liveQueryID] = struct{}{}
	m, ok := tk.NotificationChannels[liveQueryID]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrLiveQueryNotFound, liveQueryID)
	}
	m.Close()
	delete(tk.NotificationChannels, liveQueryID)
	return nil
}

// CloseAllNotifications closes every mailbox, ending every live stream.
func (tk *Toolkit) CloseAllNotifications() {
	tk.NotificationChannelsLock.Lock()
	defer tk.NotificationChannelsLock.Unlock()

	for id, m := range tk.NotificationChannels {
		m.Close()
		delete(tk.NotificationChannels, id)
		tk.killed[id] = struct{}{}
	}
}

func (tk *Toolkit) GetUnmarshaler() codec.Unmarshaler {
	return tk.Unmarshaler
}

func (tk *Toolkit) PreConnectionChecks() error {
	if tk.BaseURL == "" {
		return constants.ErrNoBaseURL
	}

	if tk.Marshaler == nil {
		return constants.ErrNoMarshaler
	}

	if tk.Unmarshaler == nil {
		return constants.ErrNoUnmarshaler
	}

	return nil
}
