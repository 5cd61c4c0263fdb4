package constants

import "time"

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	MemoryScheme          = "mem"
)

const (
	// DefaultNamespace is the application namespace every collection path lives under.
	DefaultNamespace = "agencyops"

	// DefaultWSTimeout bounds how long Send waits for a response.
	DefaultWSTimeout = 30 * time.Second

	// CloseMessageCode is the websocket close code sent on a clean Close.
	CloseMessageCode = 1000

	// OneShotTimeout is the time to wait for write operations like Close.
	OneShotTimeout = 5 * time.Second
)
