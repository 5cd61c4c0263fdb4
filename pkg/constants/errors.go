package constants

import "errors"

// Connection errors
var (
	ErrIDInUse            = errors.New("id already in use")
	ErrTimeout            = errors.New("timeout")
	ErrClosed             = errors.New("connection closed")
	ErrNoBaseURL          = errors.New("base url not set")
	ErrNoMarshaler        = errors.New("marshaler is not set")
	ErrNoUnmarshaler      = errors.New("unmarshaler is not set")
	ErrUnsupportedScheme  = errors.New("unsupported url scheme")
	ErrMethodNotAvailable = errors.New("method not available on this connection")
	ErrLiveQueryNotFound  = errors.New("live query not found")
)

// Store errors
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrInvalidPath       = errors.New("invalid collection path")
	ErrNotFound          = errors.New("record not found")
	ErrPermission        = errors.New("permission denied")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrUnknownCollection = errors.New("unknown collection")
)
