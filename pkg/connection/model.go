package connection

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (r RPCError) Error() string {
	return r.Message
}

func (r *RPCError) Is(target error) bool {
	if target == nil {
		return r == nil
	}

	_, ok := target.(*RPCError)
	return ok
}

// JSON-RPC error codes used by the document store.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeStoreError     = -32000
)

// RPCRequest represents an outgoing RPC request
type RPCRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
}

// RPCResponse represents an incoming RPC response, or a live notification
// when ID is empty.
type RPCResponse[T any] struct {
	ID     any       `json:"id"`
	Error  *RPCError `json:"error,omitempty"`
	Result *T        `json:"result,omitempty"`
}

type RPCFunction string

var (
	SignIn       RPCFunction = "signin"
	Authenticate RPCFunction = "authenticate"
	Invalidate   RPCFunction = "invalidate"
	Live         RPCFunction = "live"
	Kill         RPCFunction = "kill"
	Select       RPCFunction = "select"
	Create       RPCFunction = "create"
	Update       RPCFunction = "update"
	Merge        RPCFunction = "merge"
	Delete       RPCFunction = "delete"
)
