package connection

type Notification struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Result any    `json:"result"`
}

type Action string

const (
	CreateAction Action = "CREATE"
	UpdateAction Action = "UPDATE"
	DeleteAction Action = "DELETE"
	// ResyncAction tells the consumer that notifications may have been missed
	// and the collection should be read again.
	ResyncAction Action = "RESYNC"
)
