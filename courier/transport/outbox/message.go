package outbox

import "time"

// Message is one routing slip hand-over stored in the outbox table. URI is
// the address of the receiving activity host and Payload the serialized slip.
type Message struct {
	URI           string
	Payload       []byte
	Metadata      map[string]any
	CreatedAt     time.Time
	Position      int64
	TransactionID int64
}
