// Package command tracks commands dispatched to other nodes until
// their result arrives.
package command

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout applies to commands created without a timeout.
const DefaultTimeout = 10 * time.Second

// Command is a unit of work executed by other nodes. The payload is
// opaque to this package.
type Command struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Origin      string          `json:"origin"`
	Destination []string        `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timeout     time.Duration   `json:"timeout"`

	results chan Result
}

// New creates a command with a random ID. Callers that build commands
// by hand are responsible for the uniqueness of the ID.
func New(typ string, origin string, payload json.RawMessage, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{
		ID:      uuid.NewString(),
		Type:    typ,
		Origin:  origin,
		Payload: payload,
		Timeout: timeout,
	}
}

// Result is the answer of one node to a command.
type Result struct {
	ID      string          `json:"id"`
	Node    string          `json:"node"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
