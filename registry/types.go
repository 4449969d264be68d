package registry

import (
	"fmt"
	"strings"
	"time"
)

// Transport names the channel a request arrived on and its answer leaves by.
type Transport string

const (
	TransportRPCSync Transport = "rpc-sync" // answered in the HTTP response body
	TransportRPCSSE  Transport = "rpc-sse"  // answered by a push on the session's SSE stream
	TransportFile    Transport = "file"     // answered by writing a response descriptor
	TransportLocal   Transport = "local"    // raised by the UI; nothing is delivered
)

// State is the lifecycle position of a record.
type State int

const (
	StatePending State = iota
	StateResolved
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Action is the human's choice.
type Action string

const (
	ActionContinue Action = "continue"
	ActionEnd      Action = "end"
	ActionCancel   Action = "cancel"
)

// ParseAction accepts the wire spelling of an action, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionContinue, ActionEnd, ActionCancel:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Attachment is an image the human attached to a decision.
type Attachment struct {
	MimeType string
	Data     []byte
}

// Decision resolves exactly one record.
type Decision struct {
	Action      Action
	Feedback    string
	Attachments []Attachment
}

// Record is a snapshot of one pending request.
type Record struct {
	ID        string
	Summary   string
	CreatedAt time.Time
	Transport Transport
	// TransportContext carries what the transport needs to deliver the answer,
	// such as the file channel or the RPC session id.
	TransportContext any
	// Round is the caller's call count within its session, 1-based, or 0 when unknown.
	Round int
	// Synthetic records are raised by the UI itself; nobody waits on them.
	Synthetic bool

	State      State
	ResolvedAt time.Time
	Decision   *Decision
}
