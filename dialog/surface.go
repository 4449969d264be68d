package dialog

import "github.com/askcontinue/askcontinue-core/registry"

// EventKind distinguishes what the human did on the surface.
type EventKind int

const (
	// EventDecision carries the human's answer.
	EventDecision EventKind = iota
	// EventClosed reports the surface was dismissed without an answer.
	EventClosed
)

// Event is emitted by a Surface.
type Event struct {
	Kind EventKind
	// RequestID is the request the surface showed when the event fired.
	RequestID string
	Decision  registry.Decision
}

// Content is what a surface shows for one request.
type Content struct {
	RequestID string
	Summary   string
	Round     int
	// Waiting is the number of other requests still pending.
	Waiting   int
	Synthetic bool
}

// Surface is the single dialog the human answers in.
//
// Update and Close must return without waiting on the surface's own event
// loop, and must not call emit synchronously.
type Surface interface {
	// Update swaps in c without discarding the human's unsent draft and
	// brings the surface to the front.
	Update(c Content)
	// Close dismisses the surface. It emits nothing.
	Close()
}

// Factory opens a new surface showing c. The surface reports the human's
// actions through emit, from any goroutine.
type Factory func(c Content, emit func(Event)) (Surface, error)

// Deliverer sends a decision back over a record's transport.
type Deliverer interface {
	Deliver(rec registry.Record, d registry.Decision) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(rec registry.Record, d registry.Decision) error

// Deliver calls f.
func (f DelivererFunc) Deliver(rec registry.Record, d registry.Decision) error {
	return f(rec, d)
}

// Recorder receives usage side effects. Each fires once per record.
type Recorder interface {
	RecordPresented(rec registry.Record) error
	RecordDecision(rec registry.Record, d registry.Decision) error
}
