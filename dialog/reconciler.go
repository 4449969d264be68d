// Package dialog connects the pending-request registry to the one dialog
// surface the human answers in.
//
// The surface only emits events; the Reconciler owns it, resolves records in
// the registry and hands each winning decision to the record's transport.
// Closing the surface never resolves anything. A record stays pending until
// it is answered here, through Answer, or expires.
package dialog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/askcontinue/askcontinue-core/filechannel"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/registry"
)

const (
	// DefaultToolName is the tool ForceRetry asks the caller to invoke
	// unless WithToolName says otherwise.
	DefaultToolName = "ask_continue"
	// ForceOpenSummary is shown on surfaces raised by ForceOpen.
	ForceOpenSummary = "User forced open window"
	// syntheticPrefix marks ids of UI-raised records.
	syntheticPrefix = "force_"
)

// Reconciler presents pending records and routes decisions. Safe for
// concurrent use.
type Reconciler struct {
	reg     *registry.Registry
	factory Factory

	mu      sync.Mutex
	surface Surface
	gen     uint64 // identifies the live surface; events from older ones are stale
	current string // request in focus
	// responseSent is set before delivery of the focused request so a
	// repeated decision event cannot deliver twice.
	responseSent bool

	deliverers map[registry.Transport]Deliverer
	recorder   Recorder
	notify     func(string)
	toolName   string
	log        *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithDeliverer routes decisions for transport t to d.
func WithDeliverer(t registry.Transport, d Deliverer) Option {
	return func(r *Reconciler) { r.deliverers[t] = d }
}

// WithRecorder reports presentations and decisions to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.recorder = rec }
}

// WithNotifier sets where best-effort failure notices go.
func WithNotifier(f func(string)) Option {
	return func(r *Reconciler) { r.notify = f }
}

// WithToolName sets the tool named in the ForceRetry message.
func WithToolName(name string) Option {
	return func(r *Reconciler) {
		if name != "" {
			r.toolName = name
		}
	}
}

// ForceRetryMessage is the feedback ForceRetry sends for tool.
func ForceRetryMessage(tool string) string {
	return fmt.Sprintf("[SYSTEM] User clicked Force Retry. Please immediately call %s tool again to show the dialog.", tool)
}

// New returns a Reconciler that opens surfaces with factory.
func New(reg *registry.Registry, factory Factory, opts ...Option) *Reconciler {
	r := &Reconciler{
		reg:        reg,
		factory:    factory,
		deliverers: make(map[registry.Transport]Deliverer),
		toolName:   DefaultToolName,
		log:        logger.WithComponent("dialog"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Present brings rec into focus, updating the open surface in place or
// opening one.
func (r *Reconciler) Present(rec registry.Record) {
	r.mu.Lock()
	r.presentLocked(rec)
	r.mu.Unlock()

	if r.recorder != nil && !rec.Synthetic {
		if err := r.recorder.RecordPresented(rec); err != nil {
			r.log.Warn("failed to record presentation", "error", err)
		}
	}
}

// AcceptFile registers a request claimed from the file channel and presents it.
func (r *Reconciler) AcceptFile(inc filechannel.Incoming) {
	rec, err := r.reg.Create(inc.Request.RequestID, inc.Request.Summary, registry.TransportFile,
		registry.WithContext(inc.Channel))
	if errors.Is(err, registry.ErrDuplicateID) {
		logger.WithRequest(inc.Request.RequestID).Debug("file request already registered")
		return
	}
	if err != nil {
		r.log.Error("failed to register file request", "error", err)
		return
	}
	r.Present(rec)
}

func (r *Reconciler) presentLocked(rec registry.Record) {
	c := Content{
		RequestID: rec.ID,
		Summary:   rec.Summary,
		Round:     rec.Round,
		Synthetic: rec.Synthetic,
	}
	if n := len(r.reg.Pending()) - 1; n > 0 {
		c.Waiting = n
	}

	r.current = rec.ID
	r.responseSent = false
	log := logger.WithRequest(rec.ID).With("component", "dialog")

	if r.surface != nil {
		r.surface.Update(c)
		log.Debug("surface updated in place")
		return
	}

	r.gen++
	gen := r.gen
	s, err := r.factory(c, func(ev Event) { r.handle(gen, ev) })
	if err != nil {
		r.current = ""
		log.Error("failed to open surface", "error", err)
		r.notifyf("could not open dialog: %v", err)
		return
	}
	r.surface = s
	log.Info("surface opened")
}

// HandleEvent applies an event from the live surface.
func (r *Reconciler) HandleEvent(ev Event) {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	r.handle(gen, ev)
}

func (r *Reconciler) handle(gen uint64, ev Event) {
	switch ev.Kind {
	case EventClosed:
		// A close for a request that is no longer in focus raced an
		// in-place update; the surface is showing something else now.
		r.mu.Lock()
		live := gen == r.gen && r.surface != nil && ev.RequestID == r.current
		if live {
			r.surface = nil
			r.current = ""
			r.responseSent = false
		}
		r.mu.Unlock()
		if !live {
			logger.WithRequest(ev.RequestID).Debug("stale close ignored")
			return
		}
		logger.WithRequest(ev.RequestID).Info("surface closed without a decision, request stays pending")
	case EventDecision:
		if err := r.decide(ev.RequestID, ev.Decision); err != nil {
			logger.WithRequest(ev.RequestID).Debug("decision not applied", "error", err)
		}
	}
}

// Answer resolves request id with d as if it were decided on the surface.
// It returns registry.ErrNotFound when the request is no longer pending.
func (r *Reconciler) Answer(id string, d registry.Decision) error {
	return r.decide(id, d)
}

func (r *Reconciler) decide(id string, d registry.Decision) error {
	r.mu.Lock()
	if id == r.current {
		if r.responseSent {
			r.mu.Unlock()
			return registry.ErrNotFound
		}
		r.responseSent = true
	}
	r.mu.Unlock()

	rec, err := r.reg.Resolve(id, d)
	if err != nil {
		logger.WithRequest(id).Info("late decision dropped", "error", err)
		r.advance(id)
		return err
	}

	log := logger.WithRequest(id).With("component", "dialog")
	if rec.Synthetic {
		log.Info("synthetic request, nothing to deliver")
	} else if dl := r.deliverers[rec.Transport]; dl != nil {
		if err := dl.Deliver(rec, d); err != nil {
			log.Error("delivery failed", "transport", rec.Transport, "error", err)
			r.notifyf("failed to deliver answer: %v", err)
		}
	}

	if r.recorder != nil && !rec.Synthetic {
		if err := r.recorder.RecordDecision(rec, d); err != nil {
			log.Warn("failed to record decision", "error", err)
		}
	}

	r.advance(id)
	return nil
}

// advance moves focus off a finished request: to the newest pending record
// if any, otherwise the surface is closed.
func (r *Reconciler) advance(finished string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != finished {
		return
	}
	if next, ok := r.reg.Latest(); ok {
		r.presentLocked(next)
		return
	}
	r.current = ""
	r.responseSent = false
	if r.surface != nil {
		r.surface.Close()
		r.surface = nil
		r.gen++
	}
}

// Expired moves focus off rec once the registry has expired it. Wire it as
// the registry's expire hook.
func (r *Reconciler) Expired(rec registry.Record) {
	r.advance(rec.ID)
}

// Current returns the id of the request in focus, if any.
func (r *Reconciler) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

// Reopen presents the newest pending request again, for a human who closed
// the surface. It reports false when nothing is pending.
func (r *Reconciler) Reopen() (registry.Record, bool) {
	rec, ok := r.reg.Latest()
	if !ok {
		return registry.Record{}, false
	}
	r.mu.Lock()
	r.presentLocked(rec)
	r.mu.Unlock()
	return rec, true
}

// ForceOpen raises the surface with no caller waiting. Its decision is
// resolved but never delivered.
func (r *Reconciler) ForceOpen() (registry.Record, error) {
	rec, err := r.reg.Create(syntheticPrefix+uuid.New().String(), ForceOpenSummary, registry.TransportLocal, registry.Synthetic())
	if err != nil {
		return registry.Record{}, fmt.Errorf("failed to create synthetic request: %w", err)
	}
	r.Present(rec)
	return rec, nil
}

// ForceEnd ends the focused request, or the newest pending one.
func (r *Reconciler) ForceEnd() error {
	return r.force(registry.Decision{Action: registry.ActionEnd})
}

// ForceRetry answers the focused request, or the newest pending one, with a
// continue asking the caller to invoke the tool again.
func (r *Reconciler) ForceRetry() error {
	return r.force(registry.Decision{Action: registry.ActionContinue, Feedback: ForceRetryMessage(r.toolName)})
}

func (r *Reconciler) force(d registry.Decision) error {
	id, ok := r.Current()
	if ok {
		if rec, found := r.reg.Get(id); !found || rec.State != registry.StatePending {
			ok = false
		}
	}
	if !ok {
		rec, found := r.reg.Latest()
		if !found {
			return registry.ErrNotFound
		}
		id = rec.ID
	}
	return r.decide(id, d)
}

// Close dismisses the surface. Pending records are untouched.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surface != nil {
		r.surface.Close()
		r.surface = nil
		r.gen++
	}
	r.current = ""
}

func (r *Reconciler) notifyf(format string, args ...any) {
	if r.notify != nil {
		r.notify(fmt.Sprintf(format, args...))
	}
}
