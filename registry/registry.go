// Package registry tracks every request awaiting a human decision.
//
// Each request id maps to exactly one record. A record moves from Pending to
// Resolved or Expired exactly once; the transition is a compare-and-set under
// the registry lock, so the RPC waiter, the file poller and the UI can all race
// to resolve the same id and only one of them wins.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/metrics"
)

var (
	// ErrDuplicateID is returned by Create when a live record already uses the id.
	ErrDuplicateID = errors.New("request id already in use")
	// ErrNotFound is returned when no pending record exists for the id. On
	// Resolve this is an expected race, not a fault.
	ErrNotFound = errors.New("no pending request with that id")
	// ErrExpired is returned by Wait when the record timed out.
	ErrExpired = errors.New("request expired")
)

// DefaultExpiry bounds how long a record may stay pending.
const DefaultExpiry = 30 * time.Minute

type entry struct {
	rec  Record
	seq  uint64
	done chan struct{}
}

// Registry is the set of pending, resolved and recently expired records.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	expiry   time.Duration
	now      func() time.Time
	metrics  *metrics.Collector
	onExpire func(Record)
	log      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithExpiry sets how long a record may stay pending. Zero disables expiry.
func WithExpiry(d time.Duration) Option {
	return func(r *Registry) { r.expiry = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics reports registry activity to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = c }
}

// WithExpireHook registers a function called, outside the lock, for each
// record that expires.
func WithExpireHook(f func(Record)) Option {
	return func(r *Registry) { r.onExpire = f }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		expiry:  DefaultExpiry,
		now:     time.Now,
		log:     logger.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOption sets optional record fields.
type CreateOption func(*Record)

// WithContext attaches transport delivery details.
func WithContext(v any) CreateOption {
	return func(rec *Record) { rec.TransportContext = v }
}

// WithRound records the caller's round number.
func WithRound(n int) CreateOption {
	return func(rec *Record) { rec.Round = n }
}

// Synthetic marks a record raised by the UI with no caller waiting.
func Synthetic() CreateOption {
	return func(rec *Record) { rec.Synthetic = true }
}

// Create registers a pending record. An empty id gets a fresh one. Creating
// over an expired record replaces it; creating over a pending or resolved one
// fails with ErrDuplicateID.
func (r *Registry) Create(id, summary string, transport Transport, opts ...CreateOption) (Record, error) {
	r.Sweep()

	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	if e, ok := r.entries[id]; ok && e.rec.State != StateExpired {
		r.mu.Unlock()
		return Record{}, ErrDuplicateID
	}

	rec := Record{
		ID:        id,
		Summary:   summary,
		CreatedAt: r.now(),
		Transport: transport,
		State:     StatePending,
	}
	for _, opt := range opts {
		opt(&rec)
	}

	r.seq++
	r.entries[id] = &entry{rec: rec, seq: r.seq, done: make(chan struct{})}
	pending := r.pendingCountLocked()
	r.mu.Unlock()

	r.metrics.RequestCreated(string(transport))
	r.metrics.SetPending(pending)
	logger.WithRequest(id).Info("request created", "transport", transport, "round", rec.Round, "synthetic", rec.Synthetic)
	return rec, nil
}

// Resolve applies d to the pending record id. Exactly one Resolve per id
// succeeds; every later call, and any call against an expired or unknown id,
// returns ErrNotFound and changes nothing.
func (r *Registry) Resolve(id string, d Decision) (Record, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.rec.State != StatePending {
		r.mu.Unlock()
		r.metrics.ResolveRace()
		logger.WithRequest(id).Debug("resolve found no pending record")
		return Record{}, ErrNotFound
	}
	if r.overdueLocked(e) {
		r.expireLocked(e)
		rec := e.rec
		pending := r.pendingCountLocked()
		r.mu.Unlock()
		r.afterExpire([]Record{rec}, pending)
		r.metrics.ResolveRace()
		return Record{}, ErrNotFound
	}

	decision := d
	e.rec.State = StateResolved
	e.rec.ResolvedAt = r.now()
	e.rec.Decision = &decision
	close(e.done)
	rec := e.rec
	pending := r.pendingCountLocked()
	r.mu.Unlock()

	r.metrics.RequestResolved(string(rec.Transport), string(d.Action), rec.ResolvedAt.Sub(rec.CreatedAt))
	r.metrics.SetPending(pending)
	logger.WithRequest(id).Info("request resolved", "action", d.Action, "attachments", len(d.Attachments))
	return rec, nil
}

// Expire moves a pending record to Expired and wakes its waiters. It reports
// whether this call made the transition; repeated calls are no-ops.
func (r *Registry) Expire(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.rec.State != StatePending {
		r.mu.Unlock()
		return false
	}
	r.expireLocked(e)
	rec := e.rec
	pending := r.pendingCountLocked()
	r.mu.Unlock()

	r.afterExpire([]Record{rec}, pending)
	return true
}

// Get returns a snapshot of record id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Wait blocks until record id is resolved or expires, or ctx is done. A
// cancelled ctx leaves the record pending.
func (r *Registry) Wait(ctx context.Context, id string) (Decision, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.rec.State == StateResolved && e.rec.Decision != nil {
		return *e.rec.Decision, nil
	}
	return Decision{}, ErrExpired
}

// Pending returns snapshots of every pending record, oldest first.
func (r *Registry) Pending() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.rec.State == StatePending {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })

	out := make([]Record, len(list))
	for i, e := range list {
		out[i] = e.rec
	}
	return out
}

// Latest returns the most recently created pending record.
func (r *Registry) Latest() (Record, bool) {
	pending := r.Pending()
	if len(pending) == 0 {
		return Record{}, false
	}
	return pending[len(pending)-1], true
}

// Sweep expires overdue pending records and forgets finished records older
// than the expiry window. It returns how many records it expired.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	var expired []Record
	now := r.now()
	for id, e := range r.entries {
		switch {
		case e.rec.State == StatePending && r.overdueLocked(e):
			r.expireLocked(e)
			expired = append(expired, e.rec)
		case e.rec.State != StatePending && r.expiry > 0 && now.Sub(e.rec.ResolvedAt) > r.expiry:
			delete(r.entries, id)
		}
	}
	pending := r.pendingCountLocked()
	r.mu.Unlock()

	if len(expired) > 0 {
		r.afterExpire(expired, pending)
	}
	return len(expired)
}

// Run sweeps on interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Info("expired stale requests", "count", n)
			}
		}
	}
}

func (r *Registry) overdueLocked(e *entry) bool {
	return r.expiry > 0 && r.now().Sub(e.rec.CreatedAt) > r.expiry
}

// expireLocked transitions e to Expired. Caller must hold mu and have checked
// that e is pending.
func (r *Registry) expireLocked(e *entry) {
	e.rec.State = StateExpired
	e.rec.ResolvedAt = r.now()
	close(e.done)
}

func (r *Registry) pendingCountLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.rec.State == StatePending {
			n++
		}
	}
	return n
}

func (r *Registry) afterExpire(recs []Record, pending int) {
	r.metrics.SetPending(pending)
	for _, rec := range recs {
		r.metrics.RequestExpired(string(rec.Transport))
		logger.WithRequest(rec.ID).Info("request expired", "transport", rec.Transport, "age", rec.ResolvedAt.Sub(rec.CreatedAt))
		if r.onExpire != nil {
			r.onExpire(rec)
		}
	}
}
