package mcp

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/metrics"
)

const (
	// DefaultSessionGrace is how long a session outlives its closed stream.
	DefaultSessionGrace = 60 * time.Second
	// streamBuffer bounds queued SSE messages per stream.
	streamBuffer = 64
)

// Session is a snapshot of one RPC client's state.
type Session struct {
	ID        string
	CreatedAt time.Time
	CallCount int
}

type sessionState struct {
	Session
	stream    chan []byte // nil while no SSE stream is attached
	streamGen uint64
	grace     *time.Timer
	// tail is closed once the last reserved push has been delivered or dropped.
	tail chan struct{}
}

// SessionStore owns every RPC session. A session exists from its first
// initialize or SSE connect until its stream has been closed for the grace
// period.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	gen      uint64
	grace    time.Duration
	metrics  *metrics.Collector
	closed   bool
}

// NewSessionStore creates an empty store.
func NewSessionStore(grace time.Duration, m *metrics.Collector) *SessionStore {
	if grace <= 0 {
		grace = DefaultSessionGrace
	}
	return &SessionStore{
		sessions: make(map[string]*sessionState),
		grace:    grace,
		metrics:  m,
	}
}

// NewSessionID returns a 32-character hex id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (s *SessionStore) getOrCreateLocked(id string) *sessionState {
	if id == "" {
		id = NewSessionID()
	}
	st, ok := s.sessions[id]
	if !ok {
		done := make(chan struct{})
		close(done)
		st = &sessionState{
			Session: Session{ID: id, CreatedAt: time.Now()},
			tail:    done,
		}
		s.sessions[id] = st
		s.metrics.SetSessions(len(s.sessions))
		logger.WithSession(id).Debug("session created")
	}
	return st
}

// Ensure returns session id, creating it if needed. An empty id gets a fresh one.
func (s *SessionStore) Ensure(id string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id).Session
}

// Get returns a snapshot of session id.
func (s *SessionStore) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return st.Session, true
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Attach binds a new SSE stream to session id, creating the session if
// needed and cancelling any pending grace expiry. A previous stream for the
// same session is closed. The returned detach func must be called when the
// stream ends.
func (s *SessionStore) Attach(id string) (Session, <-chan []byte, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.getOrCreateLocked(id)
	if st.grace != nil {
		st.grace.Stop()
		st.grace = nil
	}
	if st.stream != nil {
		close(st.stream)
	}
	s.gen++
	gen := s.gen
	st.stream = make(chan []byte, streamBuffer)
	st.streamGen = gen

	sid := st.ID
	var once sync.Once
	return st.Session, st.stream, func() {
		once.Do(func() { s.detach(sid, gen) })
	}
}

// detach drops the stream if it is still the one attached under gen, and
// schedules the session's removal after the grace period.
func (s *SessionStore) detach(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok || st.streamGen != gen || st.stream == nil {
		return
	}
	close(st.stream)
	st.stream = nil
	if s.closed {
		return
	}
	st.grace = time.AfterFunc(s.grace, func() { s.expire(id, gen) })
	logger.WithSession(id).Debug("stream closed, session in grace period", "grace", s.grace)
}

func (s *SessionStore) expire(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[id]
	if !ok || st.stream != nil || st.streamGen != gen {
		return
	}
	delete(s.sessions, id)
	s.metrics.SetSessions(len(s.sessions))
	logger.WithSession(id).Info("session removed after grace period")
}

// HasStream reports whether session id has an open SSE stream.
func (s *SessionStore) HasStream(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	return ok && st.stream != nil
}

// Push queues msg on session id's stream. It reports false when the session
// has no stream or the stream's buffer is full.
func (s *SessionStore) Push(id string, msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := false
	if st, ok := s.sessions[id]; ok && st.stream != nil {
		select {
		case st.stream <- msg:
			delivered = true
		default:
		}
	}
	s.metrics.SSEPush(delivered)
	return delivered
}

// IncrementCalls bumps and returns session id's call counter. Unknown or
// empty ids return 0.
func (s *SessionStore) IncrementCalls(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return 0
	}
	st.CallCount++
	return st.CallCount
}

// Reserve takes the next slot in session id's push order. The caller must
// wait on prev before pushing and close done afterwards, whether or not the
// push succeeded.
func (s *SessionStore) Reserve(id string) (prev <-chan struct{}, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreateLocked(id)
	prev = st.tail
	done = make(chan struct{})
	st.tail = done
	return prev, done
}

// Close ends every stream and stops all grace timers.
func (s *SessionStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, st := range s.sessions {
		if st.grace != nil {
			st.grace.Stop()
			st.grace = nil
		}
		if st.stream != nil {
			close(st.stream)
			st.stream = nil
		}
	}
}
