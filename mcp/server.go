package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/metrics"
	"github.com/askcontinue/askcontinue-core/registry"
)

const (
	ProtocolVersion = "2025-03-26"
	ServerName      = "ask-continue"
	ServerVersion   = "1.0.0"
	DefaultToolName = "ask_continue"

	// DefaultHeartbeat is the interval between SSE keepalive comments.
	DefaultHeartbeat = 15 * time.Second
	// EndpointPath is the POST path advertised in the SSE endpoint event.
	EndpointPath = "/mcp"
	// SessionHeader carries the session id on sync requests and replies.
	SessionHeader = "Mcp-Session-Id"

	maxBodyBytes    = 32 << 20
	shutdownTimeout = 5 * time.Second
)

// Dialog shows requests to the human and accepts answers arriving through
// the HTTP decision endpoint.
type Dialog interface {
	Present(rec registry.Record)
	Answer(id string, d registry.Decision) error
}

// CallContext is the transport context of an RPC-originated record.
type CallContext struct {
	SessionID        string
	RPCID            any
	ProjectDirectory string
}

// Server implements the MCP tool endpoint over HTTP with SSE push delivery.
type Server struct {
	reg      *registry.Registry
	dialog   Dialog
	sessions *SessionStore
	metrics  *metrics.Collector

	toolName      string
	serverName    string
	serverVersion string
	heartbeat     time.Duration
	grace         time.Duration

	port  atomic.Int64
	calls atomic.Int64 // round counter for callers without a session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	log    *slog.Logger
}

// ServerOption is a functional option for configuring Server
type ServerOption func(*Server)

// WithToolName sets the name the tool is offered and invoked under.
func WithToolName(name string) ServerOption {
	return func(s *Server) { s.toolName = name }
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) {
		s.serverName = name
		s.serverVersion = version
	}
}

// WithHeartbeat sets the SSE keepalive interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// WithSessionGrace sets how long a session survives its closed stream.
func WithSessionGrace(d time.Duration) ServerOption {
	return func(s *Server) { s.grace = d }
}

// WithMetrics reports server activity to c and serves it on /metrics.
func WithMetrics(c *metrics.Collector) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// NewServer creates a server that records tool calls in reg and shows them
// through dialog.
func NewServer(reg *registry.Registry, dialog Dialog, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		reg:           reg,
		dialog:        dialog,
		toolName:      DefaultToolName,
		serverName:    ServerName,
		serverVersion: ServerVersion,
		heartbeat:     DefaultHeartbeat,
		grace:         DefaultSessionGrace,
		ctx:           ctx,
		cancel:        cancel,
		log:           logger.WithComponent("mcp"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = NewSessionStore(s.grace, s.metrics)
	return s
}

// Sessions exposes the server's session store.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// SetPort records the port reported by /health.
func (s *Server) SetPort(port int) {
	s.port.Store(int64(port))
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/pending", s.handlePending)
	r.Post("/pending/{id}/decision", s.handleDecision)

	for _, path := range []string{"/", EndpointPath, "/sse"} {
		r.Get(path, s.handleSSE)
		r.Post(path, s.handleRPC)
	}
	return r
}

// Serve accepts connections on ln until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.SetPort(tcp.Port)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("listening", "addr", ln.Addr().String(), "tool", s.toolName)

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close ends every SSE stream and waits for background deliveries to stop.
// Calls still waiting on the human are answered with an empty continue.
func (s *Server) Close() {
	s.once.Do(func() {
		s.cancel()
		s.sessions.Close()
		s.wg.Wait()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "port": s.port.Load()})
}

// PendingItem is one entry of GET /pending.
type PendingItem struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	Transport string    `json:"transport"`
	Round     int       `json:"round,omitempty"`
	Synthetic bool      `json:"synthetic,omitempty"`
}

// DecisionRequest is the body of POST /pending/{id}/decision. Images are
// base64 data URLs.
type DecisionRequest struct {
	Action   string   `json:"action"`
	Feedback string   `json:"feedback"`
	Images   []string `json:"images,omitempty"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.reg.Pending()
	items := make([]PendingItem, 0, len(pending))
	for _, rec := range pending {
		items = append(items, PendingItem{
			ID:        rec.ID,
			Summary:   rec.Summary,
			CreatedAt: rec.CreatedAt,
			Transport: string(rec.Transport),
			Round:     rec.Round,
			Synthetic: rec.Synthetic,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "latest" {
		rec, ok := s.reg.Latest()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no pending request"})
			return
		}
		id = rec.ID
	}

	var body DecisionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	action, err := registry.ParseAction(body.Action)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d := registry.Decision{Action: action, Feedback: body.Feedback}
	for _, img := range body.Images {
		a, err := ParseDataURL(img)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		d.Attachments = append(d.Attachments, a)
	}

	if s.dialog != nil {
		err = s.dialog.Answer(id, d)
	} else {
		_, err = s.reg.Resolve(id, d)
	}
	if errors.Is(err, registry.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, stream, detach := s.sessions.Attach(sessionIDFrom(r))
	defer detach()
	log := logger.WithSession(sess.ID).With("component", "mcp")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", EndpointPath, sess.ID)
	flusher.Flush()
	log.Info("SSE stream opened")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			log.Info("SSE stream closed by client")
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				log.Debug("keepalive failed", "error", err)
				return
			}
			flusher.Flush()
		case msg, ok := <-stream:
			if !ok {
				log.Info("SSE stream replaced or server closing")
				return
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				log.Warn("SSE write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.sendError(w, nil, CodeParseError, "Parse error")
		return
	}

	if len(body) == 0 {
		s.sendError(w, nil, CodeInvalidRequest, "Invalid Request")
		return
	}
	if !json.Valid(body) {
		s.sendError(w, nil, CodeParseError, "Parse error")
		return
	}

	// Anything that parses but is not a 2.0 request object is invalid.
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Debug("malformed request", "error", err)
		s.sendError(w, nil, CodeInvalidRequest, "Invalid Request")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, CodeInvalidRequest, "Invalid Request")
		return
	}

	sessionID := sessionIDFrom(r)
	s.metrics.RPCCall(req.Method)
	s.log.Debug("received request", "method", req.Method, "id", req.ID, "sessionID", sessionID)

	switch {
	case req.Method == "initialize":
		s.handleInitialize(w, sessionID, &req)
	case req.Method == "tools/list":
		s.reply(w, sessionID, req.ID, ToolsListResult{Tools: []ToolDefinition{toolDefinition(s.toolName)}})
	case req.Method == "tools/call":
		s.handleToolsCall(w, r, sessionID, &req)
	case req.Method == "ping":
		s.reply(w, sessionID, req.ID, struct{}{})
	case strings.HasPrefix(req.Method, "notifications/"):
		w.WriteHeader(http.StatusAccepted)
	default:
		s.sendError(w, req.ID, CodeMethodNotFound, "Method not found: "+req.Method)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, sessionID string, req *JSONRPCRequest) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, CodeInvalidParams, "Invalid params")
			return
		}
	}
	sess := s.sessions.Ensure(sessionID)
	logger.WithSession(sess.ID).Info("client initialized", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)

	s.reply(w, sess.ID, req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ServerInfo:      ServerInfo{Name: s.serverName, Version: s.serverVersion},
	})
}

// checkTool reports whether name is the tool this server offers.
func (s *Server) checkTool(name string) error {
	if name != s.toolName {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return nil
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, sessionID string, req *JSONRPCRequest) {
	var params ToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, CodeInvalidParams, "Invalid params")
			return
		}
	}
	if err := s.checkTool(params.Name); err != nil {
		s.log.Warn("tools/call rejected", "error", err)
		s.sendError(w, req.ID, CodeMethodNotFound, "Unknown tool: "+params.Name)
		return
	}

	summary, _ := params.Arguments["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		summary = DefaultSummary
	}
	projectDir, _ := params.Arguments["project_directory"].(string)

	round := s.sessions.IncrementCalls(sessionID)
	if round == 0 {
		round = int(s.calls.Add(1))
	}

	transport := registry.TransportRPCSync
	var prev <-chan struct{}
	var done chan struct{}
	if s.sessions.HasStream(sessionID) {
		transport = registry.TransportRPCSSE
		prev, done = s.sessions.Reserve(sessionID)
	}

	rec, err := s.reg.Create("", summary, transport,
		registry.WithContext(CallContext{SessionID: sessionID, RPCID: req.ID, ProjectDirectory: projectDir}),
		registry.WithRound(round))
	if err != nil {
		if done != nil {
			close(done)
		}
		s.log.Error("failed to create request", "error", err)
		s.sendError(w, req.ID, CodeInternalError, "Internal error")
		return
	}
	log := logger.WithRequest(rec.ID).With("component", "mcp", "sessionID", sessionID)
	log.Info("tool call waiting for decision", "round", round, "transport", transport, "summary", truncateString(summary, 80))

	if secs, ok := params.Arguments["timeout"].(float64); ok && secs > 0 {
		timer := time.AfterFunc(time.Duration(secs*float64(time.Second)), func() { s.reg.Expire(rec.ID) })
		defer timer.Stop()
	}

	if s.dialog != nil {
		s.dialog.Present(rec)
	}

	waitCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	d, err := s.reg.Wait(waitCtx, rec.ID)
	switch {
	case err == nil, errors.Is(err, registry.ErrExpired):
	case s.ctx.Err() != nil:
		// Shutting down: answer now rather than leave the caller hanging.
		s.reg.Expire(rec.ID)
		err = registry.ErrExpired
	default:
		// The caller hung up. The record stays pending; its answer goes out
		// over the session's stream if one is open by then.
		log.Info("caller disconnected, delivering by push")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			d, err := s.reg.Wait(s.ctx, rec.ID)
			if err != nil && !errors.Is(err, registry.ErrExpired) {
				if done != nil {
					close(done)
				}
				return
			}
			s.deliver(nil, sessionID, prev, done, s.toolResponse(req.ID, d, err))
		}()
		return
	}
	s.deliver(w, sessionID, prev, done, s.toolResponse(req.ID, d, err))
}

// toolResponse builds the tool result. An expired record yields an empty
// continue so the caller keeps going.
func (s *Server) toolResponse(id any, d registry.Decision, err error) JSONRPCResponse {
	if errors.Is(err, registry.ErrExpired) {
		d = registry.Decision{Action: registry.ActionContinue}
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: BuildResult(s.toolName, d)}
}

// deliver pushes resp over the session's stream when one is open, otherwise
// writes it to w. With a push slot (done non-nil) it first waits for the
// session's earlier pushes. A nil w with no open stream drops the response.
func (s *Server) deliver(w http.ResponseWriter, sessionID string, prev <-chan struct{}, done chan struct{}, resp JSONRPCResponse) {
	if done != nil {
		defer close(done)
		select {
		case <-prev:
		case <-s.ctx.Done():
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		if w != nil {
			s.sendError(w, resp.ID, CodeInternalError, "Internal error")
		}
		return
	}
	if sessionID != "" && s.sessions.Push(sessionID, data) {
		if w != nil {
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}
	if w == nil {
		logger.WithSession(sessionID).Warn("no open stream, result dropped", "id", resp.ID)
		return
	}
	s.write(w, sessionID, data)
}

// reply sends a result over SSE when the session has a stream, else inline.
func (s *Server) reply(w http.ResponseWriter, sessionID string, id any, result any) {
	s.deliver(w, sessionID, nil, nil, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(w http.ResponseWriter, id any, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal error response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.write(w, "", data)
}

func (s *Server) write(w http.ResponseWriter, sessionID string, data []byte) {
	if sessionID != "" {
		w.Header().Set(SessionHeader, sessionID)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("response write failed", "error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionIDFrom(r *http.Request) string {
	if id := r.URL.Query().Get("sessionId"); id != "" {
		return id
	}
	return r.Header.Get(SessionHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// truncateString truncates a string to maxLen characters, adding "..." if truncated
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
