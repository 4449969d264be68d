// Package ports picks the TCP port a server listens on and publishes it for
// discovery.
//
// The preferred port is a pure function of the project identity, so independent
// invocations for the same project converge without coordinating. Each bound
// process writes <pid>.port into a shared directory; files whose owner has
// exited are swept opportunistically.
package ports

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/askcontinue/askcontinue-core/fsutil"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/process"
	"github.com/askcontinue/askcontinue-core/workspace"
)

// ErrAllPortsExhausted is returned when every port in the bind budget is taken.
var ErrAllPortsExhausted = errors.New("all ports exhausted")

const (
	DefaultRangeStart = 3457
	DefaultRangeEnd   = 3557
	DefaultAttempts   = 4

	portFileExt = ".port"
)

// Binding is the content of a discovery file.
type Binding struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	Time      int64  `json:"time"` // unix milliseconds
	ProjectID string `json:"projectId,omitempty"`
}

// BoundAt returns when the binding was registered.
func (b Binding) BoundAt() time.Time {
	return time.UnixMilli(b.Time)
}

// ListenFunc opens a listener; net.Listen by default.
type ListenFunc func(network, address string) (net.Listener, error)

// Allocator derives, binds and publishes server ports.
type Allocator struct {
	dir        string
	host       string
	rangeStart int
	rangeEnd   int
	attempts   int
	listen     ListenFunc
	alive      func(pid int) bool
	now        func() time.Time
	log        *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange sets the inclusive range preferred ports are hashed into.
func WithRange(start, end int) Option {
	return func(a *Allocator) {
		a.rangeStart = start
		a.rangeEnd = end
	}
}

// WithAttempts sets the total number of ports Bind tries.
func WithAttempts(n int) Option {
	return func(a *Allocator) { a.attempts = n }
}

// WithHost sets the interface Bind listens on.
func WithHost(host string) Option {
	return func(a *Allocator) { a.host = host }
}

// WithListenFunc replaces net.Listen.
func WithListenFunc(f ListenFunc) Option {
	return func(a *Allocator) { a.listen = f }
}

// WithAliveFunc replaces the process liveness probe used by Sweep and Discover.
func WithAliveFunc(f func(pid int) bool) Option {
	return func(a *Allocator) { a.alive = f }
}

// New returns an Allocator that publishes discovery files in dir.
func New(dir string, opts ...Option) *Allocator {
	a := &Allocator{
		dir:        dir,
		host:       "127.0.0.1",
		rangeStart: DefaultRangeStart,
		rangeEnd:   DefaultRangeEnd,
		attempts:   DefaultAttempts,
		listen:     net.Listen,
		alive:      process.Alive,
		now:        time.Now,
		log:        logger.WithComponent("ports"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Dir returns the discovery directory.
func (a *Allocator) Dir() string {
	return a.dir
}

// PreferredPort maps projectID into the configured range. An empty projectID
// gets the start of the range.
func (a *Allocator) PreferredPort(projectID string) int {
	if projectID == "" {
		return a.rangeStart
	}
	span := int64(a.rangeEnd - a.rangeStart + 1)
	if span <= 0 {
		return a.rangeStart
	}
	return a.rangeStart + int(workspace.Hash(projectID)%span)
}

// Bind listens on port, moving to the next port on address-in-use until the
// attempt budget runs out. It returns the listener and the port it holds.
// Errors other than address-in-use stop the probe immediately.
func (a *Allocator) Bind(port int) (net.Listener, int, error) {
	for i := range a.attempts {
		p := port + i
		ln, err := a.listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(p)))
		if err == nil {
			a.log.Info("port bound", "port", p, "attempt", i+1)
			return ln, p, nil
		}
		if !isAddrInUse(err) {
			return nil, 0, fmt.Errorf("failed to listen on port %d: %w", p, err)
		}
		a.log.Debug("port in use, trying next", "port", p)
	}
	return nil, 0, fmt.Errorf("ports %d-%d: %w", port, port+a.attempts-1, ErrAllPortsExhausted)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// Windows reports WSAEADDRINUSE, which syscall.EADDRINUSE does not match.
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address")
}

// PortFile returns the discovery file path for pid.
func (a *Allocator) PortFile(pid int) string {
	return filepath.Join(a.dir, strconv.Itoa(pid)+portFileExt)
}

// Register writes the discovery file for b.PID. A zero Time is set to now.
// The write is retried once before giving up.
func (a *Allocator) Register(b Binding) error {
	if b.Time == 0 {
		b.Time = a.now().UnixMilli()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}

	path := a.PortFile(b.PID)
	err = fsutil.Retry(func() error {
		if err := os.MkdirAll(a.dir, 0755); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(path, data, 0644)
	})
	if err != nil {
		return fmt.Errorf("failed to write port file %s: %w", path, err)
	}
	a.log.Info("port file registered", "path", path, "port", b.Port, "pid", b.PID)
	return nil
}

// Unregister removes the discovery file for pid.
func (a *Allocator) Unregister(pid int) error {
	return fsutil.RemoveIfExists(a.PortFile(pid))
}

// Sweep removes discovery files whose owner is no longer alive, along with
// files that cannot be parsed. The caller's own file is never removed.
// It returns the number of files removed.
func (a *Allocator) Sweep() (int, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	self := os.Getpid()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), portFileExt) {
			continue
		}
		path := filepath.Join(a.dir, entry.Name())

		b, err := readBinding(path)
		if err == nil && (b.PID == self || a.alive(b.PID)) {
			continue
		}
		if err != nil {
			// The name is authoritative for our own file even if its body is damaged.
			if pid, perr := pidFromName(entry.Name()); perr == nil && pid == self {
				continue
			}
		}

		if rmErr := fsutil.RemoveIfExists(path); rmErr != nil {
			a.log.Warn("failed to remove stale port file", "path", path, "error", rmErr)
			continue
		}
		removed++
		a.log.Debug("removed stale port file", "path", path, "parseError", err)
	}
	return removed, nil
}

// Discover lists the bindings of live processes, newest first.
func (a *Allocator) Discover() ([]Binding, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Binding
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), portFileExt) {
			continue
		}
		b, err := readBinding(filepath.Join(a.dir, entry.Name()))
		if err != nil || !a.alive(b.PID) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time > out[j].Time })
	return out, nil
}

func readBinding(path string) (Binding, error) {
	var b Binding
	data, err := os.ReadFile(path)
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, err
	}
	if b.PID <= 0 || b.Port <= 0 {
		return b, fmt.Errorf("incomplete binding in %s", path)
	}
	return b, nil
}

func pidFromName(name string) (int, error) {
	return strconv.Atoi(strings.TrimSuffix(name, portFileExt))
}
