package filechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/askcontinue/askcontinue-core/logger"
)

// Incoming is a request claimed by a Watcher.
type Incoming struct {
	Request Request
	// Channel is the pair the request was read from; the response goes there.
	Channel Channel
	// PlainText is set when the file held a bare summary rather than JSON.
	PlainText bool
}

// Watcher claims requests from one workspace-scoped channel and the global
// channel in the same directory.
//
// Change detection is a (modification time, size) fingerprint per file. Two
// rewrites within one mtime tick that leave the size unchanged are
// indistinguishable and the second is missed.
type Watcher struct {
	ch       Channel
	interval time.Duration
	onClaim  func(Incoming)
	log      *slog.Logger

	mu   sync.Mutex
	seen map[string]string // path -> last fingerprint
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the poll period.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithClaimHook registers a function called for every claimed request, before
// it is handed to Run's handler.
func WithClaimHook(f func(Incoming)) WatcherOption {
	return func(w *Watcher) { w.onClaim = f }
}

// NewWatcher returns a Watcher for ch and its global sibling.
func NewWatcher(ch Channel, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		ch:       ch,
		interval: DefaultWatchInterval,
		seen:     make(map[string]string),
		log:      logger.WithComponent("filechannel").With("workspaceID", ch.WorkspaceID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Channel returns the workspace channel being watched.
func (w *Watcher) Channel() Channel {
	return w.ch
}

// channels lists what Poll inspects, own workspace first.
func (w *Watcher) channels() []Channel {
	if w.ch.IsGlobal() {
		return []Channel{w.ch}
	}
	return []Channel{w.ch, w.ch.Global()}
}

// Poll inspects the watched request files once and returns the requests this
// watcher claimed.
func (w *Watcher) Poll() []Incoming {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Incoming
	for _, ch := range w.channels() {
		if in, ok := w.pollOne(ch); ok {
			out = append(out, in)
			if w.onClaim != nil {
				w.onClaim(in)
			}
		}
	}
	return out
}

// pollOne handles one request file. Caller must hold mu.
func (w *Watcher) pollOne(ch Channel) (Incoming, bool) {
	path := ch.RequestPath()

	info, err := os.Stat(path)
	if err != nil {
		delete(w.seen, path)
		return Incoming{}, false
	}
	fp := fmt.Sprintf("%d_%d", info.ModTime().UnixMilli(), info.Size())
	if w.seen[path] == fp {
		return Incoming{}, false
	}
	w.seen[path] = fp
	if info.Size() == 0 {
		return Incoming{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// Another consumer may have claimed it between Stat and ReadFile.
		return Incoming{}, false
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return Incoming{}, false
	}

	in := Incoming{Channel: ch}
	if err := json.Unmarshal([]byte(content), &in.Request); err != nil {
		in.PlainText = true
		in.Request = Request{Summary: content, Timestamp: info.ModTime().UnixMilli()}
	}
	if in.Request.RequestID == "" {
		in.Request.RequestID = fp
	}

	// A request on the shared file that names another window is left for it.
	if ch.IsGlobal() && in.Request.WorkspaceID != "" && in.Request.WorkspaceID != w.ch.WorkspaceID {
		w.log.Debug("skipping request for another workspace",
			"requestID", in.Request.RequestID, "target", in.Request.WorkspaceID)
		return Incoming{}, false
	}

	// Deleting the file is the claim. Losing the race means another window
	// owns this request.
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			w.log.Debug("request claimed elsewhere", "requestID", in.Request.RequestID)
			return Incoming{}, false
		}
		w.log.Warn("failed to delete request file", "path", path, "error", err)
	}
	delete(w.seen, path)

	w.log.Info("request claimed", "requestID", in.Request.RequestID, "path", path, "plainText", in.PlainText)
	return in, true
}

// Run polls on the configured interval until ctx is done, handing each claimed
// request to handle. fsnotify events on the channel directory trigger an
// immediate poll; the ticker stays authoritative because notification support
// varies across platforms and network filesystems.
func (w *Watcher) Run(ctx context.Context, handle func(Incoming)) error {
	if err := os.MkdirAll(w.ch.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create channel directory: %w", err)
	}

	dispatch := func() {
		for _, in := range w.Poll() {
			handle(in)
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer func() { _ = fw.Close() }()
		if err := fw.Add(w.ch.Dir); err != nil {
			w.log.Warn("fsnotify watch failed, polling only", "dir", w.ch.Dir, "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	dispatch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dispatch()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if w.isRequestFile(ev.Name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				dispatch()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Debug("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) isRequestFile(name string) bool {
	base := filepath.Base(name)
	for _, ch := range w.channels() {
		if base == filepath.Base(ch.RequestPath()) {
			return true
		}
	}
	return false
}
