// Package logger owns the process-wide structured logger.
//
// Every log line goes to a single file so that the long-lived server and the
// short-lived ask requesters never write to a terminal the host agent is
// reading from.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/askcontinue/askcontinue-core/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the default log file path for the server process.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "askcontinue.log"), nil
}

// AskLogPath returns the log path for a requester process bound to a workspace.
// An empty workspace ID maps to the shared "global" requester log.
func AskLogPath(workspaceID string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	if workspaceID == "" {
		workspaceID = "global"
	}
	return filepath.Join(dir, fmt.Sprintf("ask-%s.log", workspaceID)), nil
}

// Path returns the file the logger is currently writing to, or "" before init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Init initializes the logger with a custom path. Must be called before logging.
// If not called, the default path will be used on first log call.
// Returns an error if the log file cannot be opened.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	return openLocked(path)
}

// openLocked opens path for appending and installs a text handler on it.
// Caller must hold mu.
func openLocked(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logPath = path
	logFile = f
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true

	root.Info("logger initialized", "path", path, "pid", os.Getpid())
	return nil
}

// ensureInit initializes the logger with default settings if not already initialized.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}

	defaultPath, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}
	if err := openLocked(defaultPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// with returns the root logger (or slog's default) with args attached.
func with(args ...any) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	base := root
	if base == nil {
		base = slog.Default()
	}
	if len(args) == 0 {
		return base
	}
	return base.With(args...)
}

// Get returns the root logger instance.
// Use this when you don't have session context.
func Get() *slog.Logger {
	return with()
}

// WithSession returns a logger with the RPC session ID attached.
//
// Example:
//
//	log := logger.WithSession(sess.ID)
//	log.Info("stream attached")
//	// Output: level=INFO msg="stream attached" sessionID=9f2c...
func WithSession(sessionID string) *slog.Logger {
	return with("sessionID", sessionID)
}

// WithComponent returns a logger with the component name attached.
//
// Example:
//
//	log := logger.WithComponent("ports")
//	log.Info("bound", "port", 3471)
//	// Output: level=INFO msg=bound component=ports port=3471
func WithComponent(component string) *slog.Logger {
	return with("component", component)
}

// WithRequest returns a logger scoped to a single pending request.
func WithRequest(requestID string) *slog.Logger {
	return with("requestID", requestID)
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}

// ClearLogs removes the server log and every requester log from the logs
// directory. It returns how many files were removed.
func ClearLogs() (int, error) {
	defaultPath, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("failed to get default log path: %w", err)
	}

	askLogs, err := filepath.Glob(filepath.Join(filepath.Dir(defaultPath), "ask-*.log"))
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range append([]string{defaultPath}, askLogs...) {
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}
	return count, nil
}
