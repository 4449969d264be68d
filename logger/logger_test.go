package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/askcontinue/askcontinue-core/paths"
)

// initTemp points the logger at a fresh file and returns its path.
func initTemp(t *testing.T) string {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "logs", "askcontinue.log")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return path
}

// isolateHome makes paths resolve under a temp home with no XDG overrides.
func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(b)
}

func TestInit_CreatesDirAndRecordsPath(t *testing.T) {
	path := initTemp(t)

	if Path() != path {
		t.Errorf("Path() = %q, want %q", Path(), path)
	}
	got := readLog(t, path)
	if !strings.Contains(got, "logger initialized") || !strings.Contains(got, fmt.Sprintf("pid=%d", os.Getpid())) {
		t.Errorf("startup line missing:\n%s", got)
	}

	// A second Init is ignored until Reset.
	other := filepath.Join(t.TempDir(), "other.log")
	if err := Init(other); err != nil {
		t.Fatal(err)
	}
	if Path() != path {
		t.Errorf("second Init moved the log to %q", Path())
	}
	if _, err := os.Stat(other); !os.IsNotExist(err) {
		t.Errorf("second Init should not create %s", other)
	}
}

func TestInit_Unwritable(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	err := Init(filepath.Join(blocker, "askcontinue.log"))
	if err == nil || !strings.Contains(err.Error(), "failed to create log directory") {
		t.Fatalf("Init under a regular file: err = %v", err)
	}
	if Path() != "" {
		t.Errorf("Path() = %q after failed Init", Path())
	}
}

func TestScopedLoggers(t *testing.T) {
	tests := []struct {
		name string
		log  func() *slog.Logger
		want string
	}{
		{"component", func() *slog.Logger { return WithComponent("ports") }, "component=ports"},
		{"session", func() *slog.Logger { return WithSession("9f2c01") }, "sessionID=9f2c01"},
		{"request", func() *slog.Logger { return WithRequest("req-42") }, "requestID=req-42"},
		{"root", Get, "msg=scoped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := initTemp(t)
			tt.log().Info("scoped", "round", 3)

			got := readLog(t, path)
			for _, want := range []string{tt.want, "round=3", "level=INFO"} {
				if !strings.Contains(got, want) {
					t.Errorf("log missing %q:\n%s", want, got)
				}
			}
		})
	}
}

func TestSetDebug(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		wantDebug bool
	}{
		{"default level drops debug", false, false},
		{"debug enabled", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := initTemp(t)
			SetDebug(tt.debug)
			WithComponent("watcher").Debug("poll tick")
			WithComponent("watcher").Info("claimed")

			got := readLog(t, path)
			if strings.Contains(got, "poll tick") != tt.wantDebug {
				t.Errorf("debug line present = %v, want %v:\n%s", !tt.wantDebug, tt.wantDebug, got)
			}
			if !strings.Contains(got, "claimed") {
				t.Errorf("info line missing:\n%s", got)
			}
		})
	}
}

func TestReset_RestoresInfoLevel(t *testing.T) {
	initTemp(t)
	SetDebug(true)

	path := initTemp(t)
	Get().Debug("after reset")
	if strings.Contains(readLog(t, path), "after reset") {
		t.Error("Reset should drop the debug level")
	}
}

func TestWith_FallsBackAfterClose(t *testing.T) {
	initTemp(t)
	Close()

	if Get() != slog.Default() {
		t.Error("Get after Close should return slog.Default")
	}
	// Attributes still attach to the fallback.
	if WithRequest("r1") == nil {
		t.Fatal("WithRequest returned nil")
	}
}

func TestEnsureInit_DefaultPath(t *testing.T) {
	isolateHome(t)
	Reset()
	t.Cleanup(Reset)

	Get().Info("lazy init")

	want, err := DefaultLogPath()
	if err != nil {
		t.Fatal(err)
	}
	if Path() != want {
		t.Errorf("Path() = %q, want %q", Path(), want)
	}
	if !strings.Contains(readLog(t, want), "lazy init") {
		t.Error("lazy-initialized logger did not write to the default path")
	}
}

func TestConcurrentLogging(t *testing.T) {
	path := initTemp(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 25 {
				WithRequest(fmt.Sprintf("r%d", i)).Info("delivered", "n", j)
			}
		}()
	}
	wg.Wait()

	if n := strings.Count(readLog(t, path), "msg=delivered"); n != 200 {
		t.Errorf("got %d lines, want 200", n)
	}
}

func TestAskLogPath(t *testing.T) {
	isolateHome(t)

	tests := []struct {
		workspaceID string
		want        string
	}{
		{"1a2b3c4d", "ask-1a2b3c4d.log"},
		{"", "ask-global.log"},
	}

	for _, tt := range tests {
		got, err := AskLogPath(tt.workspaceID)
		if err != nil {
			t.Fatalf("AskLogPath(%q): %v", tt.workspaceID, err)
		}
		if filepath.Base(got) != tt.want {
			t.Errorf("AskLogPath(%q) = %q, want base %q", tt.workspaceID, got, tt.want)
		}
		if filepath.Base(filepath.Dir(got)) != "logs" {
			t.Errorf("AskLogPath(%q) = %q, want it under a logs directory", tt.workspaceID, got)
		}
	}
}

func TestClearLogs(t *testing.T) {
	isolateHome(t)

	mainLog, err := DefaultLogPath()
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(mainLog)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"askcontinue.log", "ask-a.log", "ask-global.log", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if n != 3 {
		t.Errorf("ClearLogs removed %d files, want 3", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Errorf("unrelated file should survive: %v", err)
	}

	if n, err := ClearLogs(); err != nil || n != 0 {
		t.Errorf("second ClearLogs = %d, %v; want 0, nil", n, err)
	}
}
