package stats

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/registry"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "stats.json"), filepath.Join(dir, "history.jsonl"))
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s, dir
}

func TestStore_Counters(t *testing.T) {
	s, dir := openTemp(t)
	rec := registry.Record{ID: "r1", Summary: "did things", Round: 1}

	if err := s.RecordPresented(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDecision(rec, registry.Decision{Action: registry.ActionContinue}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordPresented(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordDecision(rec, registry.Decision{Action: registry.ActionEnd}); err != nil {
		t.Fatal(err)
	}

	want := Counters{TotalCalls: 2, ContinueCount: 1, EndCount: 1, LastCallTime: 1_700_000_000_000, SessionCalls: 0}
	if got := s.Counters(); got != want {
		t.Errorf("Counters() = %+v, want %+v", got, want)
	}

	reopened := Open(filepath.Join(dir, "stats.json"), filepath.Join(dir, "history.jsonl"))
	if got := reopened.Counters(); got != want {
		t.Errorf("reloaded counters = %+v, want %+v", got, want)
	}
}

func TestStore_SessionCallsResetOnEnd(t *testing.T) {
	s, _ := openTemp(t)
	rec := registry.Record{ID: "r"}

	s.RecordPresented(rec)
	s.RecordPresented(rec)
	if got := s.Counters().SessionCalls; got != 2 {
		t.Fatalf("SessionCalls = %d, want 2", got)
	}
	s.RecordDecision(rec, registry.Decision{Action: registry.ActionCancel})
	if got := s.Counters().SessionCalls; got != 0 {
		t.Errorf("SessionCalls = %d after cancel, want 0", got)
	}
}

func TestStore_History(t *testing.T) {
	s, _ := openTemp(t)

	for i := 1; i <= 5; i++ {
		rec := registry.Record{ID: "r", Round: i, Summary: "round"}
		d := registry.Decision{
			Action:      registry.ActionContinue,
			Feedback:    "more",
			Attachments: make([]registry.Attachment, i%2),
		}
		if err := s.RecordDecision(rec, d); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.History(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len(History) = %d, want 5", len(all))
	}
	if all[0].Round != 1 || all[4].Round != 5 {
		t.Errorf("history should be oldest first: %+v", all)
	}
	if all[0].ImageCount != 1 || all[1].ImageCount != 0 {
		t.Errorf("image counts = %d, %d", all[0].ImageCount, all[1].ImageCount)
	}

	last, _ := s.History(2)
	if len(last) != 2 || last[0].Round != 4 {
		t.Errorf("History(2) = %+v", last)
	}

	if err := s.ClearHistory(); err != nil {
		t.Fatal(err)
	}
	empty, err := s.History(0)
	if err != nil || len(empty) != 0 {
		t.Errorf("after clear: %v, %v", empty, err)
	}
	if err := s.ClearHistory(); err != nil {
		t.Errorf("clearing a missing history should succeed: %v", err)
	}
}

func TestStore_HistorySkipsMalformedLines(t *testing.T) {
	s, dir := openTemp(t)
	s.RecordDecision(registry.Record{ID: "a", Round: 1}, registry.Decision{Action: registry.ActionEnd})

	f, err := os.OpenFile(filepath.Join(dir, "history.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n")
	f.Close()
	s.RecordDecision(registry.Record{ID: "b", Round: 2}, registry.Decision{Action: registry.ActionEnd})

	entries, err := s.History(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].RequestID != "b" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestOpen_CorruptStats(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	s := Open(path, filepath.Join(dir, "history.jsonl"))
	if got := s.Counters(); got != (Counters{}) {
		t.Errorf("corrupt file should start from zero, got %+v", got)
	}
}

func TestStore_CreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	s := Open(filepath.Join(dir, "stats.json"), filepath.Join(dir, "history.jsonl"))
	if err := s.RecordDecision(registry.Record{ID: "x"}, registry.Decision{Action: registry.ActionEnd}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stats.json")); err != nil {
		t.Errorf("stats file not written: %v", err)
	}
}
