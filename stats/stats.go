// Package stats persists usage counters and the decision history.
//
// Counters live in one JSON file rewritten atomically on every change. The
// history is append-only JSON lines, one entry per delivered decision.
package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/askcontinue/askcontinue-core/fsutil"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/paths"
	"github.com/askcontinue/askcontinue-core/registry"
)

// DefaultHistoryLimit caps how many entries History returns by default.
const DefaultHistoryLimit = 50

// Counters are the persisted usage totals.
type Counters struct {
	TotalCalls    int   `json:"totalCalls"`
	ContinueCount int   `json:"continueCount"`
	EndCount      int   `json:"endCount"`
	LastCallTime  int64 `json:"lastCallTime,omitempty"` // unix ms
	// SessionCalls counts presentations since the last end.
	SessionCalls int `json:"sessionCalls"`
}

// Entry is one line of the history file.
type Entry struct {
	RequestID  string `json:"requestId"`
	Round      int    `json:"round"`
	Summary    string `json:"summary"`
	Feedback   string `json:"feedback"`
	Action     string `json:"action"`
	ImageCount int    `json:"imageCount"`
	Timestamp  int64  `json:"timestamp"` // unix ms
}

// Store records usage. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	statsPath   string
	historyPath string
	counters    Counters
	now         func() time.Time
	log         *slog.Logger
}

// Open loads counters from statsPath. A missing or unreadable file starts
// from zero.
func Open(statsPath, historyPath string) *Store {
	s := &Store{
		statsPath:   statsPath,
		historyPath: historyPath,
		now:         time.Now,
		log:         logger.WithComponent("stats"),
	}

	data, err := os.ReadFile(statsPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		s.log.Warn("failed to read stats, starting from zero", "path", statsPath, "error", err)
	default:
		if err := json.Unmarshal(data, &s.counters); err != nil {
			s.log.Warn("corrupt stats file, starting from zero", "path", statsPath, "error", err)
			s.counters = Counters{}
		}
	}
	return s
}

// OpenDefault opens the store at the standard locations.
func OpenDefault() (*Store, error) {
	statsPath, err := paths.StatsFilePath()
	if err != nil {
		return nil, err
	}
	historyPath, err := paths.HistoryFilePath()
	if err != nil {
		return nil, err
	}
	return Open(statsPath, historyPath), nil
}

// Counters returns a snapshot of the totals.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// RecordPresented counts a request shown to the human.
func (s *Store) RecordPresented(rec registry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.TotalCalls++
	s.counters.SessionCalls++
	s.counters.LastCallTime = s.now().UnixMilli()
	return s.saveLocked()
}

// RecordDecision counts a delivered decision and appends it to the history.
func (s *Store) RecordDecision(rec registry.Record, d registry.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Action == registry.ActionContinue {
		s.counters.ContinueCount++
	} else {
		s.counters.EndCount++
		s.counters.SessionCalls = 0
	}
	if err := s.saveLocked(); err != nil {
		return err
	}

	entry := Entry{
		RequestID:  rec.ID,
		Round:      rec.Round,
		Summary:    rec.Summary,
		Feedback:   d.Feedback,
		Action:     string(d.Action),
		ImageCount: len(d.Attachments),
		Timestamp:  s.now().UnixMilli(),
	}
	return s.appendLocked(entry)
}

// History returns up to limit of the most recent entries, oldest first.
// A limit of zero or less uses DefaultHistoryLimit. Malformed lines are
// skipped.
func (s *Store) History(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.historyPath)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// ClearHistory deletes the history file.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.RemoveIfExists(s.historyPath)
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.counters, "", "  ")
	if err != nil {
		return err
	}
	err = fsutil.Retry(func() error {
		if err := os.MkdirAll(filepath.Dir(s.statsPath), 0755); err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(s.statsPath, data, 0644)
	})
	if err != nil {
		return fmt.Errorf("failed to save stats: %w", err)
	}
	return nil
}

func (s *Store) appendLocked(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	err = fsutil.Retry(func() error {
		if err := os.MkdirAll(filepath.Dir(s.historyPath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}
