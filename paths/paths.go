// Package paths resolves where askcontinue keeps its files.
//
// A home directory that already has ~/.askcontinue keeps everything there.
// Otherwise any XDG_*_HOME variable switches to a split layout: config under
// XDG_CONFIG_HOME, channel descriptors, images and stats under XDG_DATA_HOME,
// logs under XDG_STATE_HOME. With neither, ~/.askcontinue is used.
//
// Port discovery files sit in the system temp directory instead, so a caller
// can find a server without knowing which layout it picked.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appDirName = "askcontinue"

var (
	mu     sync.Mutex
	cached *layout
)

type layout struct {
	config string
	data   string
	state  string
	flat   bool
}

func flatLayout(dir string) *layout {
	return &layout{config: dir, data: dir, state: dir, flat: true}
}

// xdgLayout returns nil when no XDG base variable is set.
func xdgLayout(home string) *layout {
	base := func(env string, fallback ...string) (string, bool) {
		if v := os.Getenv(env); v != "" {
			return v, true
		}
		return filepath.Join(append([]string{home}, fallback...)...), false
	}
	config, c := base("XDG_CONFIG_HOME", ".config")
	data, d := base("XDG_DATA_HOME", ".local", "share")
	state, st := base("XDG_STATE_HOME", ".local", "state")
	if !c && !d && !st {
		return nil
	}
	return &layout{
		config: filepath.Join(config, appDirName),
		data:   filepath.Join(data, appDirName),
		state:  filepath.Join(state, appDirName),
	}
}

func resolve() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	dotDir := filepath.Join(home, "."+appDirName)

	if info, err := os.Stat(dotDir); err == nil && info.IsDir() {
		cached = flatLayout(dotDir)
	} else if cached = xdgLayout(home); cached == nil {
		cached = flatLayout(dotDir)
	}
	return cached, nil
}

// ConfigDir returns the directory for configuration files (config.yaml).
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.config, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.data, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.state, nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ChannelDir returns the directory holding file-transport request and
// response descriptors.
func ChannelDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "channel"), nil
}

// ImagesDir returns the directory where image attachments delivered over the
// file transport are written.
func ImagesDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "images"), nil
}

// StatsFilePath returns the path of the usage counters file.
func StatsFilePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "stats.json"), nil
}

// HistoryFilePath returns the path of the append-only interaction history.
func HistoryFilePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.jsonl"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// PortsDir returns the well-known directory for port discovery files.
// It does not depend on the home directory layout.
func PortsDir() string {
	return filepath.Join(os.TempDir(), "ask-continue-ports")
}

// IsFlatLayout reports whether every directory resolves to ~/.askcontinue.
// A resolution error counts as flat.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.flat
}

// Reset drops the cached layout so the next call resolves again.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}
