// Package workspace derives the short identity shared by every component that
// serves one project directory.
//
// The identity must match byte for byte across the agent extension, the
// requester CLI and the server, so Hash reproduces the 31-multiplier string
// hash over UTF-16 code units with 32-bit signed wraparound that the editor
// side computes.
package workspace

import (
	"path/filepath"
	"strconv"
	"unicode/utf16"
)

// DefaultID is the identity used when no project directory is known.
const DefaultID = "default"

// Hash returns the absolute value of the 32-bit string hash of s.
// The result is widened to int64 so that the hash of math.MinInt32 stays positive.
func Hash(s string) int64 {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(u)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}

// ID returns the lowercase hex workspace identity of path, at most 8
// characters long. An empty path has no identity and yields "".
func ID(path string) string {
	if path == "" {
		return ""
	}
	hex := strconv.FormatInt(Hash(path), 16)
	if len(hex) > 8 {
		hex = hex[:8]
	}
	return hex
}

// FromDir returns the identity of dir after making it absolute. An empty dir
// maps to DefaultID.
func FromDir(dir string) string {
	if dir == "" {
		return DefaultID
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return ID(dir)
}
