package workspace

import (
	"math"
	"path/filepath"
	"testing"
)

func TestHash(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"a", 97},
		{"ab", 97*31 + 98},
		// Characters above the BMP hash as two UTF-16 code units.
		{"\U0001F600", int64(0xD83D)*31 + 0xDE00},
	}

	for _, tt := range tests {
		if got := Hash(tt.in); got != tt.want {
			t.Errorf("Hash(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHash_WrapsLikeInt32(t *testing.T) {
	s := "/Users/someone/projects/a-rather-long-workspace-path"

	var h int32
	for _, c := range s {
		h = h*31 + int32(c)
	}
	want := int64(h)
	if want < 0 {
		want = -want
	}

	got := Hash(s)
	if got != want {
		t.Errorf("Hash(%q) = %d, want %d", s, got, want)
	}
	if got < 0 || got > -math.MinInt32 {
		t.Errorf("Hash(%q) = %d out of range", s, got)
	}
}

func TestID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"a", "61"},
		{"ab", "c21"},
	}

	for _, tt := range tests {
		if got := ID(tt.in); got != tt.want {
			t.Errorf("ID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestID_StableAndBounded(t *testing.T) {
	p := "/home/dev/src/project-one"
	first := ID(p)
	if first != ID(p) {
		t.Error("ID must be deterministic")
	}
	if len(first) == 0 || len(first) > 8 {
		t.Errorf("ID(%q) = %q, want 1-8 hex chars", p, first)
	}
	if first == ID("/home/dev/src/project-two") {
		t.Log("collision between sample paths; tolerated but unexpected")
	}
}

func TestFromDir(t *testing.T) {
	if got := FromDir(""); got != DefaultID {
		t.Errorf("FromDir(\"\") = %q, want %q", got, DefaultID)
	}

	abs, err := filepath.Abs("some/rel/dir")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := FromDir("some/rel/dir"), ID(abs); got != want {
		t.Errorf("FromDir(relative) = %q, want %q", got, want)
	}
}
