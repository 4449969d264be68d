package exec

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
)

func TestRealExecutor_Output(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses echo from a POSIX userland")
	}
	out, err := NewRealExecutor().Output(context.Background(), "echo", "world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "world\n" {
		t.Errorf("expected 'world\\n', got %q", string(out))
	}
}

func TestRealExecutor_MissingCommand(t *testing.T) {
	_, err := NewRealExecutor().Output(context.Background(), "askcontinue-no-such-command")
	if err == nil {
		t.Fatal("expected an error for a missing command")
	}
}

func TestMockExecutor_Output(t *testing.T) {
	boom := errors.New("boom")
	mock := NewMockExecutor()
	mock.AddPrefixMatch("tasklist", []string{"/FI", "PID eq 1"}, MockResponse{Stdout: []byte("one")})
	mock.AddPrefixMatch("tasklist", []string{"/FI"}, MockResponse{Err: boom})

	tests := []struct {
		name    string
		cmd     string
		args    []string
		want    string
		wantErr error
	}{
		{"first rule wins", "tasklist", []string{"/FI", "PID eq 1", "/NH"}, "one", nil},
		{"shorter prefix", "tasklist", []string{"/FI", "PID eq 2"}, "", boom},
		{"prefix longer than args", "tasklist", nil, "", nil},
		{"other command", "ps", []string{"/FI"}, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := mock.Output(context.Background(), tt.cmd, tt.args...)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if string(out) != tt.want {
				t.Errorf("out = %q, want %q", out, tt.want)
			}
		})
	}

	calls := mock.Calls()
	if len(calls) != len(tests) {
		t.Fatalf("recorded %d calls, want %d", len(calls), len(tests))
	}
	if calls[0].Name != "tasklist" || len(calls[0].Args) != 3 {
		t.Errorf("first call = %+v", calls[0])
	}
}

func TestDefaultExecutor(t *testing.T) {
	mock := NewMockExecutor()
	prev := SetDefault(mock)
	defer SetDefault(prev)

	if Default() != CommandExecutor(mock) {
		t.Error("Default did not return the installed executor")
	}
	if _, ok := prev.(*RealExecutor); !ok {
		t.Errorf("initial default = %T, want *RealExecutor", prev)
	}
}

func TestDefaultExecutorConcurrentAccess(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			SetDefault(NewMockExecutor())
		}()
		go func() {
			defer wg.Done()
			_ = Default()
		}()
	}
	wg.Wait()
}
