// Package exec is the seam between askcontinue and the external commands it
// shells out to. Production code uses RealExecutor; tests install a
// MockExecutor with pre-recorded output.
package exec

import (
	"context"
	"os/exec"
	"slices"
	"sync"
)

// CommandExecutor runs a command and returns its stdout.
type CommandExecutor interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Output runs name with args and returns stdout. A non-zero exit is an
// *exec.ExitError carrying stderr.
func (e *RealExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// MockResponse is the canned result of a mocked command.
type MockResponse struct {
	Stdout []byte
	Err    error
}

// MockCall records a command invocation for verification.
type MockCall struct {
	Name string
	Args []string
}

type mockRule struct {
	name   string
	prefix []string
	resp   MockResponse
}

// MockExecutor returns pre-recorded responses. Rules are tried in the order
// they were added; an unmatched command succeeds with no output.
type MockExecutor struct {
	mu    sync.Mutex
	rules []mockRule
	calls []MockCall
}

// NewMockExecutor creates an empty MockExecutor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// AddPrefixMatch answers name invocations whose leading args equal prefixArgs.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, resp MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, mockRule{name: name, prefix: prefixArgs, resp: resp})
}

// Calls returns the recorded invocations.
func (e *MockExecutor) Calls() []MockCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Output implements CommandExecutor.
func (e *MockExecutor) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Name: name, Args: args})

	for _, r := range e.rules {
		if r.name == name && len(args) >= len(r.prefix) && slices.Equal(args[:len(r.prefix)], r.prefix) {
			return r.resp.Stdout, r.resp.Err
		}
	}
	return nil, nil
}

var _ CommandExecutor = (*RealExecutor)(nil)
var _ CommandExecutor = (*MockExecutor)(nil)

var (
	defaultMu       sync.RWMutex
	defaultExecutor CommandExecutor = NewRealExecutor()
)

// Default returns the process-wide executor.
func Default() CommandExecutor {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultExecutor
}

// SetDefault swaps the process-wide executor and returns the previous one,
// so tests can restore it.
func SetDefault(e CommandExecutor) CommandExecutor {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultExecutor
	defaultExecutor = e
	return prev
}
