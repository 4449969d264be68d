// Package tui is the terminal dialog surface.
//
// One bubbletea program runs for the life of the server. Opening a surface
// shows the dialog in it and closing one returns it to the idle screen, so
// "a new surface" and "the same surface updated" differ only in whether the
// draft survives.
package tui

import (
	"context"
	"fmt"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/askcontinue/askcontinue-core/dialog"
)

// Actions are the idle-screen commands, wired to the reconciler.
type Actions struct {
	Reopen     func()
	ForceOpen  func()
	ForceEnd   func()
	ForceRetry func()
}

// Terminal owns the bubbletea program.
type Terminal struct {
	actions Actions
	opts    []tea.ProgramOption
	queue   *msgQueue

	mu  sync.Mutex
	gen uint64
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithIO runs the program on the given input and output instead of the
// controlling terminal.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Terminal) {
		t.opts = append(t.opts, tea.WithInput(in), tea.WithOutput(out))
	}
}

// WithAltScreen runs the program in the alternate screen buffer.
func WithAltScreen() Option {
	return func(t *Terminal) { t.opts = append(t.opts, tea.WithAltScreen()) }
}

// New returns a Terminal. Call SetActions before Run if the idle-screen
// commands should do anything.
func New(opts ...Option) *Terminal {
	t := &Terminal{queue: newMsgQueue()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetActions wires the idle-screen commands. It must be called before Run.
func (t *Terminal) SetActions(a Actions) {
	t.actions = a
}

// Factory returns a dialog.Factory that shows surfaces in this terminal.
func (t *Terminal) Factory() dialog.Factory {
	return func(c dialog.Content, emit func(dialog.Event)) (dialog.Surface, error) {
		t.mu.Lock()
		t.gen++
		gen := t.gen
		t.mu.Unlock()

		t.queue.push(openMsg{gen: gen, content: c, emit: emit})
		return &surface{t: t, gen: gen}, nil
	}
}

// Notify shows msg on the status line.
func (t *Terminal) Notify(msg string) {
	t.queue.push(statusMsg(msg))
}

// Run drives the program until the human quits or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	p := tea.NewProgram(newModel(t.actions), append([]tea.ProgramOption{tea.WithContext(ctx)}, t.opts...)...)

	pumpCtx, stop := context.WithCancel(ctx)
	defer stop()
	go t.queue.pump(pumpCtx, p.Send)

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal: %w", err)
	}
	return nil
}

type surface struct {
	t   *Terminal
	gen uint64
}

func (s *surface) Update(c dialog.Content) {
	s.t.queue.push(updateMsg{gen: s.gen, content: c})
}

func (s *surface) Close() {
	s.t.queue.push(closeMsg{gen: s.gen})
}

// msgQueue is an unbounded FIFO in front of tea.Program.Send, so callers
// never wait on the program's event loop.
type msgQueue struct {
	mu     sync.Mutex
	items  []tea.Msg
	signal chan struct{}
}

func newMsgQueue() *msgQueue {
	return &msgQueue{signal: make(chan struct{}, 1)}
}

func (q *msgQueue) push(msg tea.Msg) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *msgQueue) drain() []tea.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// pump forwards queued messages to send, in order, until ctx is done.
func (q *msgQueue) pump(ctx context.Context, send func(tea.Msg)) {
	for {
		for _, msg := range q.drain() {
			send(msg)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.signal:
		}
	}
}
