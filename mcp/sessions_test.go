package mcp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/askcontinue/askcontinue-core/metrics"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if len(id) != 32 {
		t.Errorf("len(id) = %d, want 32", len(id))
	}
	if id == NewSessionID() {
		t.Error("session ids should be unique")
	}
}

func TestSessionStore_Ensure(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	defer s.Close()

	fresh := s.Ensure("")
	if fresh.ID == "" {
		t.Fatal("Ensure(\"\") should assign an id")
	}
	again := s.Ensure(fresh.ID)
	if again.ID != fresh.ID || !again.CreatedAt.Equal(fresh.CreatedAt) {
		t.Errorf("Ensure should reuse the session, got %+v want %+v", again, fresh)
	}
	named := s.Ensure("client-chosen")
	if named.ID != "client-chosen" {
		t.Errorf("ID = %q", named.ID)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSessionStore_IncrementCalls(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	defer s.Close()

	if n := s.IncrementCalls("unknown"); n != 0 {
		t.Errorf("unknown session should return 0, got %d", n)
	}
	sess := s.Ensure("")
	for want := 1; want <= 3; want++ {
		if got := s.IncrementCalls(sess.ID); got != want {
			t.Errorf("IncrementCalls = %d, want %d", got, want)
		}
	}
	got, _ := s.Get(sess.ID)
	if got.CallCount != 3 {
		t.Errorf("CallCount = %d, want 3", got.CallCount)
	}
}

func TestSessionStore_PushRequiresStream(t *testing.T) {
	m := metrics.NewCollector()
	s := NewSessionStore(time.Minute, m)
	defer s.Close()

	sess := s.Ensure("")
	if s.HasStream(sess.ID) {
		t.Error("new session should have no stream")
	}
	if s.Push(sess.ID, []byte("x")) {
		t.Error("Push without a stream should fail")
	}

	_, stream, detach := s.Attach(sess.ID)
	defer detach()
	if !s.HasStream(sess.ID) {
		t.Error("HasStream should be true after Attach")
	}
	if !s.Push(sess.ID, []byte("hello")) {
		t.Fatal("Push should succeed with a stream")
	}
	if got := string(<-stream); got != "hello" {
		t.Errorf("stream got %q", got)
	}

	gathered, err := testutil.GatherAndCount(m.Registry(), "askcontinue_sse_pushes_total")
	if err != nil {
		t.Fatal(err)
	}
	if gathered != 2 {
		t.Errorf("expected delivered and dropped series, got %d", gathered)
	}
}

func TestSessionStore_PushFullBuffer(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	defer s.Close()

	sess, _, detach := s.Attach("")
	defer detach()
	for i := 0; i < streamBuffer; i++ {
		if !s.Push(sess.ID, []byte("m")) {
			t.Fatalf("push %d should fit the buffer", i)
		}
	}
	if s.Push(sess.ID, []byte("overflow")) {
		t.Error("push beyond the buffer should fail rather than block")
	}
}

func TestSessionStore_GraceExpiry(t *testing.T) {
	s := NewSessionStore(20*time.Millisecond, nil)
	defer s.Close()

	sess, stream, detach := s.Attach("")
	detach()
	if _, ok := <-stream; ok {
		t.Error("detach should close the stream")
	}
	if _, ok := s.Get(sess.ID); !ok {
		t.Fatal("session should survive detach during the grace period")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Get(sess.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not removed after the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionStore_ReconnectWithinGrace(t *testing.T) {
	s := NewSessionStore(50*time.Millisecond, nil)
	defer s.Close()

	sess, _, detach := s.Attach("")
	s.IncrementCalls(sess.ID)
	detach()

	_, _, detach2 := s.Attach(sess.ID)
	defer detach2()
	time.Sleep(120 * time.Millisecond)

	got, ok := s.Get(sess.ID)
	if !ok {
		t.Fatal("reconnected session should not expire")
	}
	if got.CallCount != 1 {
		t.Errorf("CallCount = %d, want 1 after reconnect", got.CallCount)
	}
	if !s.HasStream(sess.ID) {
		t.Error("reconnected session should have a stream")
	}
}

func TestSessionStore_AttachReplacesStream(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	defer s.Close()

	sess, first, detachFirst := s.Attach("")
	_, second, detachSecond := s.Attach(sess.ID)
	defer detachSecond()

	if _, ok := <-first; ok {
		t.Error("old stream should be closed on replace")
	}
	// A late detach of the replaced stream must not drop the new one.
	detachFirst()
	if !s.HasStream(sess.ID) {
		t.Fatal("stale detach removed the current stream")
	}
	s.Push(sess.ID, []byte("to second"))
	if got := string(<-second); got != "to second" {
		t.Errorf("second stream got %q", got)
	}
}

func TestSessionStore_ReserveOrdersSlots(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	defer s.Close()

	sess := s.Ensure("")
	prev1, done1 := s.Reserve(sess.ID)
	prev2, done2 := s.Reserve(sess.ID)

	select {
	case <-prev1:
	default:
		t.Fatal("first slot should not wait")
	}
	select {
	case <-prev2:
		t.Fatal("second slot should wait for the first")
	default:
	}
	close(done1)
	select {
	case <-prev2:
	case <-time.After(time.Second):
		t.Fatal("second slot not released")
	}
	close(done2)
}

func TestSessionStore_CloseEndsStreams(t *testing.T) {
	s := NewSessionStore(time.Minute, nil)
	_, stream, detach := s.Attach("")
	s.Close()
	if _, ok := <-stream; ok {
		t.Error("Close should close open streams")
	}
	detach()
}
