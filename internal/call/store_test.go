package call

import (
	"errors"
	"testing"
	"time"
)

func TestStoreCreateAndGet(t *testing.T) {
	s := NewStore(time.Minute, testLogger())

	sess, err := s.Create("call-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.State != StateAwaitingConnect {
		t.Fatalf("new session state = %s, want %s", sess.State, StateAwaitingConnect)
	}

	if _, err := s.Create("call-1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("duplicate Create error = %v, want ErrSessionExists", err)
	}

	got, ok := s.Get("call-1")
	if !ok || got != sess {
		t.Fatal("Get did not return the created session")
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("Get returned a session for an unknown call")
	}
}

func TestStoreGetOrCreate(t *testing.T) {
	s := NewStore(time.Minute, testLogger())

	sess, created := s.GetOrCreate("call-1")
	if !created {
		t.Fatal("first GetOrCreate did not create")
	}
	again, created := s.GetOrCreate("call-1")
	if created || again != sess {
		t.Fatal("second GetOrCreate did not return the existing session")
	}
}

func TestStoreActiveCount(t *testing.T) {
	s := NewStore(time.Minute, testLogger())

	a, _ := s.Create("call-a")
	s.Create("call-b")

	if got := s.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}

	a.State = StateTerminated
	a.TerminatedAt = time.Now()
	if got := s.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount after termination = %d, want 1", got)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2 (terminated sessions linger)", got)
	}
}

func TestStoreSweepEvictsAfterGrace(t *testing.T) {
	grace := time.Minute
	s := NewStore(grace, testLogger())

	sess, _ := s.Create("call-1")
	sess.State = StateTerminated
	sess.TerminatedAt = time.Now()
	s.Create("call-2")

	// Inside the grace window nothing is evicted.
	s.sweep(sess.TerminatedAt.Add(grace / 2))
	if s.Len() != 2 {
		t.Fatalf("Len after early sweep = %d, want 2", s.Len())
	}

	s.sweep(sess.TerminatedAt.Add(grace + time.Second))
	if s.Len() != 1 {
		t.Fatalf("Len after sweep = %d, want 1", s.Len())
	}
	if _, ok := s.Get("call-1"); ok {
		t.Fatal("terminated session survived the sweep")
	}
	if _, ok := s.Get("call-2"); !ok {
		t.Fatal("active session was evicted")
	}
}

func TestStoreSweepEvictsNeverConnected(t *testing.T) {
	s := NewStore(time.Minute, testLogger())

	sess, _ := s.Create("call-1")

	s.sweep(sess.StartedAt.Add(connectTimeout / 2))
	if s.Len() != 1 {
		t.Fatalf("Len after early sweep = %d, want 1", s.Len())
	}

	s.sweep(sess.StartedAt.Add(connectTimeout + time.Second))
	if s.Len() != 0 {
		t.Fatal("session without a connect confirmation survived the sweep past the connect deadline")
	}
}
