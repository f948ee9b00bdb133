package store

import (
	"testing"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/value"
)

// P1: revision monotonicity.
func TestRevisionMonotonic(t *testing.T) {
	s := New()
	st1, changed, err := s.SetParam("/a/b", value.Int(1), "w1")
	if err != nil || !changed || st1.Revision != 1 {
		t.Fatalf("first write: st=%+v changed=%v err=%v", st1, changed, err)
	}
	st2, changed, err := s.SetParam("/a/b", value.Int(2), "w1")
	if err != nil || !changed || st2.Revision != 2 {
		t.Fatalf("second write: st=%+v changed=%v err=%v", st2, changed, err)
	}
}

// P9: idempotent no-change writes under LWW do not bump revision.
func TestIdempotentWriteNoRevisionBump(t *testing.T) {
	s := New()
	st1, _, _ := s.SetParam("/a/b", value.Int(42), "w1")
	st2, changed, err := s.SetParam("/a/b", value.Int(42), "w1")
	if err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if changed {
		t.Fatalf("expected no change for identical SET")
	}
	if st2.Revision != st1.Revision {
		t.Fatalf("revision bumped on idempotent write: %d -> %d", st1.Revision, st2.Revision)
	}
}

func TestLockedRejectsOtherWriter(t *testing.T) {
	s := New()
	if err := s.AcquireLock("/a", "owner"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, _, err := s.SetParam("/a", value.Int(1), "other"); err != ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if _, _, err := s.SetParam("/a", value.Int(1), "owner"); err != nil {
		t.Fatalf("owner write should succeed: %v", err)
	}
}

func TestMaxMinPolicy(t *testing.T) {
	s := New(WithAddressPolicy("/m", ConflictPolicy{Kind: PolicyMax}))
	s.SetParam("/m", value.Int(5), "w1")
	st, changed, err := s.SetParam("/m", value.Int(3), "w2")
	if err != nil {
		t.Fatalf("SetParam: %v", err)
	}
	if changed {
		t.Fatalf("max policy should keep 5 over 3, no change expected")
	}
	v, _ := st.Value.AsInt()
	if v != 5 {
		t.Fatalf("got %d, want 5", v)
	}
	st, changed, err = s.SetParam("/m", value.Int(9), "w2")
	if err != nil || !changed {
		t.Fatalf("expected change for new max: err=%v changed=%v", err, changed)
	}
	v, _ = st.Value.AsInt()
	if v != 9 {
		t.Fatalf("got %d, want 9", v)
	}
}

func TestSnapshotConsistency(t *testing.T) {
	s := New()
	s.SetParam("/x/1", value.String("hello"), "w")
	s.SetParam("/x/2", value.Bool(true), "w")
	pat, _ := address.Compile("/x/**")
	entries := s.Snapshot(pat, nil)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

// P5: batch writes are all-or-nothing with respect to lock conflicts.
func TestApplyBatchAtomicLockConflict(t *testing.T) {
	s := New()
	if err := s.AcquireLock("/b", "owner"); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	_, _, err := s.ApplyBatch([]BatchWrite{
		{Address: "/a", Value: value.Int(1), Writer: "w1"},
		{Address: "/b", Value: value.Int(2), Writer: "intruder"},
	}, 0)
	if err != ErrLocked {
		t.Fatalf("got %v, want ErrLocked", err)
	}
	if _, ok := s.Get("/a"); ok {
		t.Fatalf("partial effect: /a should not have been written when batch aborted")
	}
}

func TestApplyBatchUsesProvidedTimestamp(t *testing.T) {
	s := New()
	states, changed, err := s.ApplyBatch([]BatchWrite{
		{Address: "/a", Value: value.Int(1), Writer: "w1"},
	}, 42)
	if err != nil || !changed[0] {
		t.Fatalf("ApplyBatch: states=%+v changed=%v err=%v", states, changed, err)
	}
	if states[0].TimestampUs != 42 {
		t.Fatalf("got timestamp %d, want 42", states[0].TimestampUs)
	}
}

func TestExpireDue(t *testing.T) {
	fakeNow := uint64(1000)
	s := New(WithClock(func() uint64 { return fakeNow }))
	s.SetParam("/t", value.Int(1), "w")
	// Manually force a TTL deadline in the past by setting paramTTL=0 path
	// isn't exercised by SetParam (TTL disabled by default), so drive
	// ExpireDue against an address with an explicit deadline via AcquireLock
	// path is not applicable; instead validate ExpireDue is a no-op when no
	// TTLs are configured.
	expired := s.ExpireDue(fakeNow + 1_000_000)
	if len(expired) != 0 {
		t.Fatalf("expected no expirations without TTL configured, got %v", expired)
	}
}
