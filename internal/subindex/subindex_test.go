package subindex

import (
	"testing"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/value"
)

func compile(t *testing.T, pat string) address.Pattern {
	t.Helper()
	p, err := address.Compile(pat)
	if err != nil {
		t.Fatalf("Compile(%q): %v", pat, err)
	}
	return p
}

func TestMatchesFor(t *testing.T) {
	idx := New()
	idx.Add("sub1", "s1", compile(t, "/x/**"), 0, 0)
	idx.Add("sub2", "s2", compile(t, "/y/*"), 0, 0)

	matches := idx.MatchesFor("/x/1/2")
	if len(matches) != 1 || matches[0].ID != "sub1" {
		t.Fatalf("got %v", matches)
	}

	matches = idx.MatchesFor("/y/1")
	if len(matches) != 1 || matches[0].ID != "sub2" {
		t.Fatalf("got %v", matches)
	}
}

func TestRemoveSession(t *testing.T) {
	idx := New()
	idx.Add("sub1", "s1", compile(t, "/x/**"), 0, 0)
	idx.RemoveSession("s1")
	if idx.Count() != 0 {
		t.Fatalf("expected 0 subscriptions after RemoveSession, got %d", idx.Count())
	}
}

func TestEpsilonSuppression(t *testing.T) {
	idx := New()
	sub := idx.Add("sub1", "s1", compile(t, "/p"), 0, 1.0)

	if d := sub.Evaluate(store.SignalParam, "/p", value.Int(10)); d != Deliver {
		t.Fatalf("first delivery should always deliver, got %v", d)
	}
	if d := sub.Evaluate(store.SignalParam, "/p", value.Int(10)); d != Suppress {
		t.Fatalf("change below epsilon should suppress, got %v", d)
	}
	if d := sub.Evaluate(store.SignalParam, "/p", value.Int(20)); d != Deliver {
		t.Fatalf("change above epsilon should deliver, got %v", d)
	}
}
