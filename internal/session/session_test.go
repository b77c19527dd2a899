package session

import (
	"testing"
	"time"
)

func TestTableAddGetRemove(t *testing.T) {
	tb := NewTable(2)
	id := tb.NextID()
	m := &Member{ID: id, Source: id, Name: "alice", State: StateAccepted}
	if err := tb.Add(m); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := tb.Get(id); got == nil || got.Name != "alice" {
		t.Fatalf("get = %+v", got)
	}
	if tb.Count() != 1 {
		t.Fatalf("count = %d", tb.Count())
	}
	if !tb.Remove(id) {
		t.Fatal("expected remove to report existed")
	}
	if tb.Get(id) != nil {
		t.Fatal("expected member gone after remove")
	}
}

func TestTableFull(t *testing.T) {
	tb := NewTable(1)
	a := &Member{ID: tb.NextID()}
	if err := tb.Add(a); err != nil {
		t.Fatalf("add first: %v", err)
	}
	b := &Member{ID: tb.NextID()}
	if err := tb.Add(b); err == nil {
		t.Fatal("expected ErrFull")
	}
}

func TestMembershipUniqueness(t *testing.T) {
	// At any instant, a given id appears at most once: the table is
	// keyed by id, so a duplicate Add for the same id overwrites rather
	// than duplicates.
	tb := NewTable(4)
	m1 := &Member{ID: 5, Name: "first"}
	m2 := &Member{ID: 5, Name: "second"}
	tb.Add(m1)
	tb.Add(m2)
	if tb.Count() != 1 {
		t.Fatalf("count = %d, want 1", tb.Count())
	}
	if got := tb.Get(5); got.Name != "second" {
		t.Fatalf("expected overwrite, got %+v", got)
	}
}

func TestSnapshotExceptExcludesJoiner(t *testing.T) {
	tb := NewTable(4)
	tb.Add(&Member{ID: 1, Name: "a", State: StateInSession})
	tb.Add(&Member{ID: 2, Name: "b", State: StateInSession})
	tb.Add(&Member{ID: 3, Name: "c", State: StateInSession})

	snap := tb.SnapshotExcept(2)
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	for _, m := range snap {
		if m.ID == 2 {
			t.Fatal("joiner should be excluded")
		}
	}
}

func TestSweepHeartbeatTimeouts(t *testing.T) {
	tb := NewTable(4)
	now := time.Now()
	tb.Add(&Member{ID: 1, State: StateInSession, LastHeartbeat: now.Add(-20 * time.Second)})
	tb.Add(&Member{ID: 2, State: StateInSession, LastHeartbeat: now})

	timedOut := tb.SweepHeartbeatTimeouts(now, 10*time.Second)
	if len(timedOut) != 1 || timedOut[0] != 1 {
		t.Fatalf("timedOut = %v", timedOut)
	}
	if tb.Get(1).State != StateLeft {
		t.Fatal("expected member 1 to transition to left")
	}
	if tb.Get(2).State != StateInSession {
		t.Fatal("member 2 should be unaffected")
	}
}

func TestHeartbeatIdempotence(t *testing.T) {
	// Repeated heartbeats change only LastHeartbeat.
	tb := NewTable(4)
	now := time.Now()
	tb.Add(&Member{ID: 1, State: StateInSession, LastHeartbeat: now, Talking: true})

	tb.Mutate(func(members map[uint32]*Member) {
		members[1].LastHeartbeat = now.Add(time.Second)
	})

	m := tb.Get(1)
	if !m.Talking {
		t.Fatal("heartbeat must not reset unrelated flags")
	}
	if !m.LastHeartbeat.Equal(now.Add(time.Second)) {
		t.Fatal("expected LastHeartbeat to advance")
	}
}

func TestPeerTable(t *testing.T) {
	pt := NewPeerTable()
	pt.Set(Peer{ID: 9, Name: "bob"})
	if pt.Get(9) == nil {
		t.Fatal("expected peer present")
	}
	if !pt.UpdateState(9, true, false, true) {
		t.Fatal("expected update to succeed")
	}
	if !pt.Get(9).Talking {
		t.Fatal("expected talking flag set")
	}
	if pt.UpdateState(404, true, false, true) {
		t.Fatal("expected update on unknown peer to fail")
	}
	pt.Remove(9)
	if pt.Get(9) != nil {
		t.Fatal("expected peer removed")
	}
}
