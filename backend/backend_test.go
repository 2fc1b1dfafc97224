package backend

import (
	"testing"

	"github.com/session-replay-tools/cetus-sub002/pool"
)

func newTestGroup(replicas int, priority bool) *Group {
	var rs []Replica
	for i := 0; i < replicas; i++ {
		rs = append(rs, Replica{Addr: "replica" + string(rune('1'+i)) + ":3306", Weight: i + 1})
	}
	return NewGroup("primary:3306", rs, pool.DefaultOptions(), priority)
}

func TestRWIndex(t *testing.T) {
	g := newTestGroup(2, false)
	if ndx := g.RWIndex(); ndx != 0 {
		t.Errorf("RWIndex = %d, want 0", ndx)
	}

	g.Backend(0).SetState(StateDown)
	if ndx := g.RWIndex(); ndx != -1 {
		t.Errorf("RWIndex with primary down = %d, want -1", ndx)
	}
}

func TestROIndexRoundRobin(t *testing.T) {
	g := newTestGroup(3, false)

	first := g.ROIndex()
	second := g.ROIndex()
	third := g.ROIndex()
	fourth := g.ROIndex()

	if first == second || second == third {
		t.Error("round-robin returned the same replica twice in a row")
	}
	if first != fourth {
		t.Errorf("round-robin did not wrap: first=%d fourth=%d", first, fourth)
	}
	for _, ndx := range []int{first, second, third} {
		if b := g.Backend(ndx); b == nil || b.Type != TypeRO {
			t.Errorf("index %d is not a replica", ndx)
		}
	}
}

func TestROIndexSkipsDown(t *testing.T) {
	g := newTestGroup(2, false)
	g.Backend(1).SetState(StateDown)

	for i := 0; i < 5; i++ {
		if ndx := g.ROIndex(); ndx != 2 {
			t.Errorf("ROIndex = %d, want 2 (only healthy replica)", ndx)
		}
	}
}

func TestROIndexAllDown(t *testing.T) {
	g := newTestGroup(2, false)
	g.Backend(1).SetState(StateDown)
	g.Backend(2).SetState(StateDown)

	if ndx := g.ROIndex(); ndx != -1 {
		t.Errorf("ROIndex with all replicas down = %d, want -1", ndx)
	}
}

func TestROIndexNoReplicas(t *testing.T) {
	g := newTestGroup(0, false)
	if ndx := g.ROIndex(); ndx != -1 {
		t.Errorf("ROIndex with no replicas = %d, want -1", ndx)
	}
}

func TestROIndexPriority(t *testing.T) {
	g := newTestGroup(3, true)

	// Heaviest replica wins while it is healthy
	for i := 0; i < 3; i++ {
		if ndx := g.ROIndex(); ndx != 3 {
			t.Errorf("priority ROIndex = %d, want 3", ndx)
		}
	}

	g.Backend(3).SetState(StateDown)
	if ndx := g.ROIndex(); ndx != 2 {
		t.Errorf("priority ROIndex after failure = %d, want 2", ndx)
	}
}

func TestConnectedClients(t *testing.T) {
	g := newTestGroup(0, false)
	b := g.Backend(0)

	b.AddClient()
	b.AddClient()
	if n := b.ConnectedClients(); n != 2 {
		t.Errorf("ConnectedClients = %d, want 2", n)
	}
	b.RemoveClient()
	if n := b.ConnectedClients(); n != 1 {
		t.Errorf("ConnectedClients = %d, want 1", n)
	}
	b.RemoveClient()
	b.RemoveClient() // must not go negative
	if n := b.ConnectedClients(); n != 0 {
		t.Errorf("ConnectedClients = %d, want 0", n)
	}
}

func TestMaintainingExcluded(t *testing.T) {
	g := newTestGroup(1, false)
	g.Backend(1).SetState(StateMaintaining)
	if ndx := g.ROIndex(); ndx != -1 {
		t.Errorf("maintaining replica should be excluded, got %d", ndx)
	}
}
