package mux

import (
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/cellqueue"
)

func TestDestroyBypassesFairness(t *testing.T) {
	m := New()
	q1 := cellqueue.New()
	if err := q1.Push(&cell.Cell{CircID: 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	m.Register(1, q1)
	m.EnqueueDestroy(&cell.Cell{CircID: 99, Command: cell.CmdDestroy})

	out := m.Flush(10)
	if len(out) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(out))
	}
	if out[0].Command != cell.CmdDestroy {
		t.Fatal("expected DESTROY cell first")
	}
}

func TestRoundRobinFairness(t *testing.T) {
	m := New()
	q1 := cellqueue.New()
	q2 := cellqueue.New()
	for i := 0; i < 3; i++ {
		if err := q1.Push(&cell.Cell{CircID: 1}); err != nil {
			t.Fatalf("Push q1: %v", err)
		}
	}
	if err := q2.Push(&cell.Cell{CircID: 2}); err != nil {
		t.Fatalf("Push q2: %v", err)
	}
	m.Register(1, q1)
	m.Register(2, q2)

	out := m.Flush(2)
	if len(out) != 2 {
		t.Fatalf("expected 2 cells, got %d", len(out))
	}
	if out[0].CircID == out[1].CircID {
		t.Fatal("expected round-robin to interleave circuits, not drain one first")
	}
}

func TestUnregisterStopsScheduling(t *testing.T) {
	m := New()
	q1 := cellqueue.New()
	if err := q1.Push(&cell.Cell{CircID: 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	m.Register(1, q1)
	m.Unregister(1)

	out := m.Flush(10)
	if len(out) != 0 {
		t.Fatalf("expected no cells after unregister, got %d", len(out))
	}
	if m.CircuitCount() != 0 {
		t.Fatal("expected zero circuits after unregister")
	}
}

func TestFlushRespectsMax(t *testing.T) {
	m := New()
	q1 := cellqueue.New()
	for i := 0; i < 5; i++ {
		if err := q1.Push(&cell.Cell{CircID: 1}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	m.Register(1, q1)
	out := m.Flush(2)
	if len(out) != 2 {
		t.Fatalf("expected exactly 2 cells, got %d", len(out))
	}
}
