package circuit

import (
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
)

type fakeChannel struct {
	id ChannelID
}

func (f *fakeChannel) SendCell(c *cell.Cell) error { return nil }
func (f *fakeChannel) ID() ChannelID                { return f.id }

func TestInsertLookupBothHalves(t *testing.T) {
	m := NewManager()
	p := Half{Channel: &fakeChannel{id: 1}, CircID: 10}
	n := Half{Channel: &fakeChannel{id: 2}, CircID: 20}
	c := NewCircuit(p, n, cell.FormatLegacy)

	if err := m.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, isP, ok := m.Lookup(1, 10)
	if !ok || got != c || !isP {
		t.Fatal("expected p-side lookup to find circuit")
	}
	got, isP, ok = m.Lookup(2, 20)
	if !ok || got != c || isP {
		t.Fatal("expected n-side lookup to find circuit")
	}
}

func TestInsertRejectsZeroCircID(t *testing.T) {
	m := NewManager()
	p := Half{Channel: &fakeChannel{id: 1}, CircID: 0}
	n := Half{Channel: &fakeChannel{id: 2}, CircID: 20}
	c := NewCircuit(p, n, cell.FormatLegacy)
	if err := m.Insert(c); err == nil {
		t.Fatal("expected error inserting zero p circuit-id")
	}
}

func TestInsertRejectsOccupiedKey(t *testing.T) {
	m := NewManager()
	p1 := Half{Channel: &fakeChannel{id: 1}, CircID: 10}
	n1 := Half{Channel: &fakeChannel{id: 2}, CircID: 20}
	c1 := NewCircuit(p1, n1, cell.FormatLegacy)
	if err := m.Insert(c1); err != nil {
		t.Fatalf("Insert c1: %v", err)
	}

	p2 := Half{Channel: &fakeChannel{id: 1}, CircID: 10}
	n2 := Half{Channel: &fakeChannel{id: 3}, CircID: 30}
	c2 := NewCircuit(p2, n2, cell.FormatLegacy)
	if err := m.Insert(c2); err == nil {
		t.Fatal("expected error inserting duplicate p-side key")
	}
}

func TestDetachPRemovesOnlyThatSide(t *testing.T) {
	m := NewManager()
	p := Half{Channel: &fakeChannel{id: 1}, CircID: 10}
	n := Half{Channel: &fakeChannel{id: 2}, CircID: 20}
	c := NewCircuit(p, n, cell.FormatLegacy)
	if err := m.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	m.DetachKey(1, 10)
	c.DetachP()

	if _, _, ok := m.Lookup(1, 10); ok {
		t.Fatal("expected p-side key to be gone")
	}
	if _, _, ok := m.Lookup(2, 20); !ok {
		t.Fatal("expected n-side key to remain")
	}
}

func TestMarkForCloseIsIdempotent(t *testing.T) {
	c := NewCircuit(Half{}, Half{}, cell.FormatLegacy)
	c.MarkForClose(errors.CloseReasonDestroyed)
	c.MarkForClose(errors.CloseReasonProtocol)

	if !c.IsMarkedForClose() {
		t.Fatal("expected circuit to be marked for close")
	}
	if c.CloseReason() != errors.CloseReasonDestroyed {
		t.Fatalf("expected first reason to stick, got %v", c.CloseReason())
	}
}

func TestDecrementPackageWindowStopsAtZero(t *testing.T) {
	c := NewCircuit(Half{}, Half{}, cell.FormatLegacy)
	c.PackageWindowN = 2

	if remaining, ok := c.DecrementPackageWindow(SideN); !ok || remaining != 1 {
		t.Fatalf("expected (1, true), got (%d, %v)", remaining, ok)
	}
	if remaining, ok := c.DecrementPackageWindow(SideN); !ok || remaining != 0 {
		t.Fatalf("expected (0, true), got (%d, %v)", remaining, ok)
	}
	if _, ok := c.DecrementPackageWindow(SideN); ok {
		t.Fatal("expected decrement at zero to report ok=false")
	}
}

func TestIncrementPackageWindowReplenishes(t *testing.T) {
	c := NewCircuit(Half{}, Half{}, cell.FormatLegacy)
	c.PackageWindowP = 0
	c.IncrementPackageWindow(SideP, 100)
	if c.PackageWindowP != 100 {
		t.Fatalf("expected PackageWindowP=100, got %d", c.PackageWindowP)
	}
}

func TestPackageWindowReadsWithoutMutating(t *testing.T) {
	c := NewCircuit(Half{}, Half{}, cell.FormatLegacy)
	c.PackageWindowN = 42
	if got := c.PackageWindow(SideN); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if c.PackageWindowN != 42 {
		t.Fatal("expected PackageWindow read not to mutate the window")
	}
}

func TestDeliverWindowRoundTrip(t *testing.T) {
	c := NewCircuit(Half{}, Half{}, cell.FormatLegacy)
	start := c.DeliverWindowN
	if got := c.DecrementDeliverWindow(SideN); got != start-1 {
		t.Fatalf("expected %d, got %d", start-1, got)
	}
	c.IncrementDeliverWindow(SideN, 100)
	if c.DeliverWindowN != start-1+100 {
		t.Fatalf("expected %d, got %d", start-1+100, c.DeliverWindowN)
	}
}

func TestRemoveDropsBothKeysAndIteration(t *testing.T) {
	m := NewManager()
	p := Half{Channel: &fakeChannel{id: 1}, CircID: 10}
	n := Half{Channel: &fakeChannel{id: 2}, CircID: 20}
	c := NewCircuit(p, n, cell.FormatLegacy)
	if err := m.Insert(c); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected count 1, got %d", m.Count())
	}

	m.Remove(c)
	if m.Count() != 0 {
		t.Fatalf("expected count 0 after Remove, got %d", m.Count())
	}
	if _, _, ok := m.Lookup(1, 10); ok {
		t.Fatal("expected p-side key gone after Remove")
	}
	if _, _, ok := m.Lookup(2, 20); ok {
		t.Fatal("expected n-side key gone after Remove")
	}
}
