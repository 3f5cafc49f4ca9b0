package congestion

import (
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
)

func TestFixedWindowDecrementsAndFloors(t *testing.T) {
	f := NewFixedWindow(1, 100)
	f.NoteCellSent()
	if f.PackageWindow() != 0 {
		t.Fatalf("expected window 0, got %d", f.PackageWindow())
	}
	f.NoteCellSent()
	if f.PackageWindow() != 0 {
		t.Fatal("expected window to floor at 0, not go negative")
	}
}

func TestFixedWindowDispatchSendmeRestoresIncrement(t *testing.T) {
	f := NewFixedWindow(0, 100)
	restored := f.DispatchSendme()
	if restored != 100 {
		t.Fatalf("expected 100 restored, got %d", restored)
	}
	if f.PackageWindow() != 100 {
		t.Fatalf("expected window 100, got %d", f.PackageWindow())
	}
}

func TestNewFixedWindowForSideSeedsFromCircuit(t *testing.T) {
	c := circuit.NewCircuit(circuit.Half{}, circuit.Half{}, cell.FormatLegacy)
	c.PackageWindowN = 250
	f := NewFixedWindowForSide(c, circuit.SideN, 100)
	if f.PackageWindow() != 250 {
		t.Fatalf("expected seeded window 250, got %d", f.PackageWindow())
	}
}

var _ Algorithm = (*FixedWindow)(nil)
