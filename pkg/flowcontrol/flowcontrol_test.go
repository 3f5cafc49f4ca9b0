package flowcontrol

import (
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/circuit"
	"github.com/opd-ai/tor-relay-core/pkg/stream"
)

func TestNoteCellPackagedExhaustsWindow(t *testing.T) {
	c := circuit.NewCircuit(circuit.Half{}, circuit.Half{}, cell.FormatLegacy)
	c.PackageWindowN = 1

	if !NoteCellPackaged(c, circuit.SideN) {
		t.Fatal("expected first packaged cell to succeed")
	}
	if NoteCellPackaged(c, circuit.SideN) {
		t.Fatal("expected window-exhausted packaged cell to fail")
	}
}

func TestNoteCellDeliveredTriggersSendmeAtIncrement(t *testing.T) {
	c := circuit.NewCircuit(circuit.Half{}, circuit.Half{}, cell.FormatLegacy)
	c.DeliverWindowN = CircuitWindowIncrement + 1

	due := false
	for i := 0; i < CircuitWindowIncrement+1; i++ {
		due = NoteCellDelivered(c, circuit.SideN)
	}
	if !due {
		t.Fatal("expected SENDME due once deliver window crosses the threshold")
	}
	if c.DeliverWindowN != 0 {
		t.Fatalf("expected DeliverWindowN=0, got %d", c.DeliverWindowN)
	}
}

func TestConsumeAndEmitCircuitSendme(t *testing.T) {
	c := circuit.NewCircuit(circuit.Half{}, circuit.Half{}, cell.FormatLegacy)
	c.PackageWindowN = 0
	ConsumeCircuitSendme(c, circuit.SideN)
	if c.PackageWindowN != CircuitWindowIncrement {
		t.Fatalf("expected %d, got %d", CircuitWindowIncrement, c.PackageWindowN)
	}

	c.DeliverWindowP = 0
	EmitCircuitSendme(c, circuit.SideP)
	if c.DeliverWindowP != CircuitWindowIncrement {
		t.Fatalf("expected %d, got %d", CircuitWindowIncrement, c.DeliverWindowP)
	}
}

func TestSendmeDigestListVerifyInOrder(t *testing.T) {
	l := NewSendmeDigestList(4)
	tagA := []byte{0x01, 0x02}
	tagB := []byte{0x03, 0x04}
	l.Record(tagA)
	l.Record(tagB)

	if !l.Verify(tagA) {
		t.Fatal("expected tagA to verify")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 tag remaining, got %d", l.Len())
	}
	if !l.Verify(tagB) {
		t.Fatal("expected tagB to verify")
	}
	if l.Verify(tagA) {
		t.Fatal("expected stale tagA not to re-verify once consumed")
	}
}

func TestSendmeDigestListBoundsSize(t *testing.T) {
	l := NewSendmeDigestList(2)
	l.Record([]byte{1})
	l.Record([]byte{2})
	l.Record([]byte{3})
	if l.Len() != 2 {
		t.Fatalf("expected list bounded to 2, got %d", l.Len())
	}
	if l.Verify([]byte{1}) {
		t.Fatal("expected oldest tag to have been evicted")
	}
}

func TestStreamWindowHelpersAndXoffXon(t *testing.T) {
	s := stream.NewEdgeStream(1)
	s.PackageWindow = 1
	if !NoteStreamCellPackaged(s) {
		t.Fatal("expected first packaged cell to succeed")
	}
	if NoteStreamCellPackaged(s) {
		t.Fatal("expected window-exhausted packaged cell to fail")
	}

	ConsumeStreamSendme(s)
	if s.PackageWindow != StreamWindowIncrement {
		t.Fatalf("expected %d, got %d", StreamWindowIncrement, s.PackageWindow)
	}

	ApplyXoff(s, true)
	if !s.XoffSent {
		t.Fatal("expected XoffSent set")
	}
	ApplyXon(s, true)
	if s.XoffSent {
		t.Fatal("expected XoffSent cleared")
	}
}
