package pathbias

import (
	"fmt"
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/consensus"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(consensus.NewStore(), nil)
}

func TestTrackerRecordAttemptAndSuccess(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordAttempt("guardA")
	tr.RecordBuildSuccess("guardA")

	s := tr.Get("guardA")
	if s.Attempts != 1 || s.Successes != 1 {
		t.Fatalf("state = %+v, want Attempts=1 Successes=1", s)
	}
}

func TestTrackerExtremeBuildFailureDisablesWhenConfigured(t *testing.T) {
	store := consensus.NewStore()
	p := store.Get().Clone()
	p.PbDropguards = true
	p.PbMincircs = 5
	if err := store.Swap(p); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	tr := NewTracker(store, nil)

	for i := 0; i < 10; i++ {
		tr.RecordAttempt("guardA")
	}
	// Zero successes recorded: build ratio is 0, well below any extreme
	// threshold, and attempts exceed pb_mincircs.
	if !tr.IsDisabled("guardA") {
		t.Fatal("expected guard to be disabled after extreme build-failure rate")
	}
}

func TestTrackerDoesNotDisableWithoutDropGuards(t *testing.T) {
	store := consensus.NewStore()
	p := store.Get().Clone()
	p.PbDropguards = false
	p.PbMincircs = 5
	if err := store.Swap(p); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	tr := NewTracker(store, nil)

	for i := 0; i < 10; i++ {
		tr.RecordAttempt("guardA")
	}
	if tr.IsDisabled("guardA") {
		t.Fatal("guard should not be disabled when pb_dropguards is false")
	}
}

func TestTrackerScalesDownAfterThreshold(t *testing.T) {
	store := consensus.NewStore()
	p := store.Get().Clone()
	p.PbScalecircs = 10
	p.PbScalefactor = 0.5
	p.PbMincircs = 100000 // suppress ratio logging noise in this test
	if err := store.Swap(p); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	tr := NewTracker(store, nil)

	for i := 0; i < 11; i++ {
		tr.RecordAttempt("guardA")
	}
	s := tr.Get("guardA")
	if s.Attempts >= 11 {
		t.Fatalf("expected counters to be scaled down, got Attempts=%d", s.Attempts)
	}
}

func TestProberValidatesMatchingNonce(t *testing.T) {
	p := NewProber()
	addr, err := p.NewProbe(1, "guardA")
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	if !p.Pending(1) {
		t.Fatal("expected probe to be pending")
	}

	var a, b, c byte
	if _, err := fscanAddr(addr, &a, &b, &c); err != nil {
		t.Fatalf("parsing probe addr %q: %v", addr, err)
	}

	ok := p.Validate(1, true, [4]byte{0, a, b, c})
	if !ok {
		t.Fatal("expected matching nonce to validate")
	}
	if p.Pending(1) {
		t.Fatal("probe should be consumed after Validate")
	}
}

func TestProberRejectsMismatchedNonce(t *testing.T) {
	p := NewProber()
	if _, err := p.NewProbe(1, "guardA"); err != nil {
		t.Fatalf("NewProbe: %v", err)
	}
	if p.Validate(1, true, [4]byte{0, 1, 2, 3}) {
		t.Fatal("mismatched nonce should not validate (this test relies on astronomically unlikely collision otherwise)")
	}
}

func TestProberRejectsWrongReason(t *testing.T) {
	p := NewProber()
	addr, _ := p.NewProbe(1, "guardA")
	var a, b, c byte
	fscanAddr(addr, &a, &b, &c)
	if p.Validate(1, false, [4]byte{0, a, b, c}) {
		t.Fatal("a non-EXITPOLICY reason must not validate even with a matching nonce")
	}
}

func TestProberCancel(t *testing.T) {
	p := NewProber()
	p.NewProbe(1, "guardA")
	p.Cancel(1)
	if p.Pending(1) {
		t.Fatal("expected probe to be gone after Cancel")
	}
}

// fscanAddr extracts the three nonce bytes out of a "0.a.b.c:25" address
// string for test verification.
func fscanAddr(addr string, a, b, c *byte) (int, error) {
	var zero, ai, bi, ci, port int
	n, err := fmt.Sscanf(addr, "%d.%d.%d.%d:%d", &zero, &ai, &bi, &ci, &port)
	*a, *b, *c = byte(ai), byte(bi), byte(ci)
	return n, err
}
