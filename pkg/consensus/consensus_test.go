package consensus

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestValidateRejectsOutOfRangePercent(t *testing.T) {
	p := Default()
	p.PbWarnPct = 1.5
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for out-of-range percentage")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	p := Default()
	c := p.Clone()
	c.PbMincircs = 999
	if p.PbMincircs == 999 {
		t.Fatal("expected clone mutation not to affect original")
	}
}

func TestSwapRejectsInvalidAndKeepsOld(t *testing.T) {
	s := NewStore()
	original := s.Get()

	bad := Default()
	bad.PbScalefactor = -1
	if err := s.Swap(bad); err == nil {
		t.Fatal("expected Swap to reject invalid params")
	}
	if s.Get() != original {
		t.Fatal("expected old snapshot to remain installed after rejected Swap")
	}
}

func TestSwapNotifiesHooks(t *testing.T) {
	s := NewStore()
	var gotOld, gotNew *Params
	s.OnChange(func(old, new *Params) {
		gotOld, gotNew = old, new
	})

	next := Default()
	next.PbMincircs = 200
	if err := s.Swap(next); err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if gotNew != next {
		t.Fatal("expected hook to receive the new snapshot")
	}
	if gotOld == gotNew {
		t.Fatal("expected hook to receive distinct old/new snapshots")
	}
}
