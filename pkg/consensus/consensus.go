// Package consensus holds the process-wide, atomically-swappable snapshot
// of directory-consensus parameters the relay core consumes (§6). This
// package does not fetch or parse a consensus document — that's an
// explicit Non-goal — it only holds whatever values the embedding process
// decides on and notifies registered components when they change, the
// consensus_has_changed hook described in §5.
//
// Grounded on the teacher's pkg/config.Config (DefaultConfig/Validate/
// Clone shape) trimmed down to the 20 relay-facing parameters the spec
// names, plus the hot-swap notification idiom from pkg/config/reload.go
// reduced from a file-watching poll loop to a plain atomic pointer swap,
// since this module never reads a config file itself.
package consensus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Params is one consensus snapshot. Field names follow the dirspec
// parameter names from §6 verbatim so operators recognize them.
type Params struct {
	CircMaxCellQueueSize    int
	CircMaxCellQueueSizeOut int

	SendmeEmitMinVersion   int
	SendmeAcceptMinVersion int

	PbMincircs     int
	PbNoticePct    float64
	PbWarnPct      float64
	PbExtremePct   float64
	PbScalecircs   int
	PbScalefactor  float64
	PbMultfactor   float64
	PbMinuse       int
	PbNoticeusepct float64
	PbExtremeusepct float64
	PbScaleuse     bool
	PbDropguards   bool

	NfPadBeforeUsage   bool
	AllowNonearlyExtend bool

	ExitDNSTimeout     time.Duration
	ExitDNSNumAttempts int
}

// Default returns the fallback values used when no consensus has been
// loaded yet, matching the tor-spec defaults for each parameter.
func Default() *Params {
	return &Params{
		CircMaxCellQueueSize:    50000,
		CircMaxCellQueueSizeOut: 50000,
		SendmeEmitMinVersion:    0,
		SendmeAcceptMinVersion:  0,
		PbMincircs:              150,
		PbNoticePct:             0.70,
		PbWarnPct:               0.50,
		PbExtremePct:            0.30,
		PbScalecircs:            300,
		PbScalefactor:           0.5,
		PbMultfactor:            0.7,
		PbMinuse:                20,
		PbNoticeusepct:          0.80,
		PbExtremeusepct:         0.60,
		PbScaleuse:              true,
		PbDropguards:            false,
		NfPadBeforeUsage:        true,
		AllowNonearlyExtend:     false,
		ExitDNSTimeout:          15 * time.Second,
		ExitDNSNumAttempts:      3,
	}
}

// Validate reports whether p contains internally consistent values — all
// percentages in [0,1], scale/mult factors positive, counts non-negative.
func (p *Params) Validate() error {
	pcts := map[string]float64{
		"PbNoticePct": p.PbNoticePct, "PbWarnPct": p.PbWarnPct,
		"PbExtremePct": p.PbExtremePct, "PbNoticeusepct": p.PbNoticeusepct,
		"PbExtremeusepct": p.PbExtremeusepct,
	}
	for name, v := range pcts {
		if v < 0 || v > 1 {
			return fmt.Errorf("consensus: %s out of range [0,1]: %v", name, v)
		}
	}
	if p.PbScalefactor <= 0 || p.PbMultfactor <= 0 {
		return fmt.Errorf("consensus: scale/mult factors must be positive")
	}
	if p.PbMincircs < 0 || p.PbScalecircs < 0 || p.PbMinuse < 0 {
		return fmt.Errorf("consensus: path-bias counts must be non-negative")
	}
	if p.CircMaxCellQueueSize <= 0 || p.CircMaxCellQueueSizeOut <= 0 {
		return fmt.Errorf("consensus: circuit cell queue sizes must be positive")
	}
	if p.ExitDNSNumAttempts < 1 {
		return fmt.Errorf("consensus: exit_dns_num_attempts must be at least 1")
	}
	return nil
}

// Clone returns a shallow copy, safe to mutate independently of the
// original (Params has no reference fields, so a value copy suffices).
func (p *Params) Clone() *Params {
	c := *p
	return &c
}

// Hook is called with the old and new snapshot whenever the consensus
// changes, mirroring tor's consensus_has_changed callback.
type Hook func(old, new *Params)

// Store is the process-wide holder: an atomically-swappable pointer plus
// a registry of change hooks.
type Store struct {
	mu     sync.Mutex
	hooks  []Hook
	params atomic.Pointer[Params]
}

// NewStore creates a Store seeded with Default().
func NewStore() *Store {
	s := &Store{}
	s.params.Store(Default())
	return s
}

// Get returns the current snapshot. The returned pointer must be treated
// as immutable by the caller; call Clone before mutating.
func (s *Store) Get() *Params {
	return s.params.Load()
}

// Swap validates and installs a new snapshot, then synchronously invokes
// every registered hook with (old, new). It returns the validation error
// and leaves the old snapshot installed if next is invalid.
func (s *Store) Swap(next *Params) error {
	if err := next.Validate(); err != nil {
		return err
	}
	old := s.params.Swap(next)
	s.mu.Lock()
	hooks := append([]Hook(nil), s.hooks...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(old, next)
	}
	return nil
}

// OnChange registers a hook invoked on every future Swap.
func (s *Store) OnChange(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}
