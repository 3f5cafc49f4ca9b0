// Package pathbias implements PathBias (§4.12): per-guard attempt/build/use
// counters, the scaling that keeps those counters reflecting recent
// behavior rather than a guard's entire lifetime, and the probe-cell
// machinery used to tell a maliciously-tagging guard apart from one that
// merely timed out.
//
// Grounded on the teacher's pkg/path.GuardManager for the persistence/
// logging idiom (guards are identified by GuardEntry.Fingerprint, the same
// key this package's Tracker uses). The disable-on-extreme-failure decision
// is modelled on the closed/open transition of pkg/errors.CircuitBreaker but
// does not use that type: it is a per-guard State.Disabled flag, set by
// maybeDisable and never cleared by this package.
package pathbias

import (
	"crypto/rand"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/consensus"
	"github.com/opd-ai/tor-relay-core/pkg/logger"
	"github.com/opd-ai/tor-relay-core/pkg/metrics"
)

// State holds the monotonic (but periodically scaled) per-guard counters
// of §3's PathBiasState data model.
type State struct {
	Attempts     int64
	Successes    int64
	UseAttempts  int64
	UseSuccesses int64
	Collapses    int64
	Unusable     int64
	Timeouts     int64

	Disabled bool
	Warned   bool
}

// buildRatio is successes/attempts, or 1.0 with zero attempts (no evidence
// of failure yet, so nothing to warn about).
func (s *State) buildRatio() float64 {
	if s.Attempts == 0 {
		return 1
	}
	return float64(s.Successes) / float64(s.Attempts)
}

func (s *State) useRatio() float64 {
	if s.UseAttempts == 0 {
		return 1
	}
	return float64(s.UseSuccesses) / float64(s.UseAttempts)
}

// scale multiplies every counter by factor, rounding to the nearest
// integer, once Attempts crosses the consensus scale threshold — so the
// ratios above keep reflecting recent circuits instead of a guard's entire
// history (§3, §4.12).
func (s *State) scale(factor float64) {
	round := func(v int64) int64 { return int64(math.Round(float64(v) * factor)) }
	s.Attempts = round(s.Attempts)
	s.Successes = round(s.Successes)
	s.UseAttempts = round(s.UseAttempts)
	s.UseSuccesses = round(s.UseSuccesses)
	s.Collapses = round(s.Collapses)
	s.Unusable = round(s.Unusable)
	s.Timeouts = round(s.Timeouts)
}

// Tracker owns the per-guard State map and applies the consensus-provided
// thresholds on every update, per §4.12.
type Tracker struct {
	mu      sync.Mutex
	states  map[string]*State
	params  *consensus.Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// SetMetrics wires m as the destination for this Tracker's gauges (§9.1
// AMBIENT STACK). Optional: a Tracker with none set simply skips
// recording.
func (t *Tracker) SetMetrics(m *metrics.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// NewTracker creates a Tracker consulting params for its scaling and
// warn/notice/extreme thresholds.
func NewTracker(params *consensus.Store, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Tracker{
		states: make(map[string]*State),
		params: params,
		log:    log.Component("pathbias"),
	}
}

func (t *Tracker) stateFor(fingerprint string) *State {
	s, ok := t.states[fingerprint]
	if !ok {
		s = &State{}
		t.states[fingerprint] = s
	}
	return s
}

// Get returns a copy of the current counters for fingerprint, for
// inspection/metrics export.
func (t *Tracker) Get(fingerprint string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stateFor(fingerprint)
}

// RecordAttempt records that a circuit build was attempted through
// fingerprint.
func (t *Tracker) RecordAttempt(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(fingerprint)
	s.Attempts++
	t.maybeScale(s)
	t.checkBuildRatio(fingerprint, s)
}

// RecordBuildSuccess records that the circuit through fingerprint
// completed its handshake.
func (t *Tracker) RecordBuildSuccess(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(fingerprint)
	s.Successes++
	t.checkBuildRatio(fingerprint, s)
}

// RecordCollapse records that a built circuit through fingerprint
// collapsed before any stream could attempt use — tracked separately from
// a bare build failure since it indicates the guard accepted the
// handshake but then misbehaved.
func (t *Tracker) RecordCollapse(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(fingerprint).Collapses++
}

// RecordUnusable records that a built circuit through fingerprint was
// never usable (e.g. torn down by policy before any stream attempt).
func (t *Tracker) RecordUnusable(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(fingerprint).Unusable++
}

// RecordUseAttempt records that a stream was attempted on a circuit
// through fingerprint.
func (t *Tracker) RecordUseAttempt(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(fingerprint)
	s.UseAttempts++
	t.checkUseRatio(fingerprint, s)
}

// RecordUseSuccess records that a stream attempt through fingerprint
// succeeded (got a CONNECTED or RESOLVED before any failure).
func (t *Tracker) RecordUseSuccess(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(fingerprint)
	s.UseSuccesses++
	t.checkUseRatio(fingerprint, s)
}

// RecordUseFailure records a stream that failed on a circuit through
// fingerprint before any prior success — the condition that triggers a
// probe per §4.12.
func (t *Tracker) RecordUseFailure(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(fingerprint)
	t.checkUseRatio(fingerprint, s)
}

// RecordTimeout records a probe (or ordinary stream) that never received a
// reply.
func (t *Tracker) RecordTimeout(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(fingerprint).Timeouts++
}

// maybeScale applies the consensus pb_scalecircs/pb_scalefactor rule: once
// Attempts exceeds the threshold, every counter is scaled down so the
// window reflects recent behavior (§3).
func (t *Tracker) maybeScale(s *State) {
	p := t.params.Get()
	if !p.PbScaleuse && s.Attempts <= int64(p.PbScalecircs) {
		return
	}
	if s.Attempts > int64(p.PbScalecircs) {
		s.scale(p.PbScalefactor)
	}
}

// checkBuildRatio logs and potentially disables fingerprint per the
// consensus notice/warn/extreme build-success thresholds, once enough
// samples (pb_mincircs) exist.
func (t *Tracker) checkBuildRatio(fingerprint string, s *State) {
	p := t.params.Get()
	if s.Attempts < int64(p.PbMincircs) {
		return
	}
	ratio := s.buildRatio()
	switch {
	case ratio < p.PbExtremePct:
		t.log.Warn("path-bias: extreme build-failure rate", "guard", fingerprint, "ratio", ratio)
		t.maybeDisable(fingerprint, s, p)
	case ratio < p.PbWarnPct:
		t.log.Warn("path-bias: build-failure rate exceeds warn threshold", "guard", fingerprint, "ratio", ratio)
	case ratio < p.PbNoticePct:
		if !s.Warned {
			t.log.Info("path-bias: build-failure rate exceeds notice threshold", "guard", fingerprint, "ratio", ratio)
			s.Warned = true
		}
	}
}

// checkUseRatio mirrors checkBuildRatio for the stream-use counters,
// pb_minuse/pb_noticeusepct/pb_extremeusepct.
func (t *Tracker) checkUseRatio(fingerprint string, s *State) {
	p := t.params.Get()
	if s.UseAttempts < int64(p.PbMinuse) {
		return
	}
	ratio := s.useRatio()
	switch {
	case ratio < p.PbExtremeusepct:
		t.log.Warn("path-bias: extreme use-failure rate", "guard", fingerprint, "ratio", ratio)
		t.maybeDisable(fingerprint, s, p)
	case ratio < p.PbNoticeusepct:
		if !s.Warned {
			t.log.Info("path-bias: use-failure rate exceeds notice threshold", "guard", fingerprint, "ratio", ratio)
			s.Warned = true
		}
	}
}

// maybeDisable marks fingerprint's guard as disabled when the consensus
// instructs dropping guards on extreme failure (pb_dropguards); otherwise
// the extreme condition is logged only, matching tor's conservative
// default (pb_dropguards defaults to false — an operator opts in).
func (t *Tracker) maybeDisable(fingerprint string, s *State, p *consensus.Params) {
	if !p.PbDropguards || s.Disabled {
		return
	}
	s.Disabled = true
	if t.metrics != nil {
		t.metrics.PathBiasGuardsDisabled.Inc()
	}
	t.log.Warn("path-bias: disabling guard on extreme failure rate", "guard", fingerprint)
}

// IsDisabled reports whether fingerprint's guard has been disabled by a
// prior extreme-failure decision.
func (t *Tracker) IsDisabled(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateFor(fingerprint).Disabled
}

// --- Probe cells (§4.12, §8 scenario S5) ---

// ProbeAddrPort is the fixed port probes connect to: 25 (SMTP), chosen in
// tor-spec for being commonly permitted by exit policies while carrying no
// legitimate traffic this relay core needs to emulate.
const ProbeAddrPort = 25

// Probe is a single outstanding path-bias probe: a locally-originated
// BEGIN to a synthetic 0.a.b.c:25 address, where a.b.c is a random nonce
// the real exit is expected to echo back in its END's address field.
type Probe struct {
	Fingerprint string
	Nonce       [3]byte
	SentAt      time.Time
}

// Prober tracks outstanding probes keyed by an opaque id the caller
// chooses (typically the circuit's local identifier) — this package has no
// dependency on pkg/circuit so it stays usable from either an origin or a
// relay-role caller.
type Prober struct {
	mu      sync.Mutex
	pending map[uint64]*Probe
	metrics *metrics.Metrics
}

// NewProber creates an empty Prober.
func NewProber() *Prober {
	return &Prober{pending: make(map[uint64]*Probe)}
}

// SetMetrics wires m as the destination for this Prober's counters.
// Optional: a Prober with none set simply skips recording.
func (p *Prober) SetMetrics(m *metrics.Metrics) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// NewProbe generates a fresh nonce, records it against id, and returns the
// synthetic address the BEGIN relay message should target.
func (p *Prober) NewProbe(id uint64, fingerprint string) (addr string, err error) {
	var nonce [3]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("pathbias: generating probe nonce: %w", err)
	}

	p.mu.Lock()
	p.pending[id] = &Probe{Fingerprint: fingerprint, Nonce: nonce, SentAt: time.Now()}
	if p.metrics != nil {
		p.metrics.PathBiasProbesSent.Inc()
	}
	p.mu.Unlock()

	return fmt.Sprintf("0.%d.%d.%d:%d", nonce[0], nonce[1], nonce[2], ProbeAddrPort), nil
}

// Fingerprint returns the guard fingerprint id's pending probe was issued
// against, without consuming it, so a caller can attribute Validate's
// outcome to the right guard before calling it.
func (p *Prober) Fingerprint(id uint64) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe, ok := p.pending[id]
	if !ok {
		return "", false
	}
	return probe.Fingerprint, true
}

// Pending reports whether id has an outstanding probe, the "C is in a
// path-bias-probe state" test §4.7 step 3 performs before ordinary stream
// lookup.
func (p *Prober) Pending(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

// Validate checks an END reply against id's pending probe: the reason must
// be EXITPOLICY and addrEcho must encode the same nonce. It always
// consumes the pending probe (a probe is answered at most once), and
// reports whether the reply authenticated.
func (p *Prober) Validate(id uint64, reasonIsExitPolicy bool, addrEcho [4]byte) bool {
	p.mu.Lock()
	probe, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	valid := reasonIsExitPolicy &&
		addrEcho[1] == probe.Nonce[0] && addrEcho[2] == probe.Nonce[1] && addrEcho[3] == probe.Nonce[2]
	if !valid && p.metrics != nil {
		p.mu.Lock()
		p.metrics.PathBiasProbesFailed.Inc()
		p.mu.Unlock()
	}
	return valid
}

// Cancel discards a pending probe without validating it, e.g. because the
// circuit it was on was torn down for an unrelated reason.
func (p *Prober) Cancel(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}
