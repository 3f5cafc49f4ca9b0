// Package congestion implements CongestionControl: a pluggable algorithm
// interface governing how many cells a circuit may have in flight before
// its package window runs dry, plus the fixed-window behavior every
// circuit falls back to when no richer algorithm (e.g. a future Vegas- or
// RTT-based negotiated scheme) is negotiated during circuit setup.
//
// Grounded on SPEC_FULL.md §4.10's contract description; no teacher file
// implements this (the teacher, a client, never runs a congestion
// algorithm server-side), so the interface shape follows the same
// small-interface-plus-default-implementation idiom the teacher uses
// elsewhere (pkg/errors' Severity/Category enums, pkg/relaycrypto's
// SendmeTagVariant) rather than a direct port.
package congestion

import "github.com/opd-ai/tor-relay-core/pkg/circuit"

// Algorithm is the pluggable congestion-control contract a circuit's
// package-window logic consults on each cell sent or delivered.
type Algorithm interface {
	// PackageWindow reports the current number of cells this side may
	// still send before waiting for acknowledgement.
	PackageWindow() int
	// NoteCellSent is called once per cell actually sent onward.
	NoteCellSent()
	// DispatchSendme is called when a SENDME has been received,
	// returning how many cells' worth of window to restore.
	DispatchSendme() int
}

// FixedWindow is the default algorithm: a static window that decrements
// per cell sent and jumps back up by a fixed increment per SENDME,
// identical in behavior to the pre-congestion-control tor-spec window
// scheme (tor-spec.txt section 7.3).
type FixedWindow struct {
	window    int
	increment int
}

// NewFixedWindow creates a FixedWindow seeded at start cells, restoring
// increment cells per SENDME.
func NewFixedWindow(start, increment int) *FixedWindow {
	return &FixedWindow{window: start, increment: increment}
}

// NewFixedWindowForSide builds a FixedWindow mirroring a circuit's
// already-initialized package window on side, so FlowControl and
// CongestionControl agree on the starting count.
func NewFixedWindowForSide(c *circuit.Circuit, side circuit.Side, increment int) *FixedWindow {
	return NewFixedWindow(c.PackageWindow(side), increment)
}

func (f *FixedWindow) PackageWindow() int { return f.window }

func (f *FixedWindow) NoteCellSent() {
	if f.window > 0 {
		f.window--
	}
}

func (f *FixedWindow) DispatchSendme() int {
	f.window += f.increment
	return f.increment
}
