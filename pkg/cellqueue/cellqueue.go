// Package cellqueue implements CellQueue: the bounded per-direction queue
// of packed (already-encrypted) cells a circuit holds while waiting for
// its outbound channel to have write capacity.
//
// Grounded on the teacher's pkg/pool.BufferPool idiom (sync.Pool-backed
// fixed-size buffer reuse) for the cell-sized slices passed through the
// queue, generalized here into a FIFO of queued cells with watermark
// gating rather than a flat buffer pool.
package cellqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
	"github.com/opd-ai/tor-relay-core/pkg/memgov"
)

// Default bounds, per §4.4: a circuit's outbound queue holds on the order
// of a few thousand cells before the relay gives up on it as stalled.
const (
	DefaultMaxLen      = 2500
	DefaultHighWater   = 2250
	DefaultLowWater    = 1000
)

// entry pairs a queued cell with the coarse timestamp it was pushed at,
// used by the memory governor's oldest-cell-first OOM ranking (§4.13).
type entry struct {
	cell      *cell.Cell
	queuedAt  time.Time
}

// Queue is a bounded FIFO of packed cells awaiting transmission on one
// direction of one circuit.
type Queue struct {
	mu sync.Mutex

	items    *list.List
	maxLen   int
	highWater int
	lowWater  int

	// congested latches true once len reaches highWater and clears once
	// len drops back to lowWater, giving the caller (CircuitMux, or
	// FlowControl's SENDME gating) hysteresis instead of a single
	// threshold that would oscillate under jitter.
	congested bool

	gov *memgov.Governor
}

// SetGovernor wires g as the memory governor this queue reports its
// payload-byte usage to under memgov.CategoryCellQueues (§4.13). Optional:
// a queue with none set simply skips accounting.
func (q *Queue) SetGovernor(g *memgov.Governor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gov = g
}

// New creates a queue with the default bounds.
func New() *Queue {
	return NewWithBounds(DefaultMaxLen, DefaultHighWater, DefaultLowWater)
}

// NewWithBounds creates a queue with explicit bounds, for consensus
// parameters that override the defaults (circ_max_cell_queue_size, etc,
// per §6).
func NewWithBounds(maxLen, highWater, lowWater int) *Queue {
	return &Queue{
		items:     list.New(),
		maxLen:    maxLen,
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// Push appends a cell to the tail of the queue. It returns a
// CategoryResourceLimit error when the queue is already at its hard
// maximum; the caller (RelayProcessor) is expected to treat that as a
// fatal, close-with-reason RESOURCELIMIT condition for the owning
// circuit, per §4.4/§7.
func (q *Queue) Push(c *cell.Cell) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.maxLen {
		return errors.New(errors.CategoryResourceLimit, errors.SeverityHigh,
			"cell queue exceeded maximum length")
	}

	q.items.PushBack(entry{cell: c, queuedAt: time.Now()})
	if q.items.Len() >= q.highWater {
		q.congested = true
	}
	if q.gov != nil {
		q.gov.Add(memgov.CategoryCellQueues, int64(len(c.Payload)))
	}
	return nil
}

// Pop removes and returns the oldest cell in the queue, or nil if empty.
func (q *Queue) Pop() *cell.Cell {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.items.Front()
	if front == nil {
		return nil
	}
	q.items.Remove(front)
	if q.items.Len() <= q.lowWater {
		q.congested = false
	}
	c := front.Value.(entry).cell
	if q.gov != nil {
		q.gov.Release(memgov.CategoryCellQueues, int64(len(c.Payload)))
	}
	return c
}

// Len returns the number of cells currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Congested reports whether the queue is currently above its high
// watermark (and hasn't yet drained back below the low watermark).
func (q *Queue) Congested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.congested
}

// Clear empties the queue, used on circuit teardown.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gov != nil {
		var freed int64
		for e := q.items.Front(); e != nil; e = e.Next() {
			freed += int64(len(e.Value.(entry).cell.Payload))
		}
		if freed > 0 {
			q.gov.Release(memgov.CategoryCellQueues, freed)
		}
	}
	q.items.Init()
	q.congested = false
}

// QueuedBytes returns the total payload bytes currently queued, for the
// memory governor's OOM victim ranking (§4.13).
func (q *Queue) QueuedBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var total int64
	for e := q.items.Front(); e != nil; e = e.Next() {
		total += int64(len(e.Value.(entry).cell.Payload))
	}
	return total
}

// OldestAge reports how long the oldest queued cell has been waiting, or
// zero if the queue is empty. The memory governor ranks circuits by this
// value when selecting an OOM victim (§4.13).
func (q *Queue) OldestAge() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return 0
	}
	return time.Since(front.Value.(entry).queuedAt)
}
