package cellqueue

import (
	"testing"

	"github.com/opd-ai/tor-relay-core/pkg/cell"
	"github.com/opd-ai/tor-relay-core/pkg/errors"
)

func TestPushPopFIFOOrder(t *testing.T) {
	q := New()
	c1 := &cell.Cell{Command: cell.CmdRelay}
	c2 := &cell.Cell{Command: cell.CmdRelay}
	if err := q.Push(c1); err != nil {
		t.Fatalf("Push c1: %v", err)
	}
	if err := q.Push(c2); err != nil {
		t.Fatalf("Push c2: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected len 2, got %d", q.Len())
	}
	if got := q.Pop(); got != c1 {
		t.Fatal("expected FIFO order to return c1 first")
	}
	if got := q.Pop(); got != c2 {
		t.Fatal("expected FIFO order to return c2 second")
	}
	if got := q.Pop(); got != nil {
		t.Fatal("expected nil from empty queue")
	}
}

func TestPushRejectsAtMaxLen(t *testing.T) {
	q := NewWithBounds(2, 2, 1)
	if err := q.Push(&cell.Cell{}); err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	if err := q.Push(&cell.Cell{}); err != nil {
		t.Fatalf("Push 2: %v", err)
	}
	err := q.Push(&cell.Cell{})
	if err == nil {
		t.Fatal("expected error pushing past maxLen")
	}
	if errors.GetCategory(err) != errors.CategoryResourceLimit {
		t.Fatalf("expected CategoryResourceLimit, got %v", errors.GetCategory(err))
	}
}

func TestCongestionHysteresis(t *testing.T) {
	q := NewWithBounds(10, 3, 1)
	for i := 0; i < 3; i++ {
		if err := q.Push(&cell.Cell{}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if !q.Congested() {
		t.Fatal("expected congested once at high watermark")
	}
	q.Pop()
	if !q.Congested() {
		t.Fatal("expected still congested until low watermark reached")
	}
	q.Pop()
	if q.Congested() {
		t.Fatal("expected congestion to clear at low watermark")
	}
}

func TestOldestAgeReflectsQueueOrder(t *testing.T) {
	q := New()
	if q.OldestAge() != 0 {
		t.Fatal("expected zero age on empty queue")
	}
	if err := q.Push(&cell.Cell{}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if age := q.OldestAge(); age < 0 {
		// Age should be non-negative; a zero value is plausible if the
		// clock has no measurable resolution between Push and the check.
		t.Fatalf("expected non-negative age, got %v", age)
	}
}

func TestClearEmptiesQueue(t *testing.T) {
	q := New()
	if err := q.Push(&cell.Cell{}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	q.Clear()
	if q.Len() != 0 {
		t.Fatal("expected queue empty after Clear")
	}
	if q.Congested() {
		t.Fatal("expected congestion cleared after Clear")
	}
}
