package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmitReturnsResult(t *testing.T) {
	p := New(2, 4)
	defer p.Close()

	done := p.Submit(func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	select {
	case r := <-done:
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		if r.Value.(int) != 42 {
			t.Fatalf("value = %v, want 42", r.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(1, 4)
	defer p.Close()

	wantErr := errors.New("boom")
	done := p.Submit(func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})

	r := <-done
	if r.Err != wantErr {
		t.Fatalf("err = %v, want %v", r.Err, wantErr)
	}
}

func TestConcurrentJobsAllComplete(t *testing.T) {
	p := New(4, 16)
	defer p.Close()

	const n = 20
	dones := make([]<-chan Result, n)
	for i := 0; i < n; i++ {
		i := i
		dones[i] = p.Submit(func(ctx context.Context) (interface{}, error) {
			return i, nil
		})
	}
	for i := 0; i < n; i++ {
		r := <-dones[i]
		if r.Value.(int) != i {
			t.Fatalf("job %d returned %v", i, r.Value)
		}
	}
}
