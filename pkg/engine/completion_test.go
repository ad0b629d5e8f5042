package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompletion_ResolvesOnce(t *testing.T) {
	c := NewCompletion()

	var calls []error
	c.OnDone(func(err error) { calls = append(calls, err) })

	first := errors.New("first")
	c.Resolve(first)
	c.Resolve(errors.New("second"))

	if !errors.Is(c.Err(), first) {
		t.Fatalf("Expected first error to stick, got: %v", c.Err())
	}
	if len(calls) != 1 {
		t.Fatalf("Expected callback to run once, got: %d", len(calls))
	}

	ran := false
	c.OnDone(func(error) { ran = true })
	if !ran {
		t.Fatal("Expected late callback to run immediately")
	}
}

func TestCompletion_Wait(t *testing.T) {
	if err := Completed(nil).Wait(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Expected resolved completion to return nil, got: %v", err)
	}

	err := NewCompletion().Wait(context.Background(), 10*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("Expected timeout error, got: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewCompletion().Wait(ctx, time.Second)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected cancellation, got: %v", err)
	}
}

func TestAwaitAll(t *testing.T) {
	failed := errors.New("rejected")
	handles := []*Completion{Completed(nil), Completed(failed), NewCompletion()}

	res := AwaitAll(context.Background(), handles, 20*time.Millisecond)

	if res.Total != 3 || res.Failed != 1 || res.Pending != 1 {
		t.Fatalf("Unexpected result: %+v", res)
	}
	if !IsTimeout(res.Err()) || !errors.Is(res.Err(), failed) {
		t.Fatalf("Expected joined timeout and failure, got: %v", res.Err())
	}

	if err := AwaitAll(context.Background(), nil, 0).Err(); err != nil {
		t.Fatalf("Expected empty wait to succeed, got: %v", err)
	}
}

func TestAwaitAll_ResolvedLate(t *testing.T) {
	c := NewCompletion()
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Resolve(nil)
	}()

	res := AwaitAll(context.Background(), []*Completion{c}, time.Second)
	if res.Err() != nil {
		t.Fatalf("Expected late completion to be awaited, got: %v", res.Err())
	}
}

func TestBoundedWait(t *testing.T) {
	tests := []struct {
		name  string
		count int
		want  time.Duration
	}{
		{name: "none", count: 0, want: 0},
		{name: "below cap", count: 2, want: 6 * time.Second},
		{name: "at cap", count: 7, want: 20 * time.Second},
		{name: "above cap", count: 100, want: 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BoundedWait(DefaultGroupWaitUnit, DefaultGroupWaitCap, tt.count)
			if got != tt.want {
				t.Fatalf("Expected %v, got: %v", tt.want, got)
			}
		})
	}
}
