package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Completion is the handle of one asynchronous device operation. It resolves
// exactly once; later Resolve calls are ignored.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	err       error
	resolved  bool
	callbacks []func(error)
}

// NewCompletion creates an unresolved completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completed creates a completion already resolved with err.
func Completed(err error) *Completion {
	c := NewCompletion()
	c.Resolve(err)
	return c
}

// Resolve marks the operation finished. A nil err means success.
func (c *Completion) Resolve(err error) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolved = true
	c.err = err
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Done returns a channel closed once the operation has resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the operation error. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnDone registers fn to run with the result. If the completion has already
// resolved, fn runs immediately on the calling goroutine.
func (c *Completion) OnDone(fn func(error)) {
	c.mu.Lock()
	if c.resolved {
		err := c.err
		c.mu.Unlock()
		fn(err)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// Wait blocks until the completion resolves, the timeout expires or ctx is done.
// A zero or negative timeout waits without a bound.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.done:
		return c.Err()
	case <-expired:
		return NewTimeoutError("wait", 1)
	case <-ctx.Done():
		return NewTransientError("wait cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}
}

// AwaitResult summarises a bounded wait over several completions.
type AwaitResult struct {
	// Total is the number of handles waited on.
	Total int

	// Failed is the number of handles that resolved with an error.
	Failed int

	// Pending is the number of handles still unresolved when the wait ended.
	Pending int

	// Errors holds the errors of failed handles.
	Errors []error
}

// Err folds the result into a single error, nil when every handle succeeded.
func (r AwaitResult) Err() error {
	if r.Pending > 0 {
		return errors.Join(append([]error{NewTimeoutError("await", r.Pending)}, r.Errors...)...)
	}
	return errors.Join(r.Errors...)
}

// AwaitAll waits for all handles with a single overall timeout. Handles that are
// still unresolved when the timeout or ctx ends the wait are counted as pending.
func AwaitAll(ctx context.Context, handles []*Completion, timeout time.Duration) AwaitResult {
	res := AwaitResult{Total: len(handles)}
	if len(handles) == 0 {
		return res
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	stopped := false
	for _, h := range handles {
		if !stopped {
			select {
			case <-h.Done():
			case <-expired:
				stopped = true
			case <-ctx.Done():
				stopped = true
			}
		}

		select {
		case <-h.Done():
			if err := h.Err(); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, err)
			}
		default:
			res.Pending++
		}
	}

	return res
}

// BoundedWait returns min(unit*count, cap), the overall budget for waiting on count handles.
func BoundedWait(unit, limit time.Duration, count int) time.Duration {
	if count <= 0 {
		return 0
	}
	wait := unit * time.Duration(count)
	if limit > 0 && (wait > limit || wait <= 0) {
		return limit
	}
	return wait
}
