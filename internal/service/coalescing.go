package service

import (
	"context"
	"sync"
	"time"
)

// inFlightRequest is one upstream fetch that several callers may wait on.
// done is closed once result and err are set.
type inFlightRequest[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// requestCoalescer collapses concurrent fetches for the same key into one.
type requestCoalescer[T any] struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest[T]
	timeout  time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{
		inFlight: make(map[string]*inFlightRequest[T]),
		timeout:  timeout,
	}
}

// GetOrDo returns the result of fn for key, starting it only when no fetch
// for key is already in flight. shared reports whether the caller joined an
// existing fetch. fn runs detached from the caller's cancellation but keeps
// its values, bounded by the coalescer timeout, so one impatient caller cannot
// fail the others. Each caller still stops waiting when its own ctx is done.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (result T, shared bool, err error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest[T]{done: make(chan struct{})}
		rc.inFlight[key] = req
		go rc.run(ctx, key, req, fn)
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists, req.err
	case <-waitCtx.Done():
		var zero T
		return zero, exists, waitCtx.Err()
	}
}

func (rc *requestCoalescer[T]) run(ctx context.Context, key string, req *inFlightRequest[T], fn func(ctx context.Context) (T, error)) {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
	defer cancel()

	req.result, req.err = fn(fetchCtx)

	rc.mu.Lock()
	delete(rc.inFlight, key)
	rc.mu.Unlock()
	close(req.done)
}

// inFlightCount reports how many keys have a fetch running.
func (rc *requestCoalescer[T]) inFlightCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.inFlight)
}
