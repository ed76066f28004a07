package loader

import (
	"context"
	"errors"
	"sync"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// State is the lifecycle state of one asset resolution request.
type State string

const (
	// StateIdle means the request exists but no intent signal has arrived.
	StateIdle State = "idle"
	// StateResolving means the fallback chain is running.
	StateResolving State = "resolving"
	// StateResolved is the terminal success state.
	StateResolved State = "resolved"
	// StateUnavailable is the terminal failure state. Retry re-enters the
	// chain from the cache stage.
	StateUnavailable State = "unavailable"
)

// Request tracks the resolution of one rendition through the fallback
// chain. It stays Idle until Start is called, decoupling creation from any
// visibility or scheduling mechanism the consumer uses. Safe for
// concurrent use.
type Request struct {
	loader      *Loader
	canonicalID string
	size        assetpipeline.SizeClass

	mu     sync.Mutex
	state  State
	result *Resolution
	err    error
	done   chan struct{}
}

// NewRequest creates an idle request for one rendition.
func (l *Loader) NewRequest(canonicalID string, size assetpipeline.SizeClass) *Request {
	return &Request{
		loader:      l,
		canonicalID: canonicalID,
		size:        size,
		state:       StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the resolution when the request is in StateResolved.
func (r *Request) Result() (*Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateResolved {
		return nil, false
	}
	return r.result, true
}

// Start is the intent signal: it moves an idle request into resolving and
// runs the fallback chain. Calling Start on a finished request returns the
// stored outcome; concurrent callers share one resolution.
//
// Cancellation aborts the caller without transitioning past resolving: the
// request returns to idle so a later intent can resolve it.
func (r *Request) Start(ctx context.Context) (*Resolution, error) {
	for {
		r.mu.Lock()
		switch r.state {
		case StateResolved:
			result := r.result
			r.mu.Unlock()
			return result, nil

		case StateUnavailable:
			err := r.err
			r.mu.Unlock()
			return nil, err

		case StateResolving:
			done := r.done
			r.mu.Unlock()
			select {
			case <-done:
				// Re-read the outcome.
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case StateIdle:
			r.state = StateResolving
			r.done = make(chan struct{})
			done := r.done
			r.mu.Unlock()
			return r.resolve(ctx, done)
		}
	}
}

// Retry re-enters the chain from the cache stage after a terminal failure.
// It is a no-op signal on a resolved request.
func (r *Request) Retry(ctx context.Context) (*Resolution, error) {
	r.mu.Lock()
	if r.state == StateUnavailable {
		r.state = StateIdle
		r.err = nil
	}
	r.mu.Unlock()

	return r.Start(ctx)
}

func (r *Request) resolve(ctx context.Context, done chan struct{}) (*Resolution, error) {
	result, err := r.loader.Resolve(ctx, r.canonicalID, r.size)

	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		close(done)
	}()

	switch {
	case err == nil:
		r.state = StateResolved
		r.result = result
		return result, nil

	case errors.Is(err, assetpipeline.ErrAssetUnavailable):
		r.state = StateUnavailable
		r.err = err
		return nil, err

	case ctx.Err() != nil:
		// Aborted by the consumer; no terminal transition.
		r.state = StateIdle
		return nil, err

	default:
		r.state = StateUnavailable
		r.err = err
		return nil, err
	}
}
