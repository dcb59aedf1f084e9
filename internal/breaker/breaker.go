// Package breaker implements the per-upstream-resource circuit breaker and
// the error-log deduper that keeps diagnostic volume bounded during error
// storms.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Options carry the breaker thresholds. The zero value gets the tested
// policy defaults: 10 calls minimum over a 60s window, trip below 50%
// success, 60s cool-down before the half-open probe.
type Options struct {
	MinCalls    int
	FailureRate float64
	Window      time.Duration
	Cooldown    time.Duration
}

func (o *Options) defaults() {
	if o.MinCalls <= 0 {
		o.MinCalls = 10
	}
	if o.FailureRate <= 0 {
		o.FailureRate = 0.5
	}
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 60 * time.Second
	}
}

type call struct {
	at      time.Time
	success bool
}

// Breaker tracks upstream health for one resource class.
type Breaker struct {
	opts Options

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
	calls    []call

	// now is replaceable for tests.
	now func() time.Time
}

func New(opts Options) *Breaker {
	opts.defaults()
	return &Breaker{
		opts:  opts,
		state: StateClosed,
		now:   time.Now,
	}
}

// Do runs fn under the breaker. While open it fails fast with CircuitOpen
// and never invokes fn; after the cool-down a single probe call is let
// through, closing the breaker on success and re-opening it on failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.opts.Cooldown {
			return apierr.CircuitOpen(b.retryAfterLocked(now))
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	default: // half_open
		if b.probing {
			return apierr.CircuitOpen(b.retryAfterLocked(now))
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.state = StateClosed
			b.calls = nil
			return
		}
		// Probe failed: re-open and restart the window.
		b.state = StateOpen
		b.openedAt = now
		b.calls = nil
		return
	}

	b.calls = append(b.calls, call{at: now, success: success})
	b.pruneLocked(now)

	attempts := len(b.calls)
	if attempts < b.opts.MinCalls {
		return
	}
	failures := 0
	for _, c := range b.calls {
		if !c.success {
			failures++
		}
	}
	// Trip when the success rate drops below (1 - FailureRate); with the
	// default 0.5 that is "success rate strictly below 50%".
	if float64(failures) > b.opts.FailureRate*float64(attempts) {
		b.state = StateOpen
		b.openedAt = now
		b.calls = nil
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for i < len(b.calls) && b.calls[i].at.Before(cutoff) {
		i++
	}
	b.calls = b.calls[i:]
}

func (b *Breaker) retryAfterLocked(now time.Time) time.Duration {
	remaining := b.opts.Cooldown - now.Sub(b.openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry holds one breaker per upstream resource class.
type Registry struct {
	opts Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(opts Options) *Registry {
	opts.defaults()
	return &Registry{
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a resource class, creating it on first use.
func (r *Registry) Get(class string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[class]
	if !ok {
		b = New(r.opts)
		r.breakers[class] = b
	}
	return b
}

// States snapshots the state of every known breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for class, b := range r.breakers {
		states[class] = b.State()
	}
	return states
}
