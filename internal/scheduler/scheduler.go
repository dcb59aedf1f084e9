// Package scheduler implements SLA-weighted dispatch of upstream operations
// over a bounded worker pool. One shared priority queue totally orders
// pending operations by (priority key, submission order); a fixed pool of
// workers drains it, running each admitted operation through the quota
// governor, the circuit breaker and the response cache.
//
// The scheduler never retries: every operation is a single atomic attempt
// and retry policy belongs to the caller.
package scheduler

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nucleus-ads/adsgateway/internal/apierr"
	"github.com/nucleus-ads/adsgateway/internal/breaker"
	"github.com/nucleus-ads/adsgateway/internal/cache"
	"github.com/nucleus-ads/adsgateway/internal/models"
	"github.com/nucleus-ads/adsgateway/internal/quota"
)

// Executor performs the actual upstream call for one operation. The
// scheduler treats it as opaque; failures must be values from the apierr
// taxonomy so refund eligibility can be classified.
type Executor func(ctx context.Context) ([]byte, error)

// Submission describes one unit of requested work.
type Submission struct {
	TenantID  string
	Tier      models.Tier
	Urgency   int // 0-100, higher is more urgent
	CostUnits int64

	// ResourceClass selects the circuit breaker instance and doubles as
	// the log-dedup scope.
	ResourceClass string

	// CacheKey, when non-empty, stores the successful result under this
	// key with the ServiceClass TTL.
	CacheKey     string
	ServiceClass string

	// Deadline, when set, drops the operation with a Timeout denial if no
	// worker has dispatched it by then. Once dispatched the executor's
	// own timeout governs.
	Deadline time.Time

	Execute Executor
}

// Result is delivered exactly once per operation.
type Result struct {
	Value []byte
	Err   error
}

// Operation lifecycle states.
const (
	OpQueued     = "queued"
	OpDispatched = "dispatched"
	OpSucceeded  = "succeeded"
	OpFailed     = "failed"
	OpDenied     = "denied"
	OpCanceled   = "canceled"
)

const (
	stateQueued int32 = iota
	stateDispatched
	stateSucceeded
	stateFailed
	stateDenied
	stateCanceled
)

type operation struct {
	id          string
	sub         Submission
	priorityKey int
	seq         uint64
	enqueuedAt  time.Time

	state atomic.Int32
	done  chan Result
}

func (op *operation) deliver(state int32, res Result) {
	op.state.Store(state)
	op.done <- res
}

// Ticket is the caller's handle on a submitted operation.
type Ticket struct {
	op    *operation
	sched *Scheduler
}

// ID returns the operation's identifier.
func (t *Ticket) ID() string { return t.op.id }

// Wait blocks until the operation reaches a terminal state or ctx ends.
func (t *Ticket) Wait(ctx context.Context) Result {
	select {
	case res := <-t.op.done:
		return res
	case <-ctx.Done():
		return Result{Err: apierr.Timeout("wait canceled: " + ctx.Err().Error())}
	}
}

// Cancel drops the operation if it has not been dispatched yet. A
// dispatched operation runs to completion. Reports whether the cancel won.
func (t *Ticket) Cancel() bool {
	if !t.op.state.CompareAndSwap(stateQueued, stateCanceled) {
		return false
	}
	t.sched.canceled.Add(1)
	t.op.done <- Result{Err: apierr.Canceled()}
	return true
}

// State returns the operation's lifecycle state.
func (t *Ticket) State() string {
	switch t.op.state.Load() {
	case stateDispatched:
		return OpDispatched
	case stateSucceeded:
		return OpSucceeded
	case stateFailed:
		return OpFailed
	case stateDenied:
		return OpDenied
	case stateCanceled:
		return OpCanceled
	default:
		return OpQueued
	}
}

// Stats counts operations by outcome. Pending = submitted − terminal.
type Stats struct {
	Submitted  int64            `json:"submitted"`
	Succeeded  int64            `json:"succeeded"`
	Failed     int64            `json:"failed"`
	Denied     int64            `json:"denied"`
	Canceled   int64            `json:"canceled"`
	TimedOut   int64            `json:"timed_out"`
	ByTier     map[string]int64 `json:"by_tier"`
	QueueDepth int              `json:"queue_depth"`
	Workers    int              `json:"workers"`
}

// Options configure a Scheduler. Zero values get the reference defaults:
// 8 workers, 10000 queue slots.
type Options struct {
	Workers  int
	QueueMax int // 0 disables the bound

	Governor quota.Governor
	Breakers *breaker.Registry
	Cache    *cache.TwoTier
	Deduper  *breaker.Deduper
}

type Scheduler struct {
	opts Options

	mu      sync.Mutex
	cond    *sync.Cond
	pq      opQueue
	stopped bool
	seq     uint64

	group  *errgroup.Group
	cancel context.CancelFunc

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	denied    atomic.Int64
	canceled  atomic.Int64
	timedOut  atomic.Int64

	tierMu sync.Mutex
	byTier map[string]int64
}

func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Deduper == nil {
		opts.Deduper = breaker.NewDeduper(60 * time.Second)
	}
	s := &Scheduler{
		opts:   opts,
		byTier: make(map[string]int64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// priorityKey computes the dispatch key: lower is more urgent. The tier
// weight divides the urgency-derived base down, so gold beats silver beats
// bronze at equal urgency, and higher urgency wins within a tier.
func priorityKey(tier models.Tier, urgency int) int {
	if urgency < 0 {
		urgency = 0
	}
	if urgency > 99 {
		urgency = 99
	}
	return (100 - urgency) / tier.Weight()
}

// Submit admits an operation into priority order. It returns QueueFull
// without enqueueing when the queue bound is reached.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (*Ticket, error) {
	if sub.Execute == nil {
		return nil, apierr.Validation("submission has no executor")
	}
	if sub.CostUnits <= 0 {
		return nil, apierr.Validation("cost units must be positive")
	}
	if !sub.Tier.Valid() {
		sub.Tier = models.TierBronze
	}
	if sub.ResourceClass == "" {
		sub.ResourceClass = "default"
	}

	op := &operation{
		id:          uuid.NewString(),
		sub:         sub,
		priorityKey: priorityKey(sub.Tier, sub.Urgency),
		enqueuedAt:  time.Now(),
		done:        make(chan Result, 1),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, apierr.Internal("scheduler is stopped")
	}
	if s.opts.QueueMax > 0 && s.pq.Len() >= s.opts.QueueMax {
		s.mu.Unlock()
		s.denied.Add(1)
		return nil, apierr.QueueFull()
	}
	s.seq++
	op.seq = s.seq
	heap.Push(&s.pq, op)
	s.mu.Unlock()
	s.cond.Signal()

	s.submitted.Add(1)
	s.tierMu.Lock()
	s.byTier[string(sub.Tier)]++
	s.tierMu.Unlock()

	return &Ticket{op: op, sched: s}, nil
}

// Start launches the worker pool. Workers run until Stop is called and the
// queue has drained.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		s.group.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	log.Printf("scheduler started with %d workers", s.opts.Workers)
}

// Stop drains the queue and waits for in-flight operations, or returns
// early when ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		s.cancel()
		log.Printf("scheduler stopped")
		return err
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) next() (*operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pq.Len() == 0 {
		if s.stopped {
			return nil, false
		}
		s.cond.Wait()
	}
	return heap.Pop(&s.pq).(*operation), true
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		op, ok := s.next()
		if !ok {
			return
		}
		s.dispatch(ctx, op)
	}
}

// dispatch runs the per-operation protocol: reserve quota, execute under
// the circuit breaker, store the result or refund on non-billable failure.
func (s *Scheduler) dispatch(ctx context.Context, op *operation) {
	sub := op.sub

	// Caller deadline: an operation not dispatched in time is dropped
	// before any quota is reserved.
	if !sub.Deadline.IsZero() && time.Now().After(sub.Deadline) {
		if op.state.CompareAndSwap(stateQueued, stateFailed) {
			s.timedOut.Add(1)
			s.failed.Add(1)
			op.done <- Result{Err: apierr.Timeout("operation not dispatched before deadline")}
		}
		return
	}

	if !op.state.CompareAndSwap(stateQueued, stateDispatched) {
		// Canceled between dequeue and dispatch; result already delivered.
		return
	}

	if err := s.opts.Governor.Reserve(ctx, sub.TenantID, sub.Tier, sub.CostUnits); err != nil {
		s.denied.Add(1)
		op.deliver(stateDenied, Result{Err: err})
		return
	}

	var value []byte
	br := s.opts.Breakers.Get(sub.ResourceClass)
	err := br.Do(ctx, func(ctx context.Context) error {
		var execErr error
		value, execErr = sub.Execute(ctx)
		return execErr
	})

	if err != nil {
		if apierr.Refundable(err) {
			if rerr := s.opts.Governor.Refund(ctx, sub.TenantID, sub.CostUnits); rerr != nil {
				log.Printf("quota refund failed for tenant %s: %v", sub.TenantID, rerr)
			}
		}
		s.failed.Add(1)
		s.opts.Deduper.Log(
			breaker.Signature(sub.ResourceClass, err),
			"operation %s failed for tenant %s (%s): %v", op.id, sub.TenantID, sub.ResourceClass, err,
		)
		op.deliver(stateFailed, Result{Err: err})
		return
	}

	if sub.CacheKey != "" && s.opts.Cache != nil {
		if cerr := s.opts.Cache.Store(ctx, sub.CacheKey, value, sub.ServiceClass); cerr != nil {
			log.Printf("cache store failed for key %s: %v", sub.CacheKey, cerr)
		}
	}
	s.succeeded.Add(1)
	op.deliver(stateSucceeded, Result{Value: value})
}

// QueueDepth returns the number of queued, undispatched operations.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

func (s *Scheduler) Stats() Stats {
	s.tierMu.Lock()
	byTier := make(map[string]int64, len(s.byTier))
	for tier, n := range s.byTier {
		byTier[tier] = n
	}
	s.tierMu.Unlock()

	return Stats{
		Submitted:  s.submitted.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Denied:     s.denied.Load(),
		Canceled:   s.canceled.Load(),
		TimedOut:   s.timedOut.Load(),
		ByTier:     byTier,
		QueueDepth: s.QueueDepth(),
		Workers:    s.opts.Workers,
	}
}
