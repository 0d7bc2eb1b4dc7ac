package scheduler

import (
	"context"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/types"
)

// Request is one admission request: a queued CI job that wants a VM.
// The class snapshot is pinned at intake time and never re-read.
type Request struct {
	ID            string // run id
	JobID         int64  // provider job id, dedupe key
	WorkflowRunID int64
	Triplet       types.Triplet

	Class    *config.Machine
	Snapshot *config.File

	// TrustedRef gates whether the guest may learn the persistence token.
	TrustedRef bool

	EnqueuedAt time.Time
}

// BusyFunc reports whether any live run of the triplet is in a state that
// blocks dependents (dispatched and not yet cleaning).
type BusyFunc func(types.Triplet) bool

// DispatchFunc receives an admitted request. It must account the run as
// live before returning so the interlock sees it.
type DispatchFunc func(*Request)

// Scheduler is the admission controller: a strict FIFO queue per host plus
// the free-RAM counter. RAM shortage blocks the head of the line by design
// (large jobs must not starve); a base-machine interlock does not — blocked
// requests are passed over so the parent itself can still be scheduled.
type Scheduler struct {
	budget func() int64

	mu       sync.Mutex
	reserved int64
	queue    []*Request

	busy     BusyFunc
	dispatch DispatchFunc

	wake chan struct{}
}

// New creates a Scheduler. budget returns the current host RAM budget in
// bytes; it is read on every admission pass so a config reload takes effect
// for runs admitted afterwards.
func New(budget func() int64) *Scheduler {
	return &Scheduler{
		budget: budget,
		wake:   make(chan struct{}, 1),
	}
}

// Wire installs the interlock probe and the dispatch sink. Must be called
// before Run.
func (s *Scheduler) Wire(busy BusyFunc, dispatch DispatchFunc) {
	s.busy = busy
	s.dispatch = dispatch
}

// Submit appends a request to the FIFO queue and triggers an admission pass.
func (s *Scheduler) Submit(req *Request) {
	s.mu.Lock()
	s.queue = append(s.queue, req)
	s.mu.Unlock()
	s.Kick()
}

// Release returns a terminated run's reservation to the free pool and
// triggers an admission pass.
func (s *Scheduler) Release(ram int64) {
	s.mu.Lock()
	s.reserved -= ram
	if s.reserved < 0 {
		s.reserved = 0
	}
	s.mu.Unlock()
	s.Kick()
}

// Kick schedules an admission pass. Safe from any goroutine.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run performs admission passes until ctx is cancelled. Queued requests are
// dropped on shutdown; live runs are the machine manager's problem.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			dropped := len(s.queue)
			s.queue = nil
			s.mu.Unlock()
			if dropped > 0 {
				log.WithFunc("scheduler.Run").Infof(ctx, "dropped %d queued requests on shutdown", dropped)
			}
			return ctx.Err()
		case <-s.wake:
			s.admit(ctx)
		}
	}
}

// admit walks the queue in FIFO order. A request blocked only by its
// base-machine interlock is passed over; the first request blocked on RAM
// stops the walk.
//
// The interlock covers three shapes of parent activity: a live parent run
// (via the busy probe), a parent request elsewhere in the queue, and a
// parent admitted earlier in this very pass. The latter two matter when a
// parent and its dependent arrive together — the dependent must wait for
// the fresh image instead of forking a stale one.
func (s *Scheduler) admit(ctx context.Context) {
	logger := log.WithFunc("scheduler.admit")

	s.mu.Lock()
	free := s.budget() - s.reserved

	pending := make(map[types.Triplet]int, len(s.queue))
	for _, req := range s.queue {
		pending[req.Triplet]++
	}
	committed := make(map[types.Triplet]int)

	var admitted []*Request
	var remaining []*Request
	blocked := false

	for i, req := range s.queue {
		if blocked {
			remaining = append(remaining, s.queue[i:]...)
			break
		}
		pending[req.Triplet]--

		if base, ok := req.Class.BaseTriplet(); ok &&
			(s.busy(base) || pending[base] > 0 || committed[base] > 0) {
			logger.Debugf(ctx, "pass over %s: base machine %s is busy or pending", req.Triplet, base)
			remaining = append(remaining, req)
			pending[req.Triplet]++
			continue
		}

		need := req.Class.RAM.Bytes()
		if need > free {
			logger.Debugf(ctx, "hold the line at %s: needs %s, %s free",
				req.Triplet, units.BytesSize(float64(need)), units.BytesSize(float64(free)))
			remaining = append(remaining, req)
			pending[req.Triplet]++
			blocked = true
			continue
		}

		s.reserved += need
		free -= need
		committed[req.Triplet]++
		admitted = append(admitted, req)
	}
	s.queue = remaining
	s.mu.Unlock()

	for _, req := range admitted {
		logger.Infof(ctx, "admitted %s (job %d, %s RAM)",
			req.Triplet, req.JobID, units.BytesSize(float64(req.Class.RAM.Bytes())))
		s.dispatch(req)
	}
}

// QueuedJobIDs lists the provider job ids still waiting for admission.
// The operator status endpoint reports them.
func (s *Scheduler) QueuedJobIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, 0, len(s.queue))
	for _, req := range s.queue {
		out = append(out, req.JobID)
	}
	return out
}

// Reserved returns the RAM currently reserved by live runs.
func (s *Scheduler) Reserved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}
