package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/scheduler"
	"github.com/forrest-runner/forrest/types"
)

// Manager is the intake stage between the CI signal sources (webhook and
// poll) and the admission controller. It normalizes events into scheduling
// requests, deduplicates them by provider job id and filters out jobs whose
// triplet is not configured.
type Manager struct {
	cfg   *config.Store
	sched *scheduler.Scheduler

	mu sync.Mutex
	// live maps provider job ids to run ids for every request that is
	// queued or has a live run. Entries leave via Forget or a completed
	// event for the job.
	live map[int64]string
}

func New(cfg *config.Store, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		cfg:   cfg,
		sched: sched,
		live:  make(map[int64]string),
	}
}

// Handle consumes one normalized job event. Webhook and poll deliveries of
// the same job collapse here.
func (m *Manager) Handle(ctx context.Context, ev types.JobEvent) {
	logger := log.WithFunc("jobs.Handle")

	switch ev.Action {
	case types.JobQueued:
	case types.JobCompleted:
		// Nothing to schedule; the VM notices job completion through the
		// runner agent exiting. Just drop the dedupe entry so the map does
		// not grow without bound.
		m.mu.Lock()
		delete(m.live, ev.ID)
		m.mu.Unlock()
		return
	default:
		return
	}

	triplet, ok := ev.Repo.TripletFromLabels(ev.Labels)
	if !ok {
		logger.Debugf(ctx, "ignoring job %d on %s: labels %v are not ours", ev.ID, ev.Repo, ev.Labels)
		return
	}

	snapshot := m.cfg.Snapshot()
	class, ok := snapshot.Machine(triplet)
	if !ok {
		logger.Infof(ctx, "dropping job %d: machine %s is not configured", ev.ID, triplet)
		return
	}

	m.mu.Lock()
	if runID, seen := m.live[ev.ID]; seen {
		m.mu.Unlock()
		logger.Debugf(ctx, "job %d already tracked as run %s", ev.ID, runID)
		return
	}
	runID := uuid.NewString()
	m.live[ev.ID] = runID
	m.mu.Unlock()

	req := &scheduler.Request{
		ID:            runID,
		JobID:         ev.ID,
		WorkflowRunID: ev.RunID,
		Triplet:       triplet,
		// The class snapshot is pinned here: a config reload between
		// admission and teardown never changes what this run observes.
		Class:      class.Clone(),
		Snapshot:   snapshot,
		TrustedRef: ev.TrustedRef,
		EnqueuedAt: time.Now(),
	}

	logger.Infof(ctx, "enqueueing run %s for job %d on %s", runID, ev.ID, triplet)
	m.sched.Submit(req)
}

// Forget releases a job id for re-tracking once its run has terminated.
func (m *Manager) Forget(jobID int64) {
	m.mu.Lock()
	delete(m.live, jobID)
	m.mu.Unlock()
}

// Tracked reports whether a provider job id has a queued or live run.
func (m *Manager) Tracked(jobID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[jobID]
	return ok
}
