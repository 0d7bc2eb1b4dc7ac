package machines

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/images"
	"github.com/forrest-runner/forrest/scheduler"
	"github.com/forrest-runner/forrest/types"
)

// Forgetter releases a provider job id for re-tracking once its run has
// terminated. Implemented by the jobs manager.
type Forgetter interface {
	Forget(jobID int64)
}

// Manager supervises every live VM run: it is the scheduler's dispatch sink,
// the interlock probe, and the registry the control API resolves run tokens
// against.
type Manager struct {
	baseDir string
	images  *images.Manager
	sched   *scheduler.Scheduler
	gh      *github.Client
	jobs    Forgetter

	mu   sync.Mutex
	runs map[string]*run // by run id

	wg sync.WaitGroup

	// rootCtx is the context runs are driven under; cancelled on shutdown
	// to trigger the graceful stop ladder in every live run.
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewManager(baseDir string, img *images.Manager, sched *scheduler.Scheduler, gh *github.Client, jobs Forgetter) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		baseDir:    baseDir,
		images:     img,
		sched:      sched,
		gh:         gh,
		jobs:       jobs,
		runs:       make(map[string]*run),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Dispatch receives an admitted request from the scheduler. The run is
// registered before this returns, so the very next admission pass already
// sees it through Busy.
func (m *Manager) Dispatch(req *scheduler.Request) {
	ctx := m.rootCtx
	logger := log.WithFunc("machines.Dispatch")

	r, err := newRun(req)
	if err != nil {
		logger.Errorf(ctx, err, "run setup for %s failed", req.Triplet)
		m.sched.Release(req.Class.RAM.Bytes())
		m.jobs.Forget(req.JobID)
		return
	}

	m.mu.Lock()
	m.runs[r.id] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(ctx, r)
	}()
}

// drive walks one run through its state machine. Every path ends in
// cleaning; the RAM reservation is released there regardless of outcome.
func (m *Manager) drive(ctx context.Context, r *run) {
	logger := log.WithFunc("machines.drive")

	r.setState(ctx, types.RunStateProvisioning)
	err := m.provision(ctx, r)
	if err == nil {
		r.setState(ctx, types.RunStateRunning)
		err = r.runQEMU(ctx)
	}

	if err != nil {
		r.mu.Lock()
		r.failed = true
		r.mu.Unlock()
		logger.Warnf(ctx, "run %s (%s) failed: %v", r.id, r.triplet, err)
	} else {
		m.maybePersist(ctx, r)
	}

	// Cleaning must proceed even when ctx is already cancelled.
	cleanCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	m.clean(cleanCtx, r)

	m.sched.Release(r.class.RAM.Bytes())
	m.jobs.Forget(r.jobID)

	r.setState(cleanCtx, types.RunStateDone)
	m.mu.Lock()
	delete(m.runs, r.id)
	m.mu.Unlock()
}

// Busy reports whether any live run of the triplet blocks dependents.
// A run counts from the moment it is dispatched until it reaches cleaning:
// a provisioning parent is about to produce a fresh image, so dependents
// wait for it rather than forking a stale base.
func (m *Manager) Busy(t types.Triplet) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if r.triplet != t {
			continue
		}
		// A dispatched run stays "queued" until its supervisor goroutine
		// moves it to provisioning; it already blocks dependents.
		if st := r.state(); st == types.RunStateQueued || st.Holding() {
			return true
		}
	}
	return false
}

// Shutdown stops every live run via the graceful ladder and waits for the
// supervisors to finish, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.rootCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.WithFunc("machines.Shutdown").Warnf(ctx, "gave up waiting for %d runs", len(m.Runs()))
	}
}

// RunStatus is the operator-facing view of one live run.
type RunStatus struct {
	ID         string         `json:"id"`
	Triplet    string         `json:"triplet"`
	State      types.RunState `json:"state"`
	RunnerName string         `json:"runner_name"`
	RAM        int64          `json:"ram"`
	Dir        string         `json:"dir,omitempty"`
}

// Runs lists all live runs.
func (m *Manager) Runs() []RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RunStatus, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, RunStatus{
			ID:         r.id,
			Triplet:    r.triplet.String(),
			State:      r.state(),
			RunnerName: r.runnerName,
			RAM:        r.class.RAM.Bytes(),
			Dir:        r.dir,
		})
	}
	return out
}

// RunByToken resolves a per-run bearer token to a control handle for the
// in-guest API. Constant time in the token comparison.
func (m *Manager) RunByToken(token string) (Control, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.runs {
		if subtle.ConstantTimeCompare([]byte(r.runToken), []byte(token)) == 1 {
			return &control{run: r}, true
		}
	}
	return nil, false
}

// Control is what the in-guest API may do with a run.
type Control interface {
	// Trusted reports whether the originating event was a branch push.
	Trusted() bool
	// PersistenceToken returns the repo's configured token, or "".
	PersistenceToken() string
	// RequestPersist sets the run's persistence bit. Idempotent.
	RequestPersist()
	// Artifact resolves a named artifact store, checking its extra token.
	Artifact(name, extraToken string) (Artifact, bool)
}

// Artifact is one artifact store scoped to one run.
type Artifact interface {
	// ConsumeQuota deducts bytes from the remaining per-run quota.
	// Returns false when the quota would be exceeded.
	ConsumeQuota(bytes int64) bool
	// Dir is the store's filesystem directory.
	Dir() string
	// URL is the public URL prefix for uploaded files.
	URL() string
}

type control struct {
	run *run
}

func (c *control) Trusted() bool {
	c.run.mu.Lock()
	defer c.run.mu.Unlock()
	return c.run.trusted
}

func (c *control) PersistenceToken() string {
	repo, _ := c.run.snapshot.Repository(c.run.triplet.OwnerRepo())
	if repo == nil {
		return ""
	}
	return repo.PersistenceToken
}

func (c *control) RequestPersist() {
	c.run.requestPersist()
}

// ArtifactHandle implements Artifact backed by the run's quota table.
type ArtifactHandle struct {
	run        *run
	config     config.Artifact
	quotaIndex int
}

func (c *control) Artifact(name, extraToken string) (Artifact, bool) {
	for i, a := range c.run.class.Artifacts {
		if a.Name != name {
			continue
		}
		if a.Token != "" && subtle.ConstantTimeCompare([]byte(a.Token), []byte(extraToken)) != 1 {
			continue
		}
		return &ArtifactHandle{run: c.run, config: a, quotaIndex: i}, true
	}
	return nil, false
}

func (h *ArtifactHandle) ConsumeQuota(bytes int64) bool {
	h.run.mu.Lock()
	defer h.run.mu.Unlock()

	remaining := &h.run.artifactQuota[h.quotaIndex]
	if *remaining < bytes {
		return false
	}
	*remaining -= bytes
	return true
}

// Dir returns the store directory with run-scoped path patterns substituted.
func (h *ArtifactHandle) Dir() string {
	return h.substitute(h.config.Path)
}

func (h *ArtifactHandle) URL() string {
	url := h.substitute(h.config.URL)
	if url != "" && !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url
}

func (h *ArtifactHandle) substitute(s string) string {
	return strings.ReplaceAll(s, "<RUNNER_NAME>", h.run.runnerName)
}
