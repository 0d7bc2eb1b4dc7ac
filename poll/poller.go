package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/jobs"
	"github.com/forrest-runner/forrest/machines"
	"github.com/forrest-runner/forrest/types"
)

const poolSize = 8

// Poller is the belt-and-braces path next to webhooks: at every interval it
// lists queued jobs for all configured repositories and feeds them into the
// same intake as webhook deliveries, where deduplication makes the overlap
// harmless. It also sweeps runner registrations left behind by a previous
// daemon instance.
type Poller struct {
	cfg      *config.Store
	gh       *github.Client
	jobs     *jobs.Manager
	machines *machines.Manager
	pool     *ants.Pool
}

func New(cfg *config.Store, gh *github.Client, j *jobs.Manager, m *machines.Manager) (*Poller, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Poller{cfg: cfg, gh: gh, jobs: j, machines: m, pool: pool}, nil
}

// Run polls immediately, then at the configured interval until ctx is
// cancelled. The interval is re-read from the active snapshot every round
// so config reloads take effect.
func (p *Poller) Run(ctx context.Context) error {
	defer p.pool.Release()

	for {
		p.pollOnce(ctx)
		p.sweepOnce(ctx)

		interval := p.cfg.Snapshot().GitHub.PollingInterval.Std()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// repositories lists each configured (owner, repo) once.
func (p *Poller) repositories() []types.OwnerRepo {
	snapshot := p.cfg.Snapshot()
	var out []types.OwnerRepo
	for owner, repos := range snapshot.Repositories {
		for repo := range repos {
			out = append(out, types.NewOwnerRepo(owner, repo))
		}
	}
	return out
}

func (p *Poller) pollOnce(ctx context.Context) {
	logger := log.WithFunc("poll.pollOnce")

	var wg sync.WaitGroup
	for _, or := range p.repositories() {
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()

			events, err := p.gh.ListQueuedJobs(ctx, or)
			if err != nil {
				logger.Warnf(ctx, "poll %s: %v", or, err)
				return
			}
			for _, ev := range events {
				p.jobs.Handle(ctx, ev)
			}
		})
		if err != nil {
			wg.Done()
			logger.Warnf(ctx, "submit poll task for %s: %v", or, err)
		}
	}
	wg.Wait()
}

// sweepOnce deregisters runners that look like ours, are offline and idle,
// and belong to no live run — leftovers of an unclean daemon shutdown that
// would otherwise clutter the provider's runner list forever.
func (p *Poller) sweepOnce(ctx context.Context) {
	logger := log.WithFunc("poll.sweepOnce")

	known := make(map[string]struct{})
	for _, r := range p.machines.Runs() {
		known[r.RunnerName] = struct{}{}
	}

	for _, or := range p.repositories() {
		runners, err := p.gh.ListRunners(ctx, or)
		if err != nil {
			logger.Warnf(ctx, "list runners on %s: %v", or, err)
			continue
		}
		for _, runner := range runners {
			if !strings.HasPrefix(runner.Name, "forrest-") {
				continue
			}
			if _, ok := known[runner.Name]; ok {
				continue
			}
			if runner.Status == "online" || runner.Busy {
				continue
			}
			if err := p.gh.DeleteRunner(ctx, or, runner.ID); err != nil {
				logger.Warnf(ctx, "deregister orphaned runner %s on %s: %v", runner.Name, or, err)
				continue
			}
			logger.Infof(ctx, "deregistered orphaned runner %s on %s", runner.Name, or)
		}
	}
}
