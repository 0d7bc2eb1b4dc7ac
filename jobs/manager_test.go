package jobs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/scheduler"
	"github.com/forrest-runner/forrest/types"
)

func testConfig(t *testing.T) *config.Store {
	t.Helper()
	tmpl := t.TempDir()
	doc := strings.ReplaceAll(`
host:
  base_dir: /srv/forrest
  ram_budget: 16G
github:
  app_id: 1
  app_key_file: /k.pem
  webhook_secret: s
repositories:
  acme:
    widgets:
      persistence_token: sesame
      machines:
        build:
          cpus: 2
          ram: 4G
          disk: 20G
          setup_template: {path: TEMPLATE}
`, "TEMPLATE", tmpl)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	store, err := config.Open(path)
	require.NoError(t, err)
	return store
}

func queuedEvent(jobID int64, machine string) types.JobEvent {
	return types.JobEvent{
		ID:         jobID,
		RunID:      jobID * 10,
		Action:     types.JobQueued,
		Repo:       types.NewOwnerRepo("acme", "widgets"),
		Labels:     []string{"self-hosted", "forrest", machine},
		ReceivedAt: time.Now(),
	}
}

func TestHandleQueuedEnqueues(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })
	m := New(cfg, sched)

	m.Handle(context.Background(), queuedEvent(42, "build"))

	assert.True(t, m.Tracked(42))
	assert.Equal(t, []int64{42}, sched.QueuedJobIDs())
}

func TestHandleDeduplicates(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })
	m := New(cfg, sched)

	ctx := context.Background()
	m.Handle(ctx, queuedEvent(42, "build"))
	m.Handle(ctx, queuedEvent(42, "build")) // poll overlap

	assert.Len(t, sched.QueuedJobIDs(), 1)
}

func TestHandleDropsUnconfigured(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })
	m := New(cfg, sched)

	ctx := context.Background()
	m.Handle(ctx, queuedEvent(1, "nonexistent-machine"))

	ev := queuedEvent(2, "build")
	ev.Repo = types.NewOwnerRepo("stranger", "repo")
	m.Handle(ctx, ev)

	assert.Empty(t, sched.QueuedJobIDs())
	assert.False(t, m.Tracked(1))
}

func TestHandleIgnoresForeignLabels(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })
	m := New(cfg, sched)

	ev := queuedEvent(1, "build")
	ev.Labels = []string{"ubuntu-latest"}
	m.Handle(context.Background(), ev)

	assert.Empty(t, sched.QueuedJobIDs())
}

func TestCompletedAndForgetReleaseTracking(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })
	m := New(cfg, sched)

	ctx := context.Background()
	m.Handle(ctx, queuedEvent(42, "build"))
	require.True(t, m.Tracked(42))

	completed := queuedEvent(42, "build")
	completed.Action = types.JobCompleted
	m.Handle(ctx, completed)
	assert.False(t, m.Tracked(42))

	m.Handle(ctx, queuedEvent(43, "build"))
	m.Forget(43)
	assert.False(t, m.Tracked(43))
}

// A run pins a deep copy of its machine class: whatever happens to the
// active snapshot afterwards, the admitted request never changes.
func TestRequestPinsClassSnapshot(t *testing.T) {
	cfg := testConfig(t)
	sched := scheduler.New(func() int64 { return 16 << 30 })

	var mu sync.Mutex
	var dispatched []*scheduler.Request
	sched.Wire(
		func(types.Triplet) bool { return false },
		func(req *scheduler.Request) {
			mu.Lock()
			dispatched = append(dispatched, req)
			mu.Unlock()
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx) //nolint:errcheck

	m := New(cfg, sched)
	m.Handle(ctx, queuedEvent(42, "build"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 1
	}, time.Second, 10*time.Millisecond)

	req := dispatched[0]
	live, _ := cfg.Snapshot().Machine(req.Triplet)
	require.NotSame(t, live, req.Class, "request holds its own copy")

	live.CPUs = 99
	assert.Equal(t, 2, req.Class.CPUs)
}
