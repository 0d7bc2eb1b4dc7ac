package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/types"
)

type harness struct {
	sched      *Scheduler
	dispatched []*Request
	busySet    map[string]bool
}

func newHarness(budget int64) *harness {
	h := &harness{busySet: make(map[string]bool)}
	h.sched = New(func() int64 { return budget })
	h.sched.Wire(
		func(t types.Triplet) bool { return h.busySet[t.String()] },
		func(req *Request) { h.dispatched = append(h.dispatched, req) },
	)
	return h
}

func request(id string, machine string, ram int64, baseMachine string) *Request {
	return &Request{
		ID:      id,
		Triplet: types.NewTriplet("acme", "widgets", machine),
		Class: &config.Machine{
			RAM:         config.Size(ram),
			BaseMachine: baseMachine,
		},
	}
}

const gib = int64(1) << 30

func TestFIFOAdmission(t *testing.T) {
	h := newHarness(16 * gib)

	h.sched.Submit(request("a", "m1", 4*gib, ""))
	h.sched.Submit(request("b", "m2", 4*gib, ""))
	h.sched.Submit(request("c", "m3", 4*gib, ""))
	h.sched.admit(context.Background())

	require.Len(t, h.dispatched, 3)
	assert.Equal(t, "a", h.dispatched[0].ID)
	assert.Equal(t, "b", h.dispatched[1].ID)
	assert.Equal(t, "c", h.dispatched[2].ID)
	assert.Equal(t, 12*gib, h.sched.Reserved())
}

// Scenario: budget 8G, two 6G requests and a late 2G request. The second 6G
// blocks the head of the line; the 2G request must not jump it.
func TestRAMHeadOfLineBlocking(t *testing.T) {
	h := newHarness(8 * gib)

	h.sched.Submit(request("big1", "m1", 6*gib, ""))
	h.sched.Submit(request("big2", "m2", 6*gib, ""))
	h.sched.admit(context.Background())

	require.Len(t, h.dispatched, 1)
	assert.Equal(t, "big1", h.dispatched[0].ID)

	// A small request arriving while the line is blocked waits its turn.
	h.sched.Submit(request("small", "m3", 2*gib, ""))
	h.sched.admit(context.Background())
	require.Len(t, h.dispatched, 1)

	// First big run terminates: the second is admitted, then the small one.
	h.sched.Release(6 * gib)
	h.sched.admit(context.Background())
	require.Len(t, h.dispatched, 3)
	assert.Equal(t, "big2", h.dispatched[1].ID)
	assert.Equal(t, "small", h.dispatched[2].ID)
}

// A request blocked only by its base-machine interlock is passed over so
// the rest of the queue (including, eventually, the parent itself) can
// still be scheduled.
func TestInterlockPassOver(t *testing.T) {
	h := newHarness(16 * gib)
	h.busySet["acme/widgets/parent"] = true

	h.sched.Submit(request("child", "derived", 4*gib, "acme/widgets/parent"))
	h.sched.Submit(request("other", "m2", 4*gib, ""))
	h.sched.admit(context.Background())

	require.Len(t, h.dispatched, 1)
	assert.Equal(t, "other", h.dispatched[0].ID)
	assert.Equal(t, []int64{0}, h.sched.QueuedJobIDs())

	// The parent finishes: the child is admitted on the next pass.
	h.busySet["acme/widgets/parent"] = false
	h.sched.admit(context.Background())
	require.Len(t, h.dispatched, 2)
	assert.Equal(t, "child", h.dispatched[1].ID)
}

// Parent and dependent arrive together. Whatever the arrival order, the
// dependent must not start alongside the parent — it waits for the fresh
// image the parent is about to produce.
func TestInterlockCoversQueuedParent(t *testing.T) {
	for _, childFirst := range []bool{false, true} {
		h := newHarness(16 * gib)

		parent := request("parent", "base", 4*gib, "")
		child := request("child", "derived", 4*gib, "acme/widgets/base")
		if childFirst {
			h.sched.Submit(child)
			h.sched.Submit(parent)
		} else {
			h.sched.Submit(parent)
			h.sched.Submit(child)
		}
		h.sched.admit(context.Background())

		require.Len(t, h.dispatched, 1, "childFirst=%v", childFirst)
		assert.Equal(t, "parent", h.dispatched[0].ID)

		// Parent now live and holding RAM.
		h.busySet["acme/widgets/base"] = true
		h.sched.admit(context.Background())
		require.Len(t, h.dispatched, 1, "child still blocked while parent runs")

		// Parent finished.
		h.busySet["acme/widgets/base"] = false
		h.sched.Release(4 * gib)
		h.sched.admit(context.Background())
		require.Len(t, h.dispatched, 2)
		assert.Equal(t, "child", h.dispatched[1].ID)
	}
}

func TestReleaseRestoresBudget(t *testing.T) {
	h := newHarness(4 * gib)

	h.sched.Submit(request("a", "m1", 4*gib, ""))
	h.sched.admit(context.Background())
	assert.Equal(t, 4*gib, h.sched.Reserved())

	h.sched.Release(4 * gib)
	assert.Equal(t, int64(0), h.sched.Reserved())

	// Over-release must not go negative.
	h.sched.Release(4 * gib)
	assert.Equal(t, int64(0), h.sched.Reserved())
}

func TestBudgetNeverExceeded(t *testing.T) {
	h := newHarness(8 * gib)

	for i := 0; i < 10; i++ {
		h.sched.Submit(request("r", "m", 3*gib, ""))
	}
	h.sched.admit(context.Background())

	assert.Len(t, h.dispatched, 2)
	assert.LessOrEqual(t, h.sched.Reserved(), 8*gib)
}
