package types

import "time"

// RunState is the lifecycle state of a single VM run.
type RunState string

const (
	RunStateQueued       RunState = "queued"       // waiting for admission
	RunStateProvisioning RunState = "provisioning" // run dir, disk fork, seed render
	RunStateRunning      RunState = "running"      // QEMU child alive
	RunStatePersisting   RunState = "persisting"   // committing the run image
	RunStateCleaning     RunState = "cleaning"     // teardown, always reached
	RunStateDone         RunState = "done"         // terminal
)

// Terminal reports whether the state releases the run's RAM reservation.
func (s RunState) Terminal() bool {
	return s == RunStateCleaning || s == RunStateDone
}

// Holding reports whether the state counts against the host RAM budget.
func (s RunState) Holding() bool {
	switch s {
	case RunStateProvisioning, RunStateRunning, RunStatePersisting:
		return true
	}
	return false
}

// JobAction is the subset of workflow_job actions we act on.
type JobAction string

const (
	JobQueued     JobAction = "queued"
	JobInProgress JobAction = "in_progress"
	JobCompleted  JobAction = "completed"
)

// JobEvent is a normalized CI signal, produced by the webhook receiver and
// the polling backstop alike.
type JobEvent struct {
	ID         int64     `json:"id"`     // provider job id, dedupe key
	RunID      int64     `json:"run_id"` // provider workflow run id
	Action     JobAction `json:"action"`
	Repo       OwnerRepo `json:"repo"`
	Labels     []string  `json:"labels"`
	RunnerName string    `json:"runner_name,omitempty"`

	// TrustedRef is true when the job runs for a branch push on the
	// repository itself, not a pull request from a fork. Gates whether the
	// guest may learn the persistence token.
	TrustedRef bool `json:"trusted_ref"`

	ReceivedAt time.Time `json:"received_at"`
}
