package machines

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kdomanski/iso9660"
	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/github"
	"github.com/forrest-runner/forrest/images"
	"github.com/forrest-runner/forrest/scheduler"
	"github.com/forrest-runner/forrest/types"
	"github.com/forrest-runner/forrest/utils"
)

const seedVolumeLabel = "CIDATA"

// run is the ephemeral record of one live VM.
type run struct {
	id      string
	triplet types.Triplet
	class   *config.Machine
	// snapshot is the config version pinned at admission; never re-read.
	snapshot *config.File

	runnerName string
	runToken   string
	jobID      int64
	workflowID int64

	dir    string
	source images.Source

	jit *github.JITConfig

	mu sync.Mutex
	// state transitions are guarded by mu; reads through state().
	st types.RunState
	// trusted is resolved during provisioning from the workflow run.
	trusted bool
	// persistRequested is set by the guest through the control API.
	persistRequested bool
	persisted        bool
	failed           bool
	// artifactQuota tracks remaining upload bytes per class artifact.
	artifactQuota []int64
}

func newRun(req *scheduler.Request) (*run, error) {
	token, err := utils.NewRunToken()
	if err != nil {
		return nil, err
	}

	quota := make([]int64, len(req.Class.Artifacts))
	for i, a := range req.Class.Artifacts {
		quota[i] = a.Quota.Bytes()
	}

	return &run{
		id:            req.ID,
		triplet:       req.Triplet,
		class:         req.Class,
		snapshot:      req.Snapshot,
		runnerName:    runnerName(req.Triplet.Machine),
		runToken:      token,
		jobID:         req.JobID,
		workflowID:    req.WorkflowRunID,
		st:            types.RunStateQueued,
		trusted:       req.TrustedRef,
		artifactQuota: quota,
	}, nil
}

// runnerName builds a name like "forrest-build-rHCiNOhFdypjtnfj" so runners
// created by this daemon are recognizable in the provider's runner list.
func runnerName(machine string) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return "forrest-" + machine + "-" + string(buf)
}

func (r *run) path(name string) string {
	return filepath.Join(r.dir, name)
}

func (r *run) state() types.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st
}

func (r *run) setState(ctx context.Context, st types.RunState) {
	r.mu.Lock()
	prev := r.st
	r.st = st
	r.mu.Unlock()

	log.WithFunc("machines").Infof(ctx, "run %s (%s): %s -> %s", r.id, r.triplet, prev, st)
	r.logEvent(st)
}

// logEvent appends one JSON line to the run's structured log. Best effort:
// the log is an operator convenience, not a source of truth.
func (r *run) logEvent(st types.RunState) {
	if r.dir == "" {
		return
	}
	line, err := json.Marshal(map[string]any{
		"ts":    time.Now().Format(time.RFC3339Nano),
		"run":   r.id,
		"state": st,
	})
	if err != nil {
		return
	}
	f, err := os.OpenFile(r.path(runLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return
	}
	defer f.Close() //nolint:errcheck
	_, _ = f.Write(append(line, '\n'))
}

// requestPersist flips the persistence bit. Idempotent.
func (r *run) requestPersist() {
	r.mu.Lock()
	r.persistRequested = true
	r.mu.Unlock()
}

// provision builds the run directory: forked disk, rendered cloud-init seed
// ISO, per-run token file, JIT runner registration.
func (m *Manager) provision(ctx context.Context, r *run) error {
	r.dir = r.triplet.RunDirPath(m.baseDir, r.id)
	if err := utils.EnsureDirs(r.dir); err != nil {
		return err
	}

	src, err := m.images.Resolve(r.triplet, r.class)
	if err != nil {
		return err
	}
	r.source = src

	if err := m.images.Fork(ctx, src, r.path(diskFile), r.class.Disk.Bytes()); err != nil {
		return err
	}

	jit, err := m.gh.CreateJITRunner(ctx, r.triplet.OwnerRepo(), r.runnerName,
		[]string{"self-hosted", "forrest", r.triplet.Machine})
	if err != nil {
		return err
	}
	r.jit = jit

	m.resolveTrust(ctx, r)

	if err := os.WriteFile(r.path(tokenFile), []byte(r.runToken+"\n"), 0o600); err != nil {
		return fmt.Errorf("write run token file: %w", err)
	}

	if err := r.renderSeed(ctx); err != nil {
		return err
	}
	if !utils.ValidFile(r.path(seedFile)) {
		return fmt.Errorf("seed image %s came out empty", r.path(seedFile))
	}
	return nil
}

// resolveTrust asks the provider whether the workflow run is a branch push
// on the repository itself. Persistence stays locked when in doubt.
func (m *Manager) resolveTrust(ctx context.Context, r *run) {
	repo, _ := r.snapshot.Repository(r.triplet.OwnerRepo())
	if repo == nil || repo.PersistenceToken == "" {
		return // nothing to protect
	}
	if r.workflowID == 0 {
		return
	}

	wr, err := m.gh.GetWorkflowRun(ctx, r.triplet.OwnerRepo(), r.workflowID)
	if err != nil {
		log.WithFunc("machines.resolveTrust").Warnf(ctx, "run %s: workflow run lookup failed, treating ref as untrusted: %v", r.id, err)
		r.mu.Lock()
		r.trusted = false
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.trusted = wr.Trusted()
	r.mu.Unlock()
}

// renderSeed renders the setup template and packs it into the cloud-init
// seed ISO attached as the VM's second disk.
func (r *run) renderSeed(ctx context.Context) error {
	substitutions := map[string]string{
		"JITCONFIG":    r.jit.Encoded,
		"REPO_OWNER":   r.triplet.Owner,
		"REPO_NAME":    r.triplet.Repo,
		"MACHINE_NAME": r.triplet.Machine,
		"RUN_TOKEN":    r.runToken,
	}
	for name, value := range r.class.SetupTemplate.Parameters {
		substitutions[name] = value
	}

	staging, err := os.MkdirTemp(r.dir, ".seed-*")
	if err != nil {
		return fmt.Errorf("create seed staging dir: %w", err)
	}
	defer os.RemoveAll(staging) //nolint:errcheck

	if err := renderTemplate(ctx, r.class.SetupTemplate.Path, staging, substitutions); err != nil {
		return fmt.Errorf("render setup template: %w", err)
	}

	return writeSeedISO(staging, r.path(seedFile))
}

// writeSeedISO packs a rendered directory into an ISO9660 image.
func writeSeedISO(sourceDir, target string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup() //nolint:errcheck

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage seed files: %w", err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create seed image: %w", err)
	}
	if err := writer.WriteTo(out, seedVolumeLabel); err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return fmt.Errorf("write seed image: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("finalize seed image: %w", err)
	}
	return nil
}

// maybePersist commits the run image as the new machine image when the job
// succeeded and the guest presented the persistence token.
func (m *Manager) maybePersist(ctx context.Context, r *run) {
	r.mu.Lock()
	want := r.persistRequested && !r.failed
	r.mu.Unlock()
	if !want {
		return
	}

	r.setState(ctx, types.RunStatePersisting)

	origin := r.source.Guard
	if origin == "" {
		origin = r.source.Path
	}
	if err := m.images.Persist(ctx, r.triplet, r.path(diskFile), origin); err != nil {
		log.WithFunc("machines.maybePersist").Warnf(ctx, "run %s: persist failed: %v", r.id, err)
		return
	}

	r.mu.Lock()
	r.persisted = true
	r.mu.Unlock()
}

// clean tears the run directory down. The disk is by far the biggest file
// and is always removed unless it was renamed away by persistence; the run
// log and boot log stay behind for debugging.
func (m *Manager) clean(ctx context.Context, r *run) {
	r.setState(ctx, types.RunStateCleaning)

	if r.dir != "" {
		r.mu.Lock()
		persisted := r.persisted
		r.mu.Unlock()
		if !persisted {
			m.images.Discard(ctx, r.path(diskFile))
		}
		for _, name := range []string{seedFile, shellSocket, monitorSock, tokenFile} {
			_ = os.Remove(r.path(name))
		}
	}

	if r.jit != nil {
		if err := m.gh.DeleteRunner(ctx, r.triplet.OwnerRepo(), r.jit.RunnerID); err != nil {
			log.WithFunc("machines.clean").Warnf(ctx, "run %s: deregister runner: %v", r.id, err)
		}
	}
}
