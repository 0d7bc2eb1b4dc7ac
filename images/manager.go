package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/forrest-runner/forrest/config"
	"github.com/forrest-runner/forrest/storage"
	storejson "github.com/forrest-runner/forrest/storage/json"
	"github.com/forrest-runner/forrest/types"
	"github.com/forrest-runner/forrest/utils"
)

// Manager tracks the machine image of every (owner, repo, machine_class)
// and owns the three-tier lineage: src image → machine image → run image.
//
// Reader discipline: while a record has readers (a fork in flight) or is
// stopping (a persistence commit pending), its image file is immutable.
type Manager struct {
	baseDir string
	store   storage.Store[Index]

	mu    sync.Mutex
	cond  *sync.Cond
	state map[string]*recordState

	// clone performs the copy-on-write copy. Swapped in tests where the
	// filesystem has no reflink support.
	clone func(src, dst string) error
}

type recordState struct {
	readers  int
	stopping bool
}

// New creates the Manager, ensures the on-disk layout and probes reflink
// support under baseDir.
func New(baseDir string) (*Manager, error) {
	machinesDir := filepath.Join(baseDir, "machines")
	if err := utils.EnsureDirs(baseDir, machinesDir, filepath.Join(baseDir, "runs")); err != nil {
		return nil, err
	}
	if err := ProbeReflink(baseDir); err != nil {
		return nil, err
	}

	m := &Manager{
		baseDir: baseDir,
		store: storejson.New[Index](
			filepath.Join(machinesDir, "index.lock"),
			filepath.Join(machinesDir, "index.json"),
		),
		state: make(map[string]*recordState),
		clone: reflink,
	}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// Resolve applies the machine class's use_base policy and returns the image
// the next run must fork from. The caller never branches on whether the
// winner was a src image, a parent machine image or this class's own.
func (m *Manager) Resolve(t types.Triplet, mc *config.Machine) (Source, error) {
	machine := Source{Path: t.MachineImagePath(m.baseDir), Guard: t.String()}
	machineOK := statMtime(&machine)

	var base Source
	var baseDeclared bool
	if bt, ok := mc.BaseTriplet(); ok {
		base = Source{Path: bt.MachineImagePath(m.baseDir), Guard: bt.String()}
		baseDeclared = true
	} else if mc.BaseImage != "" {
		base = Source{Path: mc.BaseImage}
		baseDeclared = true
	}
	baseOK := baseDeclared && statMtime(&base)

	switch mc.UseBase {
	case config.UseBaseNever:
		if !machineOK {
			return Source{}, fmt.Errorf("%w: no machine image for %s", ErrNoBaseAvailable, t)
		}
		return machine, nil

	case config.UseBaseAlways:
		if !baseDeclared {
			// Neither base_image nor base_machine configured; the machine
			// image is never a candidate under this policy.
			return Source{}, fmt.Errorf("%w: %s declares no base", ErrNoBaseAvailable, t)
		}
		if !baseOK {
			return Source{}, fmt.Errorf("%w: base %s for %s", ErrImageMissing, base.Path, t)
		}
		return base, nil

	default: // config.UseBaseIfNewer
		switch {
		case baseOK && machineOK:
			// Strictly newer base wins; the machine image wins ties.
			if base.ModTime.After(machine.ModTime) {
				return base, nil
			}
			return machine, nil
		case baseOK:
			return base, nil
		case machineOK:
			return machine, nil
		default:
			return Source{}, fmt.Errorf("%w: neither base nor machine image for %s", ErrNoBaseAvailable, t)
		}
	}
}

func statMtime(s *Source) bool {
	info, err := os.Stat(s.Path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	s.ModTime = info.ModTime()
	return true
}

// Fork reflink-copies the resolved source into dst and grows it to
// diskBytes with a sparse truncate. The source record (if any) holds a
// reader for the duration of the copy so a persistence commit cannot rename
// it away mid-clone.
func (m *Manager) Fork(ctx context.Context, src Source, dst string, diskBytes int64) error {
	if src.Guard != "" {
		if err := m.acquire(src.Guard); err != nil {
			return err
		}
		defer m.release(src.Guard)
	}

	start := time.Now()
	if err := m.clone(src.Path, dst); err != nil {
		return err
	}

	if info, err := os.Stat(dst); err == nil && info.Size() < diskBytes {
		if err := os.Truncate(dst, diskBytes); err != nil {
			_ = os.Remove(dst)
			return fmt.Errorf("grow run image to %s: %w", units.BytesSize(float64(diskBytes)), err)
		}
	}

	log.WithFunc("images.Fork").Debugf(ctx, "forked %s -> %s in %s", src.Path, dst, time.Since(start))
	return nil
}

// acquire takes a reader on a machine image record.
// Refused while a persistence commit is replacing the image.
func (m *Manager) acquire(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state[key]
	if st == nil {
		st = &recordState{}
		m.state[key] = st
	}
	if st.stopping {
		return fmt.Errorf("%w: %s", ErrImageStopping, key)
	}
	st.readers++
	return nil
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.state[key]; st != nil {
		st.readers--
		if st.readers <= 0 {
			m.cond.Broadcast()
		}
	}
}

// Persist commits a successful run's image as the new machine image for t.
// The rename is atomic (same filesystem); readers that acquired the old
// image before the commit keep their handles, new readers are refused until
// the new image is in place. Commits for the same record are serialized.
func (m *Manager) Persist(ctx context.Context, t types.Triplet, runImage, origin string) error {
	key := t.String()

	m.mu.Lock()
	st := m.state[key]
	if st == nil {
		st = &recordState{}
		m.state[key] = st
	}
	for st.stopping {
		m.cond.Wait()
	}
	st.stopping = true
	for st.readers > 0 {
		m.cond.Wait()
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.stopping = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	target := t.MachineImagePath(m.baseDir)
	if err := utils.EnsureDirs(filepath.Dir(target)); err != nil {
		return err
	}
	if err := os.Rename(runImage, target); err != nil {
		return fmt.Errorf("persist %s over %s: %w", runImage, target, err)
	}
	if err := utils.SyncDir(filepath.Dir(target)); err != nil {
		return fmt.Errorf("sync machine image dir: %w", err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat persisted image: %w", err)
	}

	err = m.store.Update(ctx, func(ix *Index) error {
		ix.Machines[key] = &Record{
			Path:        target,
			ModTime:     info.ModTime(),
			Origin:      origin,
			PersistedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update image index: %w", err)
	}

	log.WithFunc("images.Persist").Infof(ctx, "persisted %s as machine image for %s", runImage, t)
	return nil
}

// Discard removes a run image that will not be persisted.
func (m *Manager) Discard(ctx context.Context, runImage string) {
	logger := log.WithFunc("images.Discard")
	switch err := os.Remove(runImage); {
	case err == nil:
		logger.Debugf(ctx, "removed run image %s", runImage)
	case os.IsNotExist(err):
	default:
		logger.Warnf(ctx, "remove run image %s: %v", runImage, err)
	}
}

// Records returns a copy of the durable index for the operator surface.
func (m *Manager) Records(ctx context.Context) (map[string]Record, error) {
	out := make(map[string]Record)
	err := m.store.With(ctx, func(ix *Index) error {
		for k, r := range ix.Machines {
			if r != nil {
				out[k] = *r
			}
		}
		return nil
	})
	return out, err
}
