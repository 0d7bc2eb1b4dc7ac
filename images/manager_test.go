package images

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forrest-runner/forrest/config"
	storejson "github.com/forrest-runner/forrest/storage/json"
	"github.com/forrest-runner/forrest/types"
)

// newTestManager builds a Manager with the reflink clone swapped for a
// plain copy, so the tests run on any filesystem.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "machines"), 0o750))

	m := &Manager{
		baseDir: baseDir,
		store: storejson.New[Index](
			filepath.Join(baseDir, "machines", "index.lock"),
			filepath.Join(baseDir, "machines", "index.json"),
		),
		state: make(map[string]*recordState),
		clone: copyFile,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeImage(t *testing.T, path string, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}

var testTriplet = types.NewTriplet("acme", "widgets", "build")

func TestResolveNever(t *testing.T) {
	m := newTestManager(t)
	mc := &config.Machine{UseBase: config.UseBaseNever, BaseImage: "/img/base.img"}

	_, err := m.Resolve(testTriplet, mc)
	require.ErrorIs(t, err, ErrNoBaseAvailable)

	machinePath := testTriplet.MachineImagePath(m.baseDir)
	writeImage(t, machinePath, "machine", time.Time{})

	src, err := m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, machinePath, src.Path)
	assert.Equal(t, testTriplet.String(), src.Guard)
}

func TestResolveAlways(t *testing.T) {
	m := newTestManager(t)
	base := filepath.Join(t.TempDir(), "base.img")
	mc := &config.Machine{UseBase: config.UseBaseAlways, BaseImage: base}

	// The declared base is required even when a machine image exists.
	writeImage(t, testTriplet.MachineImagePath(m.baseDir), "machine", time.Time{})
	_, err := m.Resolve(testTriplet, mc)
	require.ErrorIs(t, err, ErrImageMissing)

	writeImage(t, base, "base", time.Time{})
	src, err := m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, base, src.Path)
	assert.Empty(t, src.Guard)
}

func TestResolveIfNewer(t *testing.T) {
	m := newTestManager(t)
	base := filepath.Join(t.TempDir(), "base.img")
	mc := &config.Machine{UseBase: config.UseBaseIfNewer, BaseImage: base}

	machinePath := testTriplet.MachineImagePath(m.baseDir)
	now := time.Now().Truncate(time.Second)

	writeImage(t, machinePath, "machine", now)
	writeImage(t, base, "base", now.Add(time.Hour))

	src, err := m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, base, src.Path, "strictly newer base wins")

	// Tie: the machine image wins.
	require.NoError(t, os.Chtimes(base, now, now))
	src, err = m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, machinePath, src.Path)

	// Older base: the machine image wins.
	require.NoError(t, os.Chtimes(base, now.Add(-time.Hour), now.Add(-time.Hour)))
	src, err = m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, machinePath, src.Path)
}

func TestResolveIfNewerFallbacks(t *testing.T) {
	m := newTestManager(t)
	base := filepath.Join(t.TempDir(), "base.img")
	mc := &config.Machine{UseBase: config.UseBaseIfNewer, BaseImage: base}

	// Neither side exists.
	_, err := m.Resolve(testTriplet, mc)
	require.ErrorIs(t, err, ErrNoBaseAvailable)

	// Declared base removed, machine image present: machine image wins.
	machinePath := testTriplet.MachineImagePath(m.baseDir)
	writeImage(t, machinePath, "machine", time.Time{})
	src, err := m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, machinePath, src.Path)
}

func TestResolveBaseMachine(t *testing.T) {
	m := newTestManager(t)
	parent := types.NewTriplet("acme", "widgets", "parent")
	mc := &config.Machine{UseBase: config.UseBaseAlways, BaseMachine: parent.String()}

	writeImage(t, parent.MachineImagePath(m.baseDir), "parent", time.Time{})

	src, err := m.Resolve(testTriplet, mc)
	require.NoError(t, err)
	assert.Equal(t, parent.MachineImagePath(m.baseDir), src.Path)
	assert.Equal(t, parent.String(), src.Guard)
}

func TestForkGrowsAndIsolates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	srcPath := filepath.Join(t.TempDir(), "src.img")
	writeImage(t, srcPath, "source-content", time.Time{})

	runDir := t.TempDir()
	first := filepath.Join(runDir, "disk1.img")
	second := filepath.Join(runDir, "disk2.img")

	require.NoError(t, m.Fork(ctx, Source{Path: srcPath}, first, 4096))
	require.NoError(t, m.Fork(ctx, Source{Path: srcPath}, second, 4096))

	info, err := os.Stat(first)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size(), "sparse truncate to the class disk size")

	// Writing to one fork must not touch the source or the sibling.
	require.NoError(t, os.WriteFile(first, []byte("diverged"), 0o640))
	srcContent, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	assert.Equal(t, "source-content", string(srcContent))

	secondContent, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "source-content", string(secondContent[:len("source-content")]))
}

func TestForkDoesNotShrink(t *testing.T) {
	m := newTestManager(t)
	srcPath := filepath.Join(t.TempDir(), "src.img")
	writeImage(t, srcPath, string(make([]byte, 8192)), time.Time{})

	dst := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, m.Fork(context.Background(), Source{Path: srcPath}, dst, 4096))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.Size())
}

func TestPersistCommit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	runImage := filepath.Join(t.TempDir(), "disk.img")
	writeImage(t, runImage, "fresh-machine-state", time.Time{})

	require.NoError(t, m.Persist(ctx, testTriplet, runImage, "/img/seed.img"))

	target := testTriplet.MachineImagePath(m.baseDir)
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "fresh-machine-state", string(content))

	_, err = os.Stat(runImage)
	assert.True(t, os.IsNotExist(err), "run image was renamed away")

	records, err := m.Records(ctx)
	require.NoError(t, err)
	rec, ok := records[testTriplet.String()]
	require.True(t, ok)
	assert.Equal(t, target, rec.Path)
	assert.Equal(t, "/img/seed.img", rec.Origin)
}

func TestPersistRefusesNewReaders(t *testing.T) {
	m := newTestManager(t)
	key := testTriplet.String()

	m.mu.Lock()
	m.state[key] = &recordState{stopping: true}
	m.mu.Unlock()

	err := m.acquire(key)
	require.ErrorIs(t, err, ErrImageStopping)
}

func TestPersistWaitsForReaders(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	key := testTriplet.String()

	runImage := filepath.Join(t.TempDir(), "disk.img")
	writeImage(t, runImage, "state", time.Time{})

	require.NoError(t, m.acquire(key))

	done := make(chan error, 1)
	go func() {
		done <- m.Persist(ctx, testTriplet, runImage, "origin")
	}()

	select {
	case <-done:
		t.Fatal("persist completed while a reader held the image")
	case <-time.After(100 * time.Millisecond):
	}

	m.release(key)
	require.NoError(t, <-done)
}

func TestDiscard(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	runImage := filepath.Join(t.TempDir(), "disk.img")
	writeImage(t, runImage, "x", time.Time{})

	m.Discard(ctx, runImage)
	_, err := os.Stat(runImage)
	assert.True(t, os.IsNotExist(err))

	// Discarding twice is harmless.
	m.Discard(ctx, runImage)
}
