package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testIndex struct {
	Entries map[string]int `json:"entries"`
}

func (ix *testIndex) Init() {
	if ix.Entries == nil {
		ix.Entries = make(map[string]int)
	}
}

func newTestStore(t *testing.T) *Store[testIndex] {
	t.Helper()
	dir := t.TempDir()
	return New[testIndex](filepath.Join(dir, "index.lock"), filepath.Join(dir, "index.json"))
}

func TestWithMissingFileYieldsZeroValue(t *testing.T) {
	s := newTestStore(t)

	err := s.With(context.Background(), func(ix *testIndex) error {
		require.NotNil(t, ix.Entries, "Init ran")
		assert.Empty(t, ix.Entries)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(ix *testIndex) error {
		ix.Entries["a"] = 1
		return nil
	}))

	require.NoError(t, s.With(ctx, func(ix *testIndex) error {
		assert.Equal(t, 1, ix.Entries["a"])
		return nil
	}))
}

func TestUpdateAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Update(ctx, func(ix *testIndex) error {
		ix.Entries["a"] = 1
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.With(ctx, func(ix *testIndex) error {
		assert.Empty(t, ix.Entries, "failed update was not persisted")
		return nil
	}))
}

func TestWithRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "index.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{nope"), 0o600))

	s := New[testIndex](filepath.Join(dir, "index.lock"), filePath)
	err := s.With(context.Background(), func(*testIndex) error { return nil })
	assert.Error(t, err)
}
