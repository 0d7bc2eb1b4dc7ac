package machines

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerName(t *testing.T) {
	name := runnerName("build")
	assert.True(t, strings.HasPrefix(name, "forrest-build-"))
	assert.Len(t, name, len("forrest-build-")+16)

	assert.NotEqual(t, name, runnerName("build"))
}

func TestWriteSeedISO(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "user-data"), []byte("#cloud-config\n"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(src, "meta-data"), []byte("instance-id: r1\n"), 0o640))

	target := filepath.Join(t.TempDir(), "seed.iso")
	require.NoError(t, writeSeedISO(src, target))

	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	require.NoError(t, err)

	root, err := image.RootDir()
	require.NoError(t, err)

	children, err := root.GetChildren()
	require.NoError(t, err)

	var found bool
	for _, child := range children {
		if strings.EqualFold(child.Name(), "user-data") {
			content, err := io.ReadAll(child.Reader())
			require.NoError(t, err)
			assert.Equal(t, "#cloud-config\n", string(content))
			found = true
		}
	}
	assert.True(t, found, "user-data present in the seed image")
}
