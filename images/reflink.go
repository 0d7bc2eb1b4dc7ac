package images

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrReflinkUnsupported means the filesystem under base_dir cannot do
// copy-on-write clones. Detected at startup, not at run time.
var ErrReflinkUnsupported = errors.New("filesystem does not support reflink copies")

// reflink clones src into dst using FICLONE. Both files must live on the
// same reflink-capable filesystem (btrfs, xfs). The clone is O(1): extents
// are shared until either side diverges.
func reflink(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // daemon-managed image path
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create run image: %w", err)
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		if isCloneUnsupported(err) {
			return fmt.Errorf("clone %s: %w", src, ErrReflinkUnsupported)
		}
		return fmt.Errorf("clone %s: %w", src, err)
	}
	return out.Close()
}

func isCloneUnsupported(err error) bool {
	return errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP) ||
		errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, syscall.ENOTTY)
}

// ProbeReflink verifies that dir supports reflink clones by cloning a small
// scratch file. Called once at startup so an unsupported filesystem fails
// the daemon instead of every run.
func ProbeReflink(dir string) error {
	src := filepath.Join(dir, ".reflink-probe-src")
	dst := filepath.Join(dir, ".reflink-probe-dst")
	defer func() {
		_ = os.Remove(src)
		_ = os.Remove(dst)
	}()

	if err := os.WriteFile(src, []byte("probe"), 0o600); err != nil {
		return fmt.Errorf("write reflink probe: %w", err)
	}
	_ = os.Remove(dst)
	return reflink(src, dst)
}
