package disk

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"

	units "github.com/docker/go-units"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// CheckDiskSpace verifies that the filesystem holding dir can fit a disk
// of sizeGiB. dir need not exist yet; its nearest existing ancestor is
// checked.
func CheckDiskSpace(dir string, sizeGiB int) error {
	if sizeGiB <= 0 {
		return nil
	}

	probe, err := existingAncestor(dir)
	if err != nil {
		return err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(probe, &stat); err != nil {
		return failure.Filesystem(err, "failed to get filesystem stats for %s", probe)
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	needed := int64(sizeGiB) * gib
	if needed > available {
		return failure.Precondition("insufficient disk space in %s: need %s, have %s available",
			dir, units.BytesSize(float64(needed)), units.BytesSize(float64(available)))
	}

	return nil
}

func existingAncestor(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", failure.Filesystem(err, "failed to resolve %s", dir)
	}

	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", failure.Filesystem(err, "failed to stat %s", path)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return path, nil
		}
		path = parent
	}
}
