// Package disk prepares per-VM copy-on-write overlay disks.
//
// Disks are created with qemu-img directly in a per-VM directory rather
// than through libvirt storage pools, so a session connection with no
// pool configuration can still provision guests.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/command"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

const (
	// DirPermissions are the permissions for per-VM directories.
	DirPermissions = 0755

	// FilePermissions are the permissions for VM disk files.
	FilePermissions = 0644

	gib = int64(1024 * 1024 * 1024)
)

// VMDisk is a copy-on-write overlay backed by a base image.
type VMDisk struct {
	Path             string
	BackingImagePath string
	SizeGiB          int
}

// Composer creates overlay disks with qemu-img.
type Composer struct {
	runner command.Runner
}

// NewComposer returns a Composer using runner for qemu-img.
func NewComposer(runner command.Runner) *Composer {
	return &Composer{runner: runner}
}

// DiskPath returns the overlay path Compose would create.
func DiskPath(targetDir, vmName string) string {
	return naming.DiskPath(targetDir, vmName)
}

// Exists reports whether a disk already exists at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, failure.Filesystem(err, "failed to check %s", path)
}

// Compose creates targetDir/vmName/vmName.qcow2 as an overlay of base and
// grows it to sizeGiB when that exceeds the base image's virtual size.
//
// An existing target is never overwritten: Compose fails with
// ErrPrecondition and leaves the file untouched. A missing or in-progress
// base image fails before any tool is invoked.
func (c *Composer) Compose(ctx context.Context, base, targetDir, vmName string, sizeGiB int) (VMDisk, error) {
	if strings.HasSuffix(base, naming.PartSuffix) {
		return VMDisk{}, failure.Precondition("base image %s is an incomplete download", base)
	}
	info, err := os.Stat(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return VMDisk{}, failure.Precondition("base image %s does not exist", base)
		}
		return VMDisk{}, failure.Filesystem(err, "failed to stat base image %s", base)
	}
	if !info.Mode().IsRegular() {
		return VMDisk{}, failure.Precondition("base image %s is not a regular file", base)
	}
	if sizeGiB < 0 {
		return VMDisk{}, failure.Precondition("disk size must be >= 0, got %d", sizeGiB)
	}

	backingFormat, err := artifact.DetectFormat(base)
	if err != nil {
		return VMDisk{}, failure.Precondition("base image %s is not a usable disk image: %v", base, err)
	}

	vmDir := naming.VMDir(targetDir, vmName)
	if err := os.MkdirAll(vmDir, DirPermissions); err != nil {
		return VMDisk{}, failure.Filesystem(err, "failed to create VM directory %s", vmDir)
	}

	target := naming.DiskPath(targetDir, vmName)
	exists, err := Exists(target)
	if err != nil {
		return VMDisk{}, err
	}
	if exists {
		return VMDisk{}, failure.Precondition("disk %s already exists; refusing to overwrite", target)
	}

	log.Printf("Creating overlay disk %s backed by %s...", target, base)
	if _, err := c.runner.Run(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-F", string(backingFormat),
		"-b", base,
		target,
	); err != nil {
		return VMDisk{}, fmt.Errorf("failed to create overlay disk %s: %w", target, err)
	}

	if err := c.grow(ctx, base, target, sizeGiB); err != nil {
		// The overlay is ours and still empty; remove it so a retry starts clean.
		if rmErr := os.Remove(target); rmErr != nil {
			log.Printf("Warning: failed to remove incomplete disk %s: %v", target, rmErr)
		}
		return VMDisk{}, err
	}

	return VMDisk{Path: target, BackingImagePath: base, SizeGiB: sizeGiB}, nil
}

// grow resizes target to sizeGiB if that exceeds the base virtual size.
// It never shrinks.
func (c *Composer) grow(ctx context.Context, base, target string, sizeGiB int) error {
	if sizeGiB == 0 {
		return nil
	}

	virtualSize, err := c.VirtualSize(ctx, base)
	if err != nil {
		return err
	}

	want := int64(sizeGiB) * gib
	if want <= virtualSize {
		log.Printf("Requested size %dG does not exceed base image size (%d bytes), skipping resize", sizeGiB, virtualSize)
		return nil
	}

	log.Printf("Resizing %s to %dG...", target, sizeGiB)
	if _, err := c.runner.Run(ctx, "qemu-img", "resize", target, fmt.Sprintf("%dG", sizeGiB)); err != nil {
		return fmt.Errorf("failed to resize disk %s: %w", target, err)
	}
	return nil
}

type imageInfo struct {
	VirtualSize int64 `json:"virtual-size"`
}

// VirtualSize returns the logical size of an image in bytes. Shared
// access is requested because base images are usually open read-only by
// running guests.
func (c *Composer) VirtualSize(ctx context.Context, path string) (int64, error) {
	out, err := c.runner.Run(ctx, "qemu-img", "info", "--force-share", "--output=json", path)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect %s: %w", path, err)
	}

	var info imageInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return 0, failure.ExternalTool(err, string(out), "failed to parse qemu-img info output for %s", path)
	}
	if info.VirtualSize <= 0 {
		return 0, failure.ExternalTool(nil, string(out), "qemu-img info reported no virtual size for %s", path)
	}
	return info.VirtualSize, nil
}
