// Package naming provides the on-disk naming conventions for base images,
// per-VM disks, and seed ISOs.
//
// These rules are shared by the artifact store, the disk composer, the
// seed packager and the destroy path, so they live in one place.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PartSuffix marks an in-progress download.
const PartSuffix = ".part"

// LockSuffix marks the advisory lock guarding an in-progress download.
const LockSuffix = ".lock"

// ImagePath returns the canonical cache path for a base image.
//
// Example: ("/var/images", "CentOS-8.qcow2") → /var/images/CentOS-8.qcow2
func ImagePath(imageDir, filename string) string {
	return filepath.Join(imageDir, filename)
}

// PartPath returns the in-progress path for an image. The extension is
// replaced with .part, or .part is appended when there is none.
//
// Example: /var/images/CentOS-8.qcow2 → /var/images/CentOS-8.part
func PartPath(imagePath string) string {
	ext := filepath.Ext(imagePath)
	return strings.TrimSuffix(imagePath, ext) + PartSuffix
}

// LockPath returns the advisory lock path for an in-progress download.
func LockPath(partPath string) string {
	return partPath + LockSuffix
}

// IsTransient reports whether a cache directory entry is download
// bookkeeping rather than a finished image.
func IsTransient(name string) bool {
	return strings.HasSuffix(name, PartSuffix) || strings.HasSuffix(name, LockSuffix)
}

// DownloadURL joins an image URL prefix and filename.
//
// Example: ("https://mirror/images/", "x.qcow2") → https://mirror/images/x.qcow2
func DownloadURL(prefix, filename string) string {
	return strings.TrimRight(prefix, "/") + "/" + filename
}

// VMDir returns the per-VM directory holding its disk and seed ISO.
func VMDir(vmRoot, vmName string) string {
	return filepath.Join(vmRoot, vmName)
}

// DiskName returns the overlay disk filename for a VM.
// Format: {vmName}.qcow2
func DiskName(vmName string) string {
	return fmt.Sprintf("%s.qcow2", vmName)
}

// DiskPath returns the overlay disk path for a VM.
//
// Example: ("/var/vms", "demo") → /var/vms/demo/demo.qcow2
func DiskPath(vmRoot, vmName string) string {
	return filepath.Join(VMDir(vmRoot, vmName), DiskName(vmName))
}

// SeedISOName returns the seed ISO filename for a VM.
// Format: {vmName}-cidata.iso
func SeedISOName(vmName string) string {
	return fmt.Sprintf("%s-cidata.iso", vmName)
}

// SeedISOPath returns the seed ISO path for a VM.
func SeedISOPath(vmRoot, vmName string) string {
	return filepath.Join(VMDir(vmRoot, vmName), SeedISOName(vmName))
}
