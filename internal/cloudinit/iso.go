package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/kvm-install-vm/internal/command"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

const (
	// VolumeID is the label the NoCloud datasource looks for.
	VolumeID = "cidata"

	// builtinVolumeID is used by the in-process writer. NoCloud matches the
	// label case-insensitively, and ISO 9660 volume ids are uppercase.
	builtinVolumeID = "CIDATA"

	userDataFile = "user-data"
	metaDataFile = "meta-data"
)

// SeedImage is a packaged seed ISO.
type SeedImage struct {
	Path string
}

// Packager masters seed ISOs with genisoimage or mkisofs, or in-process
// when builtin is enabled and neither tool is installed.
type Packager struct {
	runner  command.Runner
	builtin bool
}

// NewPackager returns a Packager. builtin enables the in-process ISO
// writer as a last resort.
func NewPackager(runner command.Runner, builtin bool) *Packager {
	return &Packager{runner: runner, builtin: builtin}
}

// Package writes user-data and meta-data into dir, masters
// dir/<vmName>-cidata.iso from them, and removes the two documents. The
// ISO is the only file left behind, including on failure. An existing
// seed ISO is replaced.
func (p *Packager) Package(ctx context.Context, dir, vmName, userData, metaData string) (seed SeedImage, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return SeedImage{}, failure.Filesystem(err, "failed to create directory %s", dir)
	}

	userDataPath := filepath.Join(dir, userDataFile)
	metaDataPath := filepath.Join(dir, metaDataFile)
	isoPath := filepath.Join(dir, naming.SeedISOName(vmName))

	defer func() {
		if cerr := removeScratch(userDataPath, metaDataPath); cerr != nil {
			if err == nil {
				err = cerr
				seed = SeedImage{}
			} else {
				log.Printf("Warning: %v", cerr)
			}
		}
	}()

	if err := os.WriteFile(userDataPath, []byte(userData), 0644); err != nil {
		return SeedImage{}, failure.Filesystem(err, "failed to write %s", userDataPath)
	}
	if err := os.WriteFile(metaDataPath, []byte(metaData), 0644); err != nil {
		return SeedImage{}, failure.Filesystem(err, "failed to write %s", metaDataPath)
	}
	if err := os.Remove(isoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return SeedImage{}, failure.Filesystem(err, "failed to replace %s", isoPath)
	}

	log.Printf("Creating cloud-init ISO %s...", isoPath)
	if err := p.master(ctx, isoPath, userDataPath, metaDataPath); err != nil {
		return SeedImage{}, err
	}

	return SeedImage{Path: isoPath}, nil
}

// master produces isoPath with the first available backend.
func (p *Packager) master(ctx context.Context, isoPath, userDataPath, metaDataPath string) error {
	if _, err := p.runner.LookPath("genisoimage"); err == nil {
		_, err := p.runner.Run(ctx, "genisoimage",
			"-output", isoPath,
			"-volid", VolumeID,
			"-joliet", "-rock",
			userDataPath, metaDataPath,
		)
		if err != nil {
			return fmt.Errorf("failed to create cloud-init ISO: %w", err)
		}
		return nil
	}

	if _, err := p.runner.LookPath("mkisofs"); err == nil {
		_, err := p.runner.Run(ctx, "mkisofs",
			"-o", isoPath,
			"-V", VolumeID,
			"-J", "-r",
			userDataPath, metaDataPath,
		)
		if err != nil {
			return fmt.Errorf("failed to create cloud-init ISO: %w", err)
		}
		return nil
	}

	if p.builtin {
		log.Printf("Neither genisoimage nor mkisofs found, using built-in ISO writer")
		return WriteISO(isoPath, userDataPath, metaDataPath)
	}

	return failure.ExternalTool(nil, "", "neither genisoimage nor mkisofs found; install one of these tools (or set builtin_iso: true)")
}

// WriteISO masters an ISO at isoPath containing the given files in its
// root directory, labelled for the NoCloud datasource.
func WriteISO(isoPath string, files ...string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		// The ISO is written by then; leftover temp files are harmless.
		_ = writer.Cleanup()
	}()

	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return failure.Filesystem(err, "failed to open %s", path)
		}
		err = writer.AddFile(f, filepath.Base(path))
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", filepath.Base(path), err)
		}
	}

	out, err := os.Create(isoPath)
	if err != nil {
		return failure.Filesystem(err, "failed to create %s", isoPath)
	}
	if err := writer.WriteTo(out, builtinVolumeID); err != nil {
		_ = out.Close()
		_ = os.Remove(isoPath)
		return fmt.Errorf("failed to write ISO image: %w", err)
	}
	if err := out.Close(); err != nil {
		return failure.Filesystem(err, "failed to close %s", isoPath)
	}
	return nil
}

func removeScratch(paths ...string) error {
	var failed []string
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = append(failed, fmt.Sprintf("%s (%v)", path, err))
		}
	}
	if len(failed) > 0 {
		return failure.Filesystem(nil, "failed to clean up %s", strings.Join(failed, ", "))
	}
	return nil
}
