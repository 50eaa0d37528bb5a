package vm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kvm-install-vm/internal/failure"
	kvmlibvirt "github.com/jbweber/kvm-install-vm/internal/libvirt"
	"github.com/jbweber/kvm-install-vm/internal/status"
)

const (
	// defaultShutdownTimeout is how long to wait for graceful shutdown before forcing.
	defaultShutdownTimeout = 5 * time.Second

	defaultPollInterval = 500 * time.Millisecond
)

// DestroyOptions tune a Destroy run.
type DestroyOptions struct {
	// RemoveDisk deletes every file-backed disk of the domain after it
	// is undefined.
	RemoveDisk bool

	// ShutdownTimeout bounds the graceful shutdown wait. Zero means 5s.
	ShutdownTimeout time.Duration

	// PollInterval is how often the state is checked while waiting.
	PollInterval time.Duration
}

// RemovalFailure is a disk that could not be deleted.
type RemovalFailure struct {
	Path string
	Err  error
}

// DestroyResult reports what Destroy found and removed.
type DestroyResult struct {
	Name string

	// DiskPaths are all file-backed disks the domain referenced,
	// including the seed ISO.
	DiskPaths []string
	Removed   []string
	Failed    []RemovalFailure
}

// Destroy stops and undefines a VM by name.
//
// This orchestrates the entire VM destruction process:
//  1. Look up the domain and record its disk paths
//  2. Graceful shutdown if running, then force destroy on timeout
//  3. Undefine the domain (with managed save, snapshot and NVRAM cleanup)
//  4. Delete the disks if opts.RemoveDisk is set
//
// Stopping and disk removal are best-effort: failures are logged as
// warnings. Returns an error if the VM doesn't exist or cannot be
// undefined.
func Destroy(ctx context.Context, uri, vmName string, opts DestroyOptions) (*DestroyResult, error) {
	log.Printf("Connecting to libvirt at %s...", uri)
	client, err := kvmlibvirt.ConnectWithContext(ctx, uri, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("Warning: failed to close libvirt connection: %v", err)
		}
	}()

	return destroyWithDeps(ctx, client.Libvirt(), vmName, opts)
}

// destroyWithDeps destroys a VM with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func destroyWithDeps(ctx context.Context, lv libvirtClient, vmName string, opts DestroyOptions) (*DestroyResult, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	// Step 1: Check if VM exists
	log.Printf("Looking up VM '%s'...", vmName)
	domain, err := lookupDomain(lv, vmName)
	if err != nil {
		return nil, err
	}

	// Step 2: Disk paths must be read while the domain is still defined
	domainXML, err := lv.DomainGetXMLDesc(domain, 0)
	if err != nil {
		return nil, failure.AtStage(failure.StageDestroyDomain, fmt.Errorf("failed to get domain XML: %w", err))
	}
	paths, err := kvmlibvirt.DiskPaths(domainXML)
	if err != nil {
		return nil, failure.AtStage(failure.StageDestroyDomain, err)
	}
	result := &DestroyResult{Name: vmName, DiskPaths: paths}

	// Step 3: Stop if running
	active := true
	code, _, err := lv.DomainGetState(domain, 0)
	if err != nil {
		log.Printf("Warning: failed to get VM state, assuming it is running: %v", err)
	} else {
		active = status.StateFromCode(code).IsActive()
	}

	lc := status.NewLifecycle(status.ObservedPhase(active))
	if active {
		if err := lc.BeginStop(); err != nil {
			return nil, failure.AtStage(failure.StageDestroyDomain, err)
		}
		stopDomain(ctx, lv, domain, opts)
	}

	// Step 4: Undefine
	if err := lc.BeginUndefine("destroy requested"); err != nil {
		return nil, failure.AtStage(failure.StageDestroyDomain, err)
	}
	log.Printf("Undefining domain...")
	if err := lv.DomainUndefineFlags(domain, undefineFlags); err != nil {
		return nil, failure.AtStage(failure.StageDestroyDomain, fmt.Errorf("failed to undefine domain: %w", err))
	}
	if err := lc.MarkUndefined(); err != nil {
		return nil, failure.AtStage(failure.StageDestroyDomain, err)
	}

	// Step 5: Disks
	if opts.RemoveDisk {
		removeDisks(vmName, result)
	}

	log.Printf("VM '%s' destroyed successfully (%d of %d disks removed)", vmName, len(result.Removed), len(result.DiskPaths))
	return result, nil
}

// stopDomain shuts a domain down gracefully, forcing it off if it is
// still running after opts.ShutdownTimeout. Failures are only logged:
// undefine works on a running domain too, which then becomes transient
// and disappears once destroyed.
func stopDomain(ctx context.Context, lv libvirtClient, domain libvirt.Domain, opts DestroyOptions) {
	needsForceDestroy := false

	log.Printf("VM is running, attempting graceful shutdown...")
	if err := lv.DomainShutdown(domain); err != nil {
		log.Printf("Warning: graceful shutdown failed: %v", err)
		needsForceDestroy = true
	} else {
		log.Printf("Waiting up to %v for graceful shutdown...", opts.ShutdownTimeout)
		needsForceDestroy = !waitForShutoff(ctx, lv, domain, opts)
	}

	if !needsForceDestroy {
		return
	}

	// Check state one more time
	code, _, err := lv.DomainGetState(domain, 0)
	if err != nil {
		log.Printf("Warning: failed to check state before destroy: %v", err)
	}
	if err != nil || status.StateFromCode(code).IsActive() {
		log.Printf("Force destroying VM...")
		if err := lv.DomainDestroy(domain); err != nil {
			log.Printf("Warning: force destroy failed: %v", err)
		}
	}
}

// waitForShutoff polls until the domain is off. It returns false on
// timeout, cancellation or a state query error.
func waitForShutoff(ctx context.Context, lv libvirtClient, domain libvirt.Domain, opts DestroyOptions) bool {
	shutdownCtx, cancel := context.WithTimeout(ctx, opts.ShutdownTimeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCtx.Done():
			log.Printf("Graceful shutdown timed out")
			return false
		case <-ticker.C:
			code, _, err := lv.DomainGetState(domain, 0)
			if err != nil {
				log.Printf("Warning: failed to check shutdown state: %v", err)
				return false
			}
			if !status.StateFromCode(code).IsActive() {
				log.Printf("VM shut down gracefully")
				return true
			}
		}
	}
}

// removeDisks deletes every recorded disk, continuing past failures,
// then removes the VM's own directory if that left it empty.
func removeDisks(vmName string, result *DestroyResult) {
	dirs := map[string]bool{}

	for _, path := range result.DiskPaths {
		log.Printf("Removing %s...", path)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Printf("Warning: %s is already gone", path)
				continue
			}
			log.Printf("Warning: failed to remove %s: %v", path, err)
			result.Failed = append(result.Failed, RemovalFailure{Path: path, Err: err})
			continue
		}
		result.Removed = append(result.Removed, path)
		dirs[filepath.Dir(path)] = true
	}

	for dir := range dirs {
		if filepath.Base(dir) != vmName {
			continue
		}
		// Only succeeds when empty
		if err := os.Remove(dir); err == nil {
			log.Printf("Removed VM directory %s", dir)
		}
	}
}
