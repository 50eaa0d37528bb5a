package vm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/cloudinit"
	"github.com/jbweber/kvm-install-vm/internal/command"
	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/disk"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	kvmlibvirt "github.com/jbweber/kvm-install-vm/internal/libvirt"
	"github.com/jbweber/kvm-install-vm/internal/metadata"
	"github.com/jbweber/kvm-install-vm/internal/status"
)

// undefineFlags lets undefine succeed even when libvirt still holds saved
// state or NVRAM for the domain.
const undefineFlags = libvirt.DomainUndefineManagedSave |
	libvirt.DomainUndefineSnapshotsMetadata |
	libvirt.DomainUndefineNvram

// ProvisionOptions tune a Provision run.
type ProvisionOptions struct {
	// SSHDir is searched for a public key when the request has none.
	// Empty means ~/.ssh.
	SSHDir string

	// Progress observes the base image download.
	Progress artifact.ProgressFunc

	// Runner executes qemu-img and the ISO tools. Nil means the real ones.
	Runner command.Runner
}

// Result describes a finished Provision run.
type Result struct {
	Plan       *Plan
	DryRun     bool
	Phase      status.Phase
	DiskReused bool

	// ImageIntegrity is set when the freshly downloaded base image
	// failed verification. Provisioning carries on regardless.
	ImageIntegrity error
}

// CreateError reports the last lifecycle phase a domain reached before
// creation failed, and the transitions that led there.
type CreateError struct {
	Phase   status.Phase
	History []status.Transition
	Err     error
}

func (e *CreateError) Error() string {
	if status.IsTransitioning(e.Phase) {
		return fmt.Sprintf("domain creation failed while %s: %v", strings.ToLower(string(e.Phase)), e.Err)
	}
	return fmt.Sprintf("domain creation failed in phase %s: %v", e.Phase, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Provision creates and starts a VM for req.
//
// This orchestrates the entire VM creation process:
//  1. Resolve the distro, the SSH key and every path (BuildPlan)
//  2. Connect to libvirt at cfg.ConnectURI
//  3. Ensure the base image is cached, downloading it if needed
//  4. Check free space and compose the VM's overlay disk
//  5. Render and package the cloud-init seed ISO
//  6. Define and start the domain
//
// With req.DryRun only step 1 runs and the plan is returned.
func Provision(ctx context.Context, cfg *config.Config, req config.Request, opts ProvisionOptions) (*Result, error) {
	plan, err := BuildPlan(cfg, req, opts.SSHDir)
	if err != nil {
		return nil, err
	}
	if req.DryRun {
		return &Result{Plan: plan, DryRun: true, Phase: status.PhaseUndefined}, nil
	}

	runner := opts.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}

	log.Printf("Connecting to libvirt at %s...", cfg.ConnectURI)
	client, err := kvmlibvirt.ConnectWithContext(ctx, cfg.ConnectURI, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("Warning: failed to close libvirt connection: %v", err)
		}
	}()

	deps := provisionDeps{
		lv:         client.Libvirt(),
		images:     artifact.NewStore(cfg.Defaults.ImageDir, artifact.WithRunner(runner), artifact.WithProgress(opts.Progress)),
		disks:      disk.NewComposer(runner),
		seeds:      cloudinit.NewPackager(runner, cfg.Defaults.BuiltinISO),
		checkSpace: disk.CheckDiskSpace,
		now:        time.Now,
	}
	if kvmlibvirt.IsSystem(cfg.ConnectURI) {
		// The system daemon runs guests as its own qemu user
		deps.chown = disk.ChownForSystem
	}

	return provisionWithDeps(ctx, plan, deps)
}

// provisionDeps are the collaborators of provisionWithDeps.
type provisionDeps struct {
	lv         libvirtClient
	images     imageStore
	disks      diskComposer
	seeds      seedPackager
	checkSpace func(dir string, sizeGiB int) error
	chown      func(paths ...string) error
	now        func() time.Time
}

// provisionWithDeps runs the pipeline with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func provisionWithDeps(ctx context.Context, plan *Plan, deps provisionDeps) (*Result, error) {
	name := plan.Request.Name
	result := &Result{Plan: plan, Phase: status.PhaseUndefined}

	// Step 1: Fail before any download if the name is taken
	log.Printf("Checking if VM '%s' already exists...", name)
	if err := ensureAbsent(deps.lv, name); err != nil {
		return nil, failure.AtStage(failure.StageDefineDomain, err)
	}

	// Step 2: Base image
	log.Printf("Ensuring base image %s...", plan.Profile.BaseImageFilename)
	image, err := deps.images.Ensure(ctx, plan.Profile)
	if err != nil {
		return nil, failure.AtStage(failure.StageAcquireImage, err)
	}
	result.ImageIntegrity = image.Integrity

	// Step 3: Overlay disk, reused when a previous attempt left one
	exists, err := disk.Exists(plan.DiskPath)
	if err != nil {
		return nil, failure.AtStage(failure.StageComposeDisk, err)
	}
	if exists {
		log.Printf("Disk %s already exists, reusing it", plan.DiskPath)
		result.DiskReused = true
	} else {
		log.Printf("Checking disk space availability...")
		if err := deps.checkSpace(plan.VMRoot, plan.Request.DiskGiB()); err != nil {
			return nil, failure.AtStage(failure.StageComposeDisk, err)
		}

		log.Printf("Creating disk %s (%dGiB)...", plan.DiskPath, plan.Request.DiskGiB())
		if _, err := deps.disks.Compose(ctx, image.Path, plan.VMRoot, name, plan.Request.DiskGiB()); err != nil {
			return nil, failure.AtStage(failure.StageComposeDisk, err)
		}
	}

	// Step 4: Seed ISO, regenerated on every attempt
	seed, err := deps.seeds.Package(ctx, plan.VMDir, name, plan.UserData, plan.MetaData)
	if err != nil {
		return nil, failure.AtStage(failure.StagePackageSeed, err)
	}

	if deps.chown != nil {
		log.Printf("Granting the qemu user access to VM files...")
		if err := deps.chown(plan.DiskPath, seed.Path); err != nil {
			return nil, failure.AtStage(failure.StagePackageSeed, err)
		}
	}

	// Step 5: Domain
	annotation := &metadata.Annotation{
		Request:     plan.Request,
		BaseImage:   image.Path,
		DiskPath:    plan.DiskPath,
		SeedISOPath: seed.Path,
		CreatedAt:   deps.now().UTC(),
	}
	if _, err := createDomainWithDeps(ctx, deps.lv, name, plan.DomainXML, annotation); err != nil {
		return nil, err
	}
	result.Phase = status.PhaseActive

	log.Printf("VM '%s' created successfully!", name)
	return result, nil
}

// createDomainWithDeps defines and starts a domain from its XML.
//
// A domain that is defined but fails to start is undefined again, so a
// failed run never leaves a defined-but-unstartable domain behind. The
// disk and seed are kept for the next attempt.
//
// A non-nil ann is recorded in the persistent definition between define
// and start, so it survives the domain stopping. Failing to record it is
// only a warning.
func createDomainWithDeps(_ context.Context, lv libvirtClient, name, domainXML string, ann *metadata.Annotation) (libvirt.Domain, error) {
	// The name may have been taken while the image downloaded
	if err := ensureAbsent(lv, name); err != nil {
		return libvirt.Domain{}, failure.AtStage(failure.StageDefineDomain, err)
	}

	lc := status.NewLifecycle(status.PhaseUndefined)
	fail := func(stage failure.Stage, err error) error {
		return failure.AtStage(stage, &CreateError{Phase: lc.Phase(), History: lc.History(), Err: err})
	}

	if err := lc.BeginDefine(); err != nil {
		return libvirt.Domain{}, fail(failure.StageDefineDomain, err)
	}

	log.Printf("Defining domain in libvirt...")
	domain, err := lv.DomainDefineXML(domainXML)
	if err != nil {
		return libvirt.Domain{}, fail(failure.StageDefineDomain, fmt.Errorf("failed to define domain: %w", err))
	}
	if err := lc.MarkDefined(); err != nil {
		return libvirt.Domain{}, fail(failure.StageDefineDomain, err)
	}

	if ann != nil {
		if err := metadata.Store(lv, domain, ann); err != nil {
			log.Printf("Warning: failed to record provisioning metadata: %v", err)
		}
	}

	if err := lc.BeginStart(); err != nil {
		return libvirt.Domain{}, fail(failure.StageStartDomain, err)
	}

	log.Printf("Starting VM...")
	if err := lv.DomainCreate(domain); err != nil {
		startErr := fmt.Errorf("failed to start domain: %w", err)
		phase := lc.Phase()
		if rbErr := rollback(lv, domain, lc); rbErr != nil {
			startErr = fmt.Errorf("%w (rollback failed, domain '%s' is still defined: %v)", startErr, name, rbErr)
		}
		return libvirt.Domain{}, failure.AtStage(failure.StageStartDomain, &CreateError{Phase: phase, History: lc.History(), Err: startErr})
	}
	if err := lc.MarkActive(); err != nil {
		return libvirt.Domain{}, fail(failure.StageStartDomain, err)
	}

	return domain, nil
}

// rollback undefines a domain that failed to start.
func rollback(lv libvirtClient, domain libvirt.Domain, lc *status.Lifecycle) error {
	log.Printf("Rolling back: undefining domain '%s'...", domain.Name)
	if err := lc.BeginUndefine("start failed"); err != nil {
		return err
	}
	if err := lv.DomainUndefineFlags(domain, undefineFlags); err != nil {
		log.Printf("Warning: failed to undefine domain: %v", err)
		return err
	}
	if err := lc.MarkUndefined(); err != nil {
		return err
	}
	log.Printf("Domain undefined; disk and seed kept for the next attempt")
	return nil
}
