package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/loader"
	"github.com/jbweber/kvm-install-vm/internal/vm"
)

var createOpts struct {
	name     string
	distro   string
	vcpus    int
	memory   int
	disk     int
	sshKey   string
	graphics bool
	dryRun   bool
	file     string

	saveRequest string
}

var createCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a VM",
		Long: `Create a new virtual machine from a distro cloud image.

The base image is downloaded into the image cache if needed (interrupted
downloads resume), an overlay disk and a cloud-init seed ISO are written
to the VM directory, and the domain is defined and started.

Re-running create after a failure reuses the cached image and an existing
disk.

Examples:
  kvm-install-vm create -n demo
  kvm-install-vm create -n web1 -t ubuntu2004 -c 2 -m 2048 -d 20
  kvm-install-vm create -f request.yaml --dry-run`,
		Args: cobra.NoArgs,
		RunE: runCreate,
	}

	f := cmd.Flags()
	f.StringVarP(&createOpts.name, "name", "n", "", "VM name (required unless --file is given)")
	f.StringVarP(&createOpts.distro, "distro", "t", "centos8", "distro id")
	f.IntVarP(&createOpts.vcpus, "vcpus", "c", 0, "number of vCPUs (default from config)")
	f.IntVarP(&createOpts.memory, "memory", "m", 0, "memory in MiB (default from config)")
	f.IntVarP(&createOpts.disk, "disk", "d", 0, "disk size in GiB, 0 keeps the base image size (default from config)")
	f.StringVarP(&createOpts.sshKey, "ssh-key", "k", "", "SSH public key file or key text (default: first of ~/.ssh/id_rsa.pub, id_ed25519.pub, id_dsa.pub)")
	f.BoolVar(&createOpts.graphics, "graphics", false, "attach VNC graphics and a bridged NIC on the configured network")
	f.BoolVar(&createOpts.dryRun, "dry-run", false, "print the plan without changing anything")
	f.StringVarP(&createOpts.file, "file", "f", "", "read the request from a YAML file; flags override it")
	f.StringVar(&createOpts.saveRequest, "save-request", "", "write the effective request, with defaults applied, to a YAML file for reuse with --file")

	return cmd
}()

func runCreate(cmd *cobra.Command, _ []string) error {
	req, err := buildRequest(cmd)
	if err != nil {
		return err
	}

	opts := vm.ProvisionOptions{}
	if !req.DryRun {
		fmt.Printf("Creating VM '%s' (%s) on %s\n", req.Name, req.Distro, conf.ConnectURI)
		opts.Progress = artifact.TerminalProgress(os.Stderr, 250*time.Millisecond)
	}

	result, err := vm.Provision(cmd.Context(), conf, *req, opts)
	if err != nil {
		var createErr *vm.CreateError
		if verbose && errors.As(err, &createErr) {
			for _, t := range createErr.History {
				log.Printf("  %s -> %s (%s) at %s", t.From, t.To, t.Reason, t.At.Format(time.RFC3339Nano))
			}
		}
		return fmt.Errorf("failed to create VM: %w", err)
	}

	if createOpts.saveRequest != "" {
		if err := loader.SaveToFile(&result.Plan.Request, createOpts.saveRequest); err != nil {
			return err
		}
		fmt.Printf("✓ Request saved to %s\n", createOpts.saveRequest)
	}

	if result.DryRun {
		result.Plan.Print(os.Stdout)
		return nil
	}

	plan := result.Plan
	fmt.Printf("✓ VM '%s' created successfully!\n", plan.Request.Name)
	if result.DiskReused {
		fmt.Printf("  Disk:     %s (reused)\n", plan.DiskPath)
	} else {
		fmt.Printf("  Disk:     %s\n", plan.DiskPath)
	}
	fmt.Printf("  Seed ISO: %s\n", plan.SeedISOPath)
	if result.ImageIntegrity != nil {
		fmt.Printf("  Warning:  %v\n", result.ImageIntegrity)
	}
	fmt.Printf("  Login:    %s@%s once cloud-init finishes\n", plan.Profile.LoginUser, plan.Request.Name)
	return nil
}

// buildRequest merges --file and the flags. Flags given explicitly win.
func buildRequest(cmd *cobra.Command) (*config.Request, error) {
	req := &config.Request{}
	if createOpts.file != "" {
		loaded, err := loader.LoadFromFile(createOpts.file, conf.Defaults)
		if err != nil {
			return nil, fmt.Errorf("failed to load request: %w", err)
		}
		req = loaded
	}

	f := cmd.Flags()
	if createOpts.file == "" || f.Changed("name") {
		req.Name = createOpts.name
	}
	if createOpts.file == "" || f.Changed("distro") {
		req.Distro = createOpts.distro
	}
	if f.Changed("vcpus") {
		req.VCPUs = createOpts.vcpus
	}
	if f.Changed("memory") {
		req.MemoryMiB = createOpts.memory
	}
	if f.Changed("disk") {
		req.DiskSizeGiB = config.DiskSize(createOpts.disk)
	}
	if f.Changed("ssh-key") {
		req.SSHKey = createOpts.sshKey
	}
	if f.Changed("graphics") {
		req.Graphics = createOpts.graphics
	}
	req.DryRun = createOpts.dryRun

	if req.Name == "" {
		return nil, fmt.Errorf("--name is required")
	}
	return req, nil
}
