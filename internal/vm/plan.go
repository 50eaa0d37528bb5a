package vm

import (
	"fmt"
	"io"

	"github.com/docker/go-units"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/cloudinit"
	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/disk"
	"github.com/jbweber/kvm-install-vm/internal/failure"
	"github.com/jbweber/kvm-install-vm/internal/libvirt"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

// Plan is everything a create will do, worked out without touching the
// network, the filesystem or the hypervisor.
type Plan struct {
	Request    config.Request
	Profile    config.DistroProfile
	ConnectURI string

	ImagePath   string
	ImageURL    string
	ImageCached bool

	VMRoot      string
	VMDir       string
	DiskPath    string
	DiskExists  bool
	SeedISOPath string

	UserData  string
	MetaData  string
	DomainXML string
}

// BuildPlan resolves req against cfg: the distro profile, the SSH key,
// every path, the seed documents and the domain description. It only
// reads. sshDir may be empty to use ~/.ssh.
//
// Zero sizing fields of req are filled from cfg.Defaults.
func BuildPlan(cfg *config.Config, req config.Request, sshDir string) (*Plan, error) {
	req.Normalize()
	req.ApplyDefaults(cfg.Defaults)
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	profile, err := cfg.Profile(req.Distro)
	if err != nil {
		return nil, err
	}

	if sshDir == "" {
		sshDir, err = cloudinit.DefaultSSHDir()
		if err != nil {
			return nil, err
		}
	}
	sshKey, err := cloudinit.ResolveSSHKey(req.SSHKey, sshDir)
	if err != nil {
		return nil, failure.AtStage(failure.StageRenderSeed, err)
	}

	d := cfg.Defaults
	images := artifact.NewStore(d.ImageDir)
	cached, err := images.Exists(profile)
	if err != nil {
		return nil, failure.AtStage(failure.StageAcquireImage, err)
	}

	plan := &Plan{
		Request:     req,
		Profile:     profile,
		ConnectURI:  cfg.ConnectURI,
		ImagePath:   images.Path(profile),
		ImageURL:    images.URL(profile),
		ImageCached: cached,
		VMRoot:      d.VMDir,
		VMDir:       naming.VMDir(d.VMDir, req.Name),
		DiskPath:    naming.DiskPath(d.VMDir, req.Name),
		SeedISOPath: naming.SeedISOPath(d.VMDir, req.Name),
	}

	plan.DiskExists, err = disk.Exists(plan.DiskPath)
	if err != nil {
		return nil, failure.AtStage(failure.StageComposeDisk, err)
	}

	plan.UserData, plan.MetaData, err = cloudinit.Render(cloudinit.Params{
		VMName:         req.Name,
		DNSDomain:      d.DNSDomain,
		SSHPublicKey:   sshKey,
		LoginUser:      profile.LoginUser,
		SudoGroup:      profile.SudoGroup,
		Timezone:       d.Timezone,
		DisableCommand: profile.DisableCloudInitCommand,
	})
	if err != nil {
		return nil, failure.AtStage(failure.StageRenderSeed, err)
	}

	plan.DomainXML, err = libvirt.GenerateDomainXML(libvirt.DomainSpec{
		Name:        req.Name,
		MemoryMiB:   req.MemoryMiB,
		VCPUs:       req.VCPUs,
		DiskPath:    plan.DiskPath,
		SeedISOPath: plan.SeedISOPath,
		Graphics:    req.Graphics,
		Network:     d.Network,
		OSVariant:   profile.OSVariant,
	})
	if err != nil {
		return nil, failure.AtStage(failure.StageDefineDomain, err)
	}

	return plan, nil
}

// Print writes a human-readable summary of the plan.
func (p *Plan) Print(w io.Writer) {
	image := "download from " + p.ImageURL
	if p.ImageCached {
		image = "cached"
	}
	diskAction := fmt.Sprintf("create %dGiB overlay", p.Request.DiskGiB())
	if p.Request.DiskGiB() == 0 {
		diskAction = "create overlay at the base image size"
	}
	if p.DiskExists {
		diskAction = "reuse existing disk"
	}

	_, _ = fmt.Fprintf(w, "Plan for VM '%s':\n", p.Request.Name)
	_, _ = fmt.Fprintf(w, "  Connection:  %s\n", p.ConnectURI)
	_, _ = fmt.Fprintf(w, "  Distro:      %s (%s)\n", p.Profile.ID, p.Profile.OSVariant)
	_, _ = fmt.Fprintf(w, "  Base image:  %s [%s]\n", p.ImagePath, image)
	_, _ = fmt.Fprintf(w, "  Disk:        %s [%s]\n", p.DiskPath, diskAction)
	_, _ = fmt.Fprintf(w, "  Seed ISO:    %s\n", p.SeedISOPath)
	_, _ = fmt.Fprintf(w, "  Resources:   %d vCPU, %s memory\n", p.Request.VCPUs, units.BytesSize(float64(p.Request.MemoryMiB)*units.MiB))
	_, _ = fmt.Fprintf(w, "  Graphics:    %t\n", p.Request.Graphics)
	_, _ = fmt.Fprintf(w, "  Login user:  %s\n", p.Profile.LoginUser)
	_, _ = fmt.Fprintf(w, "\n--- meta-data ---\n%s", p.MetaData)
	_, _ = fmt.Fprintf(w, "\n--- user-data ---\n%s", p.UserData)
	_, _ = fmt.Fprintf(w, "\n--- domain XML ---\n%s\n", p.DomainXML)
}
