package config

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// Config is the tool-wide configuration: the hypervisor endpoint, the
// defaults applied to provisioning requests, and the known distros.
type Config struct {
	// ConnectURI is the hypervisor endpoint threaded through every
	// operation. Only local qemu URIs are supported.
	ConnectURI string                   `yaml:"connect_uri" toml:"connect_uri"`
	Defaults   Defaults                 `yaml:"defaults" toml:"defaults"`
	Distros    map[string]DistroProfile `yaml:"distros" toml:"distros"`
}

// Defaults holds values used when a request omits them, plus the
// directories shared by all VMs.
type Defaults struct {
	MemoryMB   int    `yaml:"memory_mb" toml:"memory_mb"`
	VCPUs      int    `yaml:"vcpus" toml:"vcpus"`
	DiskSizeGB int    `yaml:"disk_size_gb" toml:"disk_size_gb"`
	ImageDir   string `yaml:"image_dir" toml:"image_dir"`
	VMDir      string `yaml:"vm_dir" toml:"vm_dir"`
	DNSDomain  string `yaml:"dns_domain" toml:"dns_domain"`
	Timezone   string `yaml:"timezone" toml:"timezone"`
	Network    string `yaml:"network,omitempty" toml:"network,omitempty"`

	// BuiltinISO masters seed ISOs in-process when neither genisoimage
	// nor mkisofs is installed.
	BuiltinISO bool `yaml:"builtin_iso,omitempty" toml:"builtin_iso,omitempty"`

	// ShutdownTimeout bounds the graceful shutdown wait during destroy.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`
}

// DistroProfile describes one downloadable cloud image and how to
// provision a guest booted from it. Profiles are read-only once loaded.
type DistroProfile struct {
	ID                      string `yaml:"-" toml:"-"`
	BaseImageFilename       string `yaml:"qcow_filename" toml:"qcow_filename"`
	SourceURLPrefix         string `yaml:"image_url" toml:"image_url"`
	OSVariant               string `yaml:"os_variant" toml:"os_variant"`
	LoginUser               string `yaml:"login_user" toml:"login_user"`
	SudoGroup               string `yaml:"sudo_group" toml:"sudo_group"`
	DisableCloudInitCommand string `yaml:"cloud_init_disable" toml:"cloud_init_disable"`
}

// Request is a single provisioning request. It is built once per
// invocation and never mutated after validation.
type Request struct {
	Name        string `yaml:"name" json:"name"`
	Distro      string `yaml:"distro" json:"distro"`
	VCPUs       int    `yaml:"vcpus" json:"vcpus"`
	MemoryMiB   int    `yaml:"memory_mib" json:"memoryMiB"`
	DiskSizeGiB *int   `yaml:"disk_size_gib,omitempty" json:"diskSizeGiB,omitempty"`
	Graphics    bool   `yaml:"graphics,omitempty" json:"graphics,omitempty"`
	DryRun      bool   `yaml:"-" json:"-"`

	// SSHKey is either a path to a public key file or the key itself.
	// Empty means discover one under ~/.ssh.
	SSHKey string `yaml:"ssh_key,omitempty" json:"sshKey,omitempty"`
}

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Normalize lowercases the name and distro id.
func (r *Request) Normalize() {
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	r.Distro = strings.ToLower(strings.TrimSpace(r.Distro))
	r.SSHKey = strings.TrimSpace(r.SSHKey)
}

// ApplyDefaults fills sizing fields left unset from d. VCPUs and
// MemoryMiB are unset when zero, DiskSizeGiB when nil.
func (r *Request) ApplyDefaults(d Defaults) {
	if r.VCPUs == 0 {
		r.VCPUs = d.VCPUs
	}
	if r.MemoryMiB == 0 {
		r.MemoryMiB = d.MemoryMB
	}
	if r.DiskSizeGiB == nil {
		r.DiskSizeGiB = DiskSize(d.DiskSizeGB)
	}
}

// DiskSize returns a disk size for Request.DiskSizeGiB. A nil size takes
// the configured default; 0 keeps the base image's size.
func DiskSize(gib int) *int {
	return &gib
}

// DiskGiB returns the requested overlay size, 0 when none was set.
func (r *Request) DiskGiB() int {
	if r.DiskSizeGiB == nil {
		return 0
	}
	return *r.DiskSizeGiB
}

// Validate checks the request structure. It does not check that the
// distro exists; see Config.Profile.
func (r *Request) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !dnsLabel.MatchString(r.Name) {
		return fmt.Errorf("name must be a DNS label (lowercase alphanumerics and hyphens, at most 63 characters, no leading or trailing hyphen), got %q", r.Name)
	}
	if r.Distro == "" {
		return fmt.Errorf("distro is required")
	}
	if r.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", r.VCPUs)
	}
	if r.MemoryMiB <= 0 {
		return fmt.Errorf("memory_mib must be > 0, got %d", r.MemoryMiB)
	}
	if r.DiskSizeGiB != nil && *r.DiskSizeGiB < 0 {
		return fmt.Errorf("disk_size_gib must be >= 0, got %d", *r.DiskSizeGiB)
	}
	return nil
}

// Profile returns the distro profile registered under id.
func (c *Config) Profile(id string) (DistroProfile, error) {
	p, ok := c.Distros[id]
	if !ok {
		return DistroProfile{}, failure.NotFound("distro %q is not configured (available: %s)", id, strings.Join(c.DistroIDs(), ", "))
	}
	p.ID = id
	return p, nil
}

// DistroIDs returns the configured distro ids in sorted order.
func (c *Config) DistroIDs() []string {
	ids := make([]string, 0, len(c.Distros))
	for id := range c.Distros {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validateConnectURI(c.ConnectURI); err != nil {
		return fmt.Errorf("connect_uri: %w", err)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	if len(c.Distros) == 0 {
		return fmt.Errorf("at least one distro is required")
	}
	for _, id := range c.DistroIDs() {
		p := c.Distros[id]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("distros.%s: %w", id, err)
		}
	}
	return nil
}

// Validate checks the defaults section.
func (d *Defaults) Validate() error {
	if d.MemoryMB <= 0 {
		return fmt.Errorf("memory_mb must be > 0, got %d", d.MemoryMB)
	}
	if d.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", d.VCPUs)
	}
	if d.DiskSizeGB < 0 {
		return fmt.Errorf("disk_size_gb must be >= 0, got %d", d.DiskSizeGB)
	}
	if d.ImageDir == "" {
		return fmt.Errorf("image_dir is required")
	}
	if d.VMDir == "" {
		return fmt.Errorf("vm_dir is required")
	}
	if d.DNSDomain == "" {
		return fmt.Errorf("dns_domain is required")
	}
	if d.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", d.ShutdownTimeout)
	}
	return nil
}

// Validate checks a single distro profile.
func (p *DistroProfile) Validate() error {
	if p.BaseImageFilename == "" {
		return fmt.Errorf("qcow_filename is required")
	}
	if strings.ContainsRune(p.BaseImageFilename, '/') {
		return fmt.Errorf("qcow_filename must be a bare filename, got %q", p.BaseImageFilename)
	}
	if p.SourceURLPrefix == "" {
		return fmt.Errorf("image_url is required")
	}
	u, err := url.Parse(p.SourceURLPrefix)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("image_url must be an http(s) URL, got %q", p.SourceURLPrefix)
	}
	if p.LoginUser == "" {
		return fmt.Errorf("login_user is required")
	}
	if p.SudoGroup == "" {
		return fmt.Errorf("sudo_group is required")
	}
	return nil
}

func validateConnectURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URI %q: %w", uri, err)
	}
	if u.Scheme != "qemu" && u.Scheme != "qemu+unix" {
		return fmt.Errorf("only local qemu URIs are supported, got %q", uri)
	}
	if u.Path != "/session" && u.Path != "/system" {
		return fmt.Errorf("URI path must be /session or /system, got %q", uri)
	}
	return nil
}
