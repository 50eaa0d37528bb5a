package libvirt

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// OSVariantNamespace scopes the os-variant element recorded in domain
// metadata.
const OSVariantNamespace = "https://github.com/jbweber/kvm-install-vm/os/v1"

// DefaultNetwork is the libvirt network guests with graphics attach to.
const DefaultNetwork = "default"

// DomainSpec is everything needed to describe a guest to the hypervisor.
type DomainSpec struct {
	Name string

	// UUID is generated when empty.
	UUID string

	MemoryMiB int
	VCPUs     int

	// DiskPath is the guest's qcow2 overlay, attached as vda.
	DiskPath string

	// SeedISOPath is attached read-only as sda when set.
	SeedISOPath string

	// Graphics adds VNC and a video device and attaches the guest to
	// Network. Without graphics the guest gets user-mode networking.
	Graphics bool
	Network  string

	OSVariant string
}

func (s DomainSpec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("domain name is required")
	case s.DiskPath == "":
		return fmt.Errorf("disk path is required")
	case s.MemoryMiB <= 0:
		return fmt.Errorf("memory must be positive, got %d MiB", s.MemoryMiB)
	case s.VCPUs <= 0:
		return fmt.Errorf("vcpus must be positive, got %d", s.VCPUs)
	}
	if s.UUID != "" {
		if _, err := uuid.Parse(s.UUID); err != nil {
			return fmt.Errorf("invalid domain UUID %q: %w", s.UUID, err)
		}
	}
	return nil
}

func uintPtr(v uint) *uint { return &v }

// GenerateDomainXML generates libvirt domain XML from spec.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}

	id := spec.UUID
	if id == "" {
		id = uuid.NewString()
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: id,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMiB),
			Unit:  "MiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: uint(spec.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	if spec.OSVariant != "" {
		meta, err := osVariantMetadata(spec.OSVariant)
		if err != nil {
			return "", err
		}
		domain.Metadata = &libvirtxml.DomainMetadata{XML: meta}
	}

	// Boot disk: the guest's overlay
	domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "qcow2",
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: spec.DiskPath,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
	})

	// Seed ISO
	if spec.SeedISOPath != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: spec.SeedISOPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	if spec.Graphics {
		network := spec.Network
		if network == "" {
			network = DefaultNetwork
		}
		domain.Devices.Interfaces = []libvirtxml.DomainInterface{
			{
				Source: &libvirtxml.DomainInterfaceSource{
					Network: &libvirtxml.DomainInterfaceSourceNetwork{
						Network: network,
					},
				},
				Model: &libvirtxml.DomainInterfaceModel{
					Type: "virtio",
				},
			},
		}
		domain.Devices.Graphics = []libvirtxml.DomainGraphic{
			{
				VNC: &libvirtxml.DomainGraphicVNC{
					AutoPort: "yes",
				},
			},
		}
		domain.Devices.Videos = []libvirtxml.DomainVideo{
			{
				Model: libvirtxml.DomainVideoModel{
					Type: "virtio",
				},
			},
		}
	} else {
		domain.Devices.Interfaces = []libvirtxml.DomainInterface{
			{
				Source: &libvirtxml.DomainInterfaceSource{
					User: &libvirtxml.DomainInterfaceSourceUser{},
				},
				Model: &libvirtxml.DomainInterfaceModel{
					Type: "virtio",
				},
			},
		}
	}

	// Serial console, always present so `virsh console` works headless
	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: uintPtr(0),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return xml, nil
}

func osVariantMetadata(variant string) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`<os-variant xmlns="` + OSVariantNamespace + `">`)
	if err := xml.EscapeText(&buf, []byte(variant)); err != nil {
		return "", fmt.Errorf("failed to encode os variant: %w", err)
	}
	buf.WriteString(`</os-variant>`)
	return buf.String(), nil
}
