package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kvm-install-vm/internal/artifact"
	"github.com/jbweber/kvm-install-vm/internal/cloudinit"
	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/disk"
	"github.com/jbweber/kvm-install-vm/internal/naming"
)

// mockLibvirtClient is a mock implementation of the libvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainLookupByNameFunc    func(name string) (libvirt.Domain, error)
	domainDefineXMLFunc       func(xml string) (libvirt.Domain, error)
	domainCreateFunc          func(dom libvirt.Domain) error
	domainGetStateFunc        func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	domainGetInfoFunc         func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	domainGetXMLDescFunc      func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	domainShutdownFunc        func(dom libvirt.Domain) error
	domainDestroyFunc         func(dom libvirt.Domain) error
	domainUndefineFlagsFunc   func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	connectListAllDomainsFunc func(flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, error)
	domainSetMetadataFunc     func(dom libvirt.Domain, metadata string) error

	// Stored metadata, keyed by domain name
	metadata map[string]string

	// Call tracking
	domainLookupByNameCalls    []string
	domainDefineXMLCalls       []string
	domainCreateCalls          []libvirt.Domain
	domainGetStateCalls        []libvirt.Domain
	domainGetXMLDescCalls      []libvirt.Domain
	domainShutdownCalls        []libvirt.Domain
	domainDestroyCalls         []libvirt.Domain
	domainUndefineFlagsCalls   []libvirt.DomainUndefineFlagsValues
	connectListAllDomainsCalls []libvirt.ConnectListAllDomainsFlags
	domainSetMetadataCalls     []libvirt.Domain
	domainSetMetadataFlags     []libvirt.DomainModificationImpact

	// order records every mutating call, in sequence
	order []string
}

// errNoDomain is the error libvirt returns for an unknown domain name.
func errNoDomain(name string) error {
	return libvirt.Error{
		Code:    uint32(libvirt.ErrNoDomain),
		Message: fmt.Sprintf("Domain not found: no domain with matching name '%s'", name),
	}
}

// newMockLibvirtClient creates a new mock libvirt client with default behavior.
func newMockLibvirtClient() *mockLibvirtClient {
	m := &mockLibvirtClient{metadata: map[string]string{}}

	// Default: VM exists while it is defined and not yet undefined
	m.domainLookupByNameFunc = func(name string) (libvirt.Domain, error) {
		if len(m.domainDefineXMLCalls) > len(m.domainUndefineFlagsCalls) {
			return libvirt.Domain{Name: name, ID: 1}, nil
		}
		return libvirt.Domain{}, errNoDomain(name)
	}

	// Default: define succeeds
	m.domainDefineXMLFunc = func(xml string) (libvirt.Domain, error) {
		return libvirt.Domain{Name: "test-vm", ID: -1}, nil
	}

	m.domainCreateFunc = func(dom libvirt.Domain) error {
		return nil
	}

	// Default: domain state is running
	m.domainGetStateFunc = func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
		return int32(libvirt.DomainRunning), 1, nil
	}

	// Default: 2 vcpus, 2048MiB
	m.domainGetInfoFunc = func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
		return 1, 2048 * 1024, 2048 * 1024, 2, 0, nil
	}

	m.domainGetXMLDescFunc = func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
		return domainXMLWithDisks("/var/lib/libvirt/images/test-vm/test-vm.qcow2"), nil
	}

	m.domainShutdownFunc = func(dom libvirt.Domain) error {
		return nil
	}

	m.domainDestroyFunc = func(dom libvirt.Domain) error {
		return nil
	}

	m.domainUndefineFlagsFunc = func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
		return nil
	}

	// Default: no domains
	m.connectListAllDomainsFunc = func(flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, error) {
		return nil, nil
	}

	m.domainSetMetadataFunc = func(dom libvirt.Domain, metadata string) error {
		return nil
	}

	return m
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainLookupByNameCalls = append(m.domainLookupByNameCalls, name)
	return m.domainLookupByNameFunc(name)
}

func (m *mockLibvirtClient) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDefineXMLCalls = append(m.domainDefineXMLCalls, xml)
	m.order = append(m.order, "define")
	return m.domainDefineXMLFunc(xml)
}

func (m *mockLibvirtClient) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainCreateCalls = append(m.domainCreateCalls, dom)
	m.order = append(m.order, "create")
	return m.domainCreateFunc(dom)
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainGetStateCalls = append(m.domainGetStateCalls, dom)
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetInfoFunc(dom)
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainGetXMLDescCalls = append(m.domainGetXMLDescCalls, dom)
	m.order = append(m.order, "getxml")
	return m.domainGetXMLDescFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainShutdownCalls = append(m.domainShutdownCalls, dom)
	m.order = append(m.order, "shutdown")
	return m.domainShutdownFunc(dom)
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	m.order = append(m.order, "destroy")
	return m.domainDestroyFunc(dom)
}

func (m *mockLibvirtClient) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainUndefineFlagsCalls = append(m.domainUndefineFlagsCalls, flags)
	m.order = append(m.order, "undefine")
	return m.domainUndefineFlagsFunc(dom, flags)
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectListAllDomainsCalls = append(m.connectListAllDomainsCalls, flags)
	domains, err := m.connectListAllDomainsFunc(flags)
	return domains, uint32(len(domains)), err
}

func (m *mockLibvirtClient) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domainSetMetadataCalls = append(m.domainSetMetadataCalls, dom)
	m.domainSetMetadataFlags = append(m.domainSetMetadataFlags, flags)
	m.order = append(m.order, "metadata")
	var value string
	if len(metadata) > 0 {
		value = metadata[0]
	}
	if err := m.domainSetMetadataFunc(dom, value); err != nil {
		return err
	}
	m.metadata[dom.Name] = value
	return nil
}

func (m *mockLibvirtClient) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.metadata[dom.Name]
	if !ok {
		return "", fmt.Errorf("Requested metadata element is not present")
	}
	return value, nil
}

// calls returns the mutating calls made so far.
func (m *mockLibvirtClient) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// domainXMLWithDisks returns a minimal domain description with one file
// disk per path.
func domainXMLWithDisks(paths ...string) string {
	xml := "<domain type='kvm'><name>test-vm</name><devices>"
	for i, p := range paths {
		xml += fmt.Sprintf("<disk type='file' device='disk'><source file='%s'/><target dev='vd%c' bus='virtio'/></disk>", p, 'a'+i)
	}
	return xml + "</devices></domain>"
}

// mockImageStore is a mock implementation of the imageStore interface for testing.
type mockImageStore struct {
	mu sync.Mutex

	ensureFunc func(ctx context.Context, p config.DistroProfile) (artifact.AcquiredImage, error)

	ensureCalls []string
}

func newMockImageStore(dir string) *mockImageStore {
	return &mockImageStore{
		// Default: image is cached
		ensureFunc: func(ctx context.Context, p config.DistroProfile) (artifact.AcquiredImage, error) {
			return artifact.AcquiredImage{Path: naming.ImagePath(dir, p.BaseImageFilename), Size: 1024}, nil
		},
	}
}

func (m *mockImageStore) Ensure(ctx context.Context, p config.DistroProfile) (artifact.AcquiredImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCalls = append(m.ensureCalls, p.ID)
	return m.ensureFunc(ctx, p)
}

// mockDiskComposer is a mock implementation of the diskComposer interface for testing.
type mockDiskComposer struct {
	mu sync.Mutex

	composeFunc func(ctx context.Context, base, targetDir, vmName string, sizeGiB int) (disk.VMDisk, error)

	composeCalls []string
}

func newMockDiskComposer() *mockDiskComposer {
	return &mockDiskComposer{
		// Default: write an empty overlay so a rerun sees it
		composeFunc: func(ctx context.Context, base, targetDir, vmName string, sizeGiB int) (disk.VMDisk, error) {
			path := naming.DiskPath(targetDir, vmName)
			if err := writeEmpty(path); err != nil {
				return disk.VMDisk{}, err
			}
			return disk.VMDisk{Path: path, BackingImagePath: base, SizeGiB: sizeGiB}, nil
		},
	}
}

func (m *mockDiskComposer) Compose(ctx context.Context, base, targetDir, vmName string, sizeGiB int) (disk.VMDisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.composeCalls = append(m.composeCalls, vmName)
	return m.composeFunc(ctx, base, targetDir, vmName, sizeGiB)
}

// mockSeedPackager is a mock implementation of the seedPackager interface for testing.
type mockSeedPackager struct {
	mu sync.Mutex

	packageFunc func(ctx context.Context, dir, vmName, userData, metaData string) (cloudinit.SeedImage, error)

	packageCalls []string
}

func newMockSeedPackager() *mockSeedPackager {
	return &mockSeedPackager{
		packageFunc: func(ctx context.Context, dir, vmName, userData, metaData string) (cloudinit.SeedImage, error) {
			path := filepath.Join(dir, naming.SeedISOName(vmName))
			if err := writeEmpty(path); err != nil {
				return cloudinit.SeedImage{}, err
			}
			return cloudinit.SeedImage{Path: path}, nil
		},
	}
}

func (m *mockSeedPackager) Package(ctx context.Context, dir, vmName, userData, metaData string) (cloudinit.SeedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packageCalls = append(m.packageCalls, vmName)
	return m.packageFunc(ctx, dir, vmName, userData, metaData)
}

// writeEmpty creates an empty file, and its directory if needed.
func writeEmpty(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}
