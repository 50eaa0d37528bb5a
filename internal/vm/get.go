package vm

import (
	"context"
	"fmt"
	"log"

	kvmlibvirt "github.com/jbweber/kvm-install-vm/internal/libvirt"
	"github.com/jbweber/kvm-install-vm/internal/metadata"
	"github.com/jbweber/kvm-install-vm/internal/status"
)

// Details is a single domain with its storage and, for domains this tool
// created, the request that provisioned it.
type Details struct {
	DomainRecord `yaml:",inline"`

	DiskPaths    []string             `json:"diskPaths" yaml:"diskPaths"`
	Provisioning *metadata.Annotation `json:"provisioning,omitempty" yaml:"provisioning,omitempty"`
}

// Get describes one VM by name.
func Get(ctx context.Context, uri, vmName string) (*Details, error) {
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

	return getWithDeps(ctx, client.Libvirt(), vmName)
}

// getWithDeps describes a VM with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func getWithDeps(_ context.Context, lv libvirtClient, vmName string) (*Details, error) {
	domain, err := lookupDomain(lv, vmName)
	if err != nil {
		return nil, err
	}

	code, _, err := lv.DomainGetState(domain, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get domain state: %w", err)
	}

	var record DomainRecord
	if status.StateFromCode(code).IsActive() {
		record = activeRecord(lv, domain)
	} else {
		record = inactiveRecord(lv, domain)
	}

	domainXML, err := lv.DomainGetXMLDesc(domain, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get domain XML: %w", err)
	}
	paths, err := kvmlibvirt.DiskPaths(domainXML)
	if err != nil {
		return nil, err
	}

	details := &Details{DomainRecord: record, DiskPaths: paths}
	if metadata.Exists(lv, domain) {
		details.Provisioning, err = metadata.Load(lv, domain)
		if err != nil {
			log.Printf("Warning: failed to read provisioning metadata: %v", err)
		}
	}
	return details, nil
}
