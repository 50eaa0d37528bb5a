package vm

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"

	kvmlibvirt "github.com/jbweber/kvm-install-vm/internal/libvirt"
	"github.com/jbweber/kvm-install-vm/internal/status"
)

// DomainRecord is one domain as seen by the hypervisor.
type DomainRecord struct {
	Name string `json:"name" yaml:"name"`
	UUID string `json:"uuid" yaml:"uuid"`

	// ID is the runtime id. Inactive domains have none.
	ID *int32 `json:"id,omitempty" yaml:"id,omitempty"`

	Active    bool               `json:"active" yaml:"active"`
	State     status.DomainState `json:"state" yaml:"state"`
	VCPUs     uint16             `json:"vcpus,omitempty" yaml:"vcpus,omitempty"`
	MemoryMiB uint64             `json:"memoryMiB,omitempty" yaml:"memoryMiB,omitempty"`
}

// Filter selects records after the query. The zero Filter keeps all.
type Filter struct {
	RunningOnly  bool
	InactiveOnly bool
}

// Match reports whether r passes the filter.
func (f Filter) Match(r DomainRecord) bool {
	switch {
	case f.RunningOnly && !r.Active:
		return false
	case f.InactiveOnly && r.Active:
		return false
	}
	return true
}

// List lists VMs (both running and stopped) sorted by name.
func List(ctx context.Context, uri string, filter Filter) ([]DomainRecord, error) {
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

	return listWithDeps(ctx, client.Libvirt(), filter)
}

// listWithDeps lists VMs with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func listWithDeps(_ context.Context, lv libvirtClient, filter Filter) ([]DomainRecord, error) {
	// NeedResults: 1 means populate the domains slice
	active, _, err := lv.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active domains: %w", err)
	}
	inactive, _, err := lv.ConnectListAllDomains(1, libvirt.ConnectListDomainsInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive domains: %w", err)
	}

	records := make([]DomainRecord, 0, len(active)+len(inactive))
	for _, domain := range active {
		records = append(records, activeRecord(lv, domain))
	}
	for _, domain := range inactive {
		records = append(records, inactiveRecord(lv, domain))
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})

	vms := make([]DomainRecord, 0, len(records))
	for _, r := range records {
		if filter.Match(r) {
			vms = append(vms, r)
		}
	}
	return vms, nil
}

func activeRecord(lv libvirtClient, domain libvirt.Domain) DomainRecord {
	id := domain.ID
	r := DomainRecord{
		Name:   domain.Name,
		UUID:   uuid.UUID(domain.UUID).String(),
		ID:     &id,
		Active: true,
		State:  status.StateUnknown,
	}

	code, _, err := lv.DomainGetState(domain, 0)
	if err != nil {
		log.Printf("Warning: failed to get state for domain %s: %v", domain.Name, err)
	} else {
		r.State = status.StateFromCode(code)
	}

	// Stopped between the listing and the state query
	if r.State == status.StateOff {
		r.ID = nil
		r.Active = false
	}

	fillInfo(lv, domain, &r)
	return r
}

func inactiveRecord(lv libvirtClient, domain libvirt.Domain) DomainRecord {
	r := DomainRecord{
		Name:  domain.Name,
		UUID:  uuid.UUID(domain.UUID).String(),
		State: status.StateOff,
	}
	fillInfo(lv, domain, &r)
	return r
}

// fillInfo adds vcpu and memory figures when libvirt reports them.
func fillInfo(lv libvirtClient, domain libvirt.Domain, r *DomainRecord) {
	_, maxMem, memory, nrVirtCPU, _, err := lv.DomainGetInfo(domain)
	if err != nil {
		log.Printf("Warning: failed to get info for domain %s: %v", domain.Name, err)
		return
	}

	// Inactive domains report 0 current memory
	if memory == 0 {
		memory = maxMem
	}
	r.VCPUs = nrVirtCPU
	r.MemoryMiB = memory / 1024
}
