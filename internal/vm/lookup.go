package vm

import (
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// lookupDomain finds a domain by name. Only libvirt's no-domain error
// means the domain is absent (ErrNotFound); any other lookup failure is
// reported as ErrNotConnected so it is never mistaken for a free name.
func lookupDomain(lv libvirtClient, name string) (libvirt.Domain, error) {
	domain, err := lv.DomainLookupByName(name)
	if err == nil {
		return domain, nil
	}
	if libvirt.IsNotFound(err) {
		return libvirt.Domain{}, fmt.Errorf("%w: %v", failure.NotFound("VM '%s' not found", name), err)
	}
	return libvirt.Domain{}, failure.NotConnected(err, "failed to look up domain '%s'", name)
}

// ensureAbsent fails with ErrPrecondition when name is already defined.
func ensureAbsent(lv libvirtClient, name string) error {
	_, err := lookupDomain(lv, name)
	switch {
	case err == nil:
		return failure.Precondition("VM '%s' already exists", name)
	case errors.Is(err, failure.ErrNotFound):
		return nil
	default:
		return err
	}
}
