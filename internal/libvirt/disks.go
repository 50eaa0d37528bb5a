package libvirt

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DiskPaths returns the file backing every disk device in a domain's
// XML description, cdroms included, in document order. Disks backed by
// anything other than a plain file are skipped.
func DiskPaths(domainXML string) ([]string, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Devices == nil {
		return nil, nil
	}

	var paths []string
	for _, disk := range domain.Devices.Disks {
		if disk.Source == nil || disk.Source.File == nil || disk.Source.File.File == "" {
			continue
		}
		paths = append(paths, disk.Source.File.File)
	}
	return paths, nil
}
