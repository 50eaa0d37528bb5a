// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management for local qemu URIs (connect, disconnect, ping)
//   - Domain XML generation from a DomainSpec
//   - Disk path extraction from a defined domain's XML
//
// Connection Management:
//
// Connections are made over the UNIX socket serving the URI. The
// per-user session daemon is the default:
//
//	client, err := libvirt.Connect(libvirt.DefaultURI, 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// The system daemon is reached with libvirt.SystemURI, and a socket can
// be named explicitly with qemu:///system?socket=/path/to/sock.
//
// Domain XML Generation:
//
//	xml, err := libvirt.GenerateDomainXML(libvirt.DomainSpec{
//	    Name:        "demo",
//	    MemoryMiB:   1024,
//	    VCPUs:       1,
//	    DiskPath:    "/home/me/virt/vms/demo/demo.qcow2",
//	    SeedISOPath: "/home/me/virt/vms/demo/demo-cidata.iso",
//	})
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers (internal/vm,
// internal/metadata) define their own libvirt client interfaces
// specifying only the operations they need. The *libvirt.Libvirt type
// satisfies these interfaces implicitly.
package libvirt
