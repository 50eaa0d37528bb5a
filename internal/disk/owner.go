package disk

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// QEMUConfPath is where the system daemon's qemu user is configured.
const QEMUConfPath = "/etc/libvirt/qemu.conf"

// Owner is the uid/gid the system daemon runs guests as.
type Owner struct {
	UID int
	GID int
}

var (
	qemuOwner     Owner
	qemuOwnerErr  error
	qemuOwnerOnce sync.Once
)

// QEMUOwner returns the user and group QEMU runs as under qemu:///system.
// It tries, in order:
//  1. the user/group configured in /etc/libvirt/qemu.conf
//  2. the common user names (qemu, libvirt-qemu)
//  3. uid/gid 107 (Fedora/RHEL default), reported with an error
//
// The result is cached after the first call.
func QEMUOwner() (Owner, error) {
	qemuOwnerOnce.Do(func() {
		qemuOwner, qemuOwnerErr = lookupQEMUOwner(QEMUConfPath)
	})
	return qemuOwner, qemuOwnerErr
}

func lookupQEMUOwner(confPath string) (Owner, error) {
	var username, groupname string
	if f, err := os.Open(confPath); err == nil {
		username, groupname = parseQEMUConf(f)
		_ = f.Close()
	}

	if username != "" {
		if u, err := user.Lookup(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := user.LookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return toOwner(u.Uid, gid)
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := user.Lookup(name); err == nil {
			return toOwner(u.Uid, u.Gid)
		}
	}

	return Owner{UID: 107, GID: 107}, fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// parseQEMUConf extracts the user and group settings from qemu.conf
// content. Missing settings are returned as empty strings.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}

func toOwner(uid, gid string) (Owner, error) {
	u, err := strconv.Atoi(uid)
	if err != nil {
		return Owner{}, fmt.Errorf("invalid UID %q: %w", uid, err)
	}
	g, err := strconv.Atoi(gid)
	if err != nil {
		return Owner{}, fmt.Errorf("invalid GID %q: %w", gid, err)
	}
	return Owner{UID: u, GID: g}, nil
}

// Chown hands each path to owner so the system daemon's qemu process can
// open it.
func Chown(owner Owner, paths ...string) error {
	for _, path := range paths {
		if err := os.Chown(path, owner.UID, owner.GID); err != nil {
			return failure.Filesystem(err, "failed to set ownership on %s", path)
		}
		if err := os.Chmod(path, FilePermissions); err != nil {
			return failure.Filesystem(err, "failed to set permissions on %s", path)
		}
	}
	return nil
}

// ChownForSystem applies QEMUOwner to paths, logging rather than failing
// when the owner had to be guessed.
func ChownForSystem(paths ...string) error {
	owner, err := QEMUOwner()
	if err != nil {
		log.Printf("Warning: %v", err)
	}
	return Chown(owner, paths...)
}
