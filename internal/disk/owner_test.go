package disk

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseQEMUConf(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantUser      string
		wantGroup     string
	}{
		{
			name: "basic config with quotes",
			configContent: `# QEMU configuration
user = "qemu"
group = "qemu"
`,
			wantUser:  "qemu",
			wantGroup: "qemu",
		},
		{
			name: "config with single quotes",
			configContent: `user = 'libvirt-qemu'
group = 'libvirt-qemu'
`,
			wantUser:  "libvirt-qemu",
			wantGroup: "libvirt-qemu",
		},
		{
			name: "commented defaults are ignored",
			configContent: `# user = "root"
user = "qemu"

#group = "root"
group = "kvm"
`,
			wantUser:  "qemu",
			wantGroup: "kvm",
		},
		{
			name: "no quotes",
			configContent: `user = qemu
group = qemu
`,
			wantUser:  "qemu",
			wantGroup: "qemu",
		},
		{
			name: "similar keys do not match",
			configContent: `user_xattr = 1
group_perms = "x"
dynamic_ownership = 1
`,
			wantUser:  "",
			wantGroup: "",
		},
		{
			name:          "empty config",
			configContent: "",
		},
		{
			name:          "only user specified",
			configContent: "user = \"qemu\"\n",
			wantUser:      "qemu",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotGroup := parseQEMUConf(strings.NewReader(tt.configContent))
			if gotUser != tt.wantUser {
				t.Errorf("user = %q, want %q", gotUser, tt.wantUser)
			}
			if gotGroup != tt.wantGroup {
				t.Errorf("group = %q, want %q", gotGroup, tt.wantGroup)
			}
		})
	}
}

func TestLookupQEMUOwner_MissingConf(t *testing.T) {
	owner, err := lookupQEMUOwner(filepath.Join(t.TempDir(), "qemu.conf"))
	if err != nil {
		// Fallback path: no qemu user on this host
		if owner.UID != 107 || owner.GID != 107 {
			t.Errorf("fallback owner = %+v, want 107:107", owner)
		}
		return
	}
	if owner.UID <= 0 {
		t.Errorf("UID = %d, want > 0", owner.UID)
	}
}

func TestQEMUOwnerCaching(t *testing.T) {
	o1, err1 := QEMUOwner()
	o2, err2 := QEMUOwner()

	if o1 != o2 {
		t.Errorf("owner changed between calls: %+v != %+v", o1, o2)
	}
	if (err1 == nil) != (err2 == nil) {
		t.Errorf("error status changed between calls: %v != %v", err1, err2)
	}
}

func TestChown_CurrentUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.qcow2")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	// Chown to ourselves always succeeds, even unprivileged
	owner := Owner{UID: os.Getuid(), GID: os.Getgid()}
	if err := Chown(owner, path); err != nil {
		t.Fatalf("Chown() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != FilePermissions {
		t.Errorf("mode = %v, want %v", info.Mode().Perm(), os.FileMode(FilePermissions))
	}
}
