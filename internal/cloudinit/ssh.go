package cloudinit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/jbweber/kvm-install-vm/internal/config"
	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// DefaultKeyNames are probed, in order, when no key is supplied.
var DefaultKeyNames = []string{"id_rsa.pub", "id_ed25519.pub", "id_dsa.pub"}

// DefaultSSHDir returns ~/.ssh.
func DefaultSSHDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".ssh"), nil
}

// FindSSHPublicKey returns the path of the first key in DefaultKeyNames
// that exists in sshDir.
func FindSSHPublicKey(sshDir string) (string, error) {
	probed := make([]string, 0, len(DefaultKeyNames))
	for _, name := range DefaultKeyNames {
		path := filepath.Join(sshDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		probed = append(probed, path)
	}

	return "", failure.NotFound("no SSH public key found (looked for %s); generate one with ssh-keygen or pass --ssh-key",
		strings.Join(probed, ", "))
}

// ReadSSHPublicKey reads and validates a public key file, returning the
// key as a single authorized_keys line.
func ReadSSHPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failure.NotFound("SSH public key %s does not exist", path)
		}
		return "", failure.Filesystem(err, "failed to read SSH public key %s", path)
	}

	key := strings.TrimSpace(string(data))
	if err := ValidateSSHPublicKey(key); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// ValidateSSHPublicKey checks that key parses as an authorized_keys line.
func ValidateSSHPublicKey(key string) error {
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return fmt.Errorf("invalid SSH public key: %w", err)
	}
	return nil
}

// ResolveSSHKey turns a --ssh-key value into key material. An empty value
// discovers a key in sshDir. A value that parses as a key is used as is.
// Anything else is read as a path.
func ResolveSSHKey(value, sshDir string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		path, err := FindSSHPublicKey(sshDir)
		if err != nil {
			return "", err
		}
		return ReadSSHPublicKey(path)
	}

	if ValidateSSHPublicKey(value) == nil {
		return value, nil
	}

	path, err := config.ExpandHome(value)
	if err != nil {
		return "", err
	}
	return ReadSSHPublicKey(path)
}
