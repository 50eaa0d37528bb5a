// Package command runs the external tools the pipeline delegates to
// (qemu-img, genisoimage, mkisofs).
package command

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/jbweber/kvm-install-vm/internal/failure"
)

// Runner executes external programs. Consumers depend on this interface
// so tests can substitute a fake.
type Runner interface {
	// Run executes name with args and returns its stdout. A non-zero exit
	// yields a failure.ErrExternalTool error carrying stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPath reports whether name is installed.
	LookPath(name string) (string, error)
}

// ExecRunner is the os/exec backed Runner.
type ExecRunner struct{}

// Run executes the command, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Printf("Executing: %s %s", name, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), failure.ExternalTool(err, stderr.String(), "%s %s", name, firstArg(args))
	}

	return stdout.Bytes(), nil
}

// LookPath wraps exec.LookPath.
func (ExecRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
