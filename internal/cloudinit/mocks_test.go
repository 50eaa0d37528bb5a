package cloudinit

import (
	"context"
	"os/exec"
	"strings"
	"sync"
)

// mockRunner is a mock implementation of command.Runner for testing.
type mockRunner struct {
	mu sync.Mutex

	runFunc      func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPathFunc func(name string) (string, error)

	runCalls []string
}

func (m *mockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.runCalls = append(m.runCalls, name+" "+strings.Join(args, " "))
	m.mu.Unlock()

	if m.runFunc != nil {
		return m.runFunc(ctx, name, args...)
	}
	return nil, nil
}

func (m *mockRunner) LookPath(name string) (string, error) {
	if m.lookPathFunc != nil {
		return m.lookPathFunc(name)
	}
	return "/usr/bin/" + name, nil
}

func (m *mockRunner) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runCalls...)
}

// onlyTools returns a lookPathFunc that finds just the named tools.
func onlyTools(tools ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, tool := range tools {
			if tool == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}
