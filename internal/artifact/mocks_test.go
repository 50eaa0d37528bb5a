package artifact

import (
	"context"
	"fmt"
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

// progressRecorder captures progress callbacks.
type progressRecorder struct {
	mu      sync.Mutex
	updates [][2]int64
}

func (p *progressRecorder) record(done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, [2]int64{done, total})
}

func (p *progressRecorder) last() ([2]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.updates) == 0 {
		return [2]int64{}, fmt.Errorf("no progress reported")
	}
	return p.updates[len(p.updates)-1], nil
}
