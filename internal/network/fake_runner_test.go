package network

import (
	"context"
	"strings"
	"sync"
)

// fakeRunner records commands instead of touching the kernel. Defaults model
// an empty host: existence probes (ip link show, ip addr show) and iptables
// -C checks fail, everything else succeeds with empty output. Tests seed
// outs/errs keyed by the full command line.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outs    map[string]string
	errs    map[string]error
	missing map[string]bool // commands LookPath reports absent
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outs:    make(map[string]string),
		errs:    make(map[string]error),
		missing: make(map[string]bool),
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()

	if err, ok := f.errs[key]; ok {
		return "", err
	}
	if out, ok := f.outs[key]; ok {
		return out, nil
	}
	if strings.HasPrefix(key, "ip link show") || strings.HasPrefix(key, "ip addr show") ||
		strings.Contains(key, " -C ") {
		return "", newError("exec "+key, ErrCommandFailed, "does not exist", nil)
	}
	return "", nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.missing[name] {
		return "", newError("exec", ErrCommandMissing, name, nil)
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) called(substr string) bool {
	return f.countCalled(substr) > 0
}

func (f *fakeRunner) countCalled(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}
