package network

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
)

// commandTimeout bounds every host command. A wedged iptables invocation
// must not stall a VM create indefinitely.
const commandTimeout = 10 * time.Second

// Runner executes host network commands (ip, iptables, sysctl, ss).
// The concrete implementation shells out; tests substitute a fake.
type Runner interface {
	// Run executes a command and returns its combined output, trimmed.
	// A non-zero exit wraps ErrCommandFailed with the output as detail.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// LookPath reports whether a command is available on PATH.
	LookPath(name string) (string, error)
}

// hostRunner is the production Runner. When the process is not root it
// prefixes every command with "sudo -n" (the runner's documented privilege
// contract — non-interactive sudo must be configured).
type hostRunner struct {
	sudo bool
}

// NewRunner returns a Runner for the local host.
func NewRunner() Runner {
	return &hostRunner{sudo: os.Geteuid() != 0}
}

func (r *hostRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if r.sudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		metrics.CommandFailuresTotal.WithLabelValues(commandLabel(name, args)).Inc()
		return output, newError("exec "+name+" "+strings.Join(args, " "), ErrCommandFailed, output, err)
	}
	return output, nil
}

func (r *hostRunner) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", newError("exec", ErrCommandMissing, name, err)
	}
	return path, nil
}

// commandLabel keeps the metric cardinality down: the real command name,
// not the sudo wrapper.
func commandLabel(name string, args []string) string {
	if name == "sudo" && len(args) >= 2 {
		return args[1]
	}
	return name
}
