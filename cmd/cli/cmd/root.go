package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vm0-ai/vm0-runner/internal/network"
)

var (
	runDir     string
	runnerName string
)

var rootCmd = &cobra.Command{
	Use:   "vm0net",
	Short: "vm0net - Inspect and repair vm0 host networking",
	Long: `vm0net manages the host-side VM networking substrate of a vm0 runner.

It provides commands to inspect the bridge, TAP devices, IP allocations and
proxy interception rules, and to reconcile persistent state with the kernel
after crashes. It operates on the host directly and needs root (or
non-interactive sudo).`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runDir, "run-dir",
		getEnvOrDefault("VM0_RUN_DIR", "/run/vm0"), "Runtime state directory")
	rootCmd.PersistentFlags().StringVar(&runnerName, "runner-name",
		getEnvOrDefault("VM0_RUNNER_NAME", defaultRunnerName()), "Runner identity for iptables rule tags")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func defaultRunnerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "default"
}

// managers wires up the networking components the way the runner daemon does.
type managers struct {
	run    network.Runner
	pool   *network.IPPool
	bridge *network.BridgeManager
	proxy  *network.ProxyManager
	taps   *network.TapManager
	doctor *network.Doctor
	tag    string
}

func newManagers() *managers {
	run := network.NewRunner()
	pool := network.NewIPPool(runDir)
	bridge := network.NewBridgeManager(run)
	proxy := network.NewProxyManager(run)
	return &managers{
		run:    run,
		pool:   pool,
		bridge: bridge,
		proxy:  proxy,
		taps:   network.NewTapManager(run, pool, proxy),
		doctor: network.NewDoctor(run, pool, bridge, proxy),
		tag:    network.RunnerTag(runnerName),
	}
}
