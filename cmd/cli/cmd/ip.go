package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vm0-ai/vm0-runner/internal/network"
)

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "Inspect the IP pool",
}

var ipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current IP allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := network.NewIPPool(runDir)
		snapshot, err := pool.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to read registry: %w", err)
		}

		if len(snapshot) == 0 {
			fmt.Println("No allocations")
			return nil
		}

		ips := make([]string, 0, len(snapshot))
		for ip := range snapshot {
			ips = append(ips, ip)
		}
		sort.Strings(ips)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tVM\tTAP\tALLOCATED")
		for _, ip := range ips {
			a := snapshot[ip]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ip, a.VMID, a.TapDevice, a.AllocatedAt.Format(time.RFC3339))
		}
		w.Flush()

		fmt.Printf("\n%d/%d allocated\n", len(snapshot), network.PoolCapacity)
		return nil
	},
}

var ipReleaseCmd = &cobra.Command{
	Use:   "release <ip>",
	Short: "Release an allocation by address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := network.NewIPPool(runDir)
		if err := pool.Release(args[0]); err != nil {
			return fmt.Errorf("release failed: %w", err)
		}
		fmt.Printf("released %s\n", args[0])
		return nil
	},
}

func init() {
	ipCmd.AddCommand(ipListCmd)
	ipCmd.AddCommand(ipReleaseCmd)
	rootCmd.AddCommand(ipCmd)
}
