package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vm0-ai/vm0-runner/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show bridge, TAP, allocation and proxy rule state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		status, err := m.doctor.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect status: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		printStatus(status)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(status *types.NetworkStatus) {
	if status.Bridge.Exists {
		state := "DOWN"
		if status.Bridge.Up {
			state = "UP"
		}
		fmt.Printf("bridge: vm0br0 %s %s\n", status.Bridge.IP, state)
	} else {
		fmt.Println("bridge: absent")
	}

	fmt.Printf("taps: %d\n", len(status.Taps))
	for _, tap := range status.Taps {
		fmt.Printf("  %s\n", tap)
	}

	fmt.Printf("allocations: %d\n", len(status.Allocations))
	if len(status.Allocations) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  IP\tVM\tTAP\tAGE")
		for _, a := range status.Allocations {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				a.IP, a.VMID, a.TapDevice, time.Since(a.AllocatedAt).Round(time.Second))
		}
		w.Flush()
	}

	fmt.Printf("proxy rules: %d (%d orphaned)\n", len(status.ProxyRules), len(status.Orphans))
	for _, r := range status.ProxyRules {
		fmt.Printf("  %s dport %d -> :%d  %s\n", r.Source, r.DestPort, r.RedirectPort, r.Comment)
	}
}
