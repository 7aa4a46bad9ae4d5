package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair drift between persistent state and the kernel",
	Long: `Reconcile persistent state with live kernel state:

  - remove proxy REDIRECT rules tagged with this runner
  - reclaim IP allocations whose TAP device is gone (30s grace)
  - flush the bridge ARP cache

This is what the runner does automatically at startup. Run it by hand after
a crash, or when doctor reports orphans.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		report, err := m.doctor.Reconcile(ctx, m.tag)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}

		fmt.Printf("reclaimed IPs: %d\n", len(report.ReclaimedIPs))
		for _, ip := range report.ReclaimedIPs {
			fmt.Printf("  %s\n", ip)
		}
		fmt.Printf("arp entries flushed: %d\n", report.ArpFlushed)
		fmt.Printf("proxy rules swept: %d\n", report.ProxyRulesSwept)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
