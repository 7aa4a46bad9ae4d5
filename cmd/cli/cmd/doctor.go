package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host networking substrate and report problems",
	Long: `Check that the host can run vm0 VMs and report inconsistencies.

It verifies:
  - ip, iptables, sysctl and ss are available
  - non-interactive sudo works (when not run as root)
  - a default route exists
  - bridge, TAP, allocation and proxy rule state, including orphans`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := m.doctor.Preflight(ctx); err != nil {
			fmt.Printf("✗ preflight: %v\n", err)
			return err
		}
		fmt.Println("✓ preflight: commands, sudo and default route OK")

		status, err := m.doctor.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to collect status: %w", err)
		}

		printStatus(status)

		if len(status.Orphans) > 0 {
			fmt.Printf("\n%d orphaned rule(s) found. Run 'vm0net reconcile' to repair.\n", len(status.Orphans))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
