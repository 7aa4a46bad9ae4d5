package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Manage the host bridge",
}

var bridgeUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create or repair the vm0br0 bridge, NAT and forwarding rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := m.bridge.SetupBridge(ctx); err != nil {
			return fmt.Errorf("bridge setup failed: %w", err)
		}

		status, err := m.bridge.BridgeStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("bridge vm0br0 ready (%s)\n", status.IP)
		return nil
	},
}

func init() {
	bridgeCmd.AddCommand(bridgeUpCmd)
	rootCmd.AddCommand(bridgeCmd)
}
