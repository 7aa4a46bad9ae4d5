package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vm0-ai/vm0-runner/internal/network"
)

var tapCmd = &cobra.Command{
	Use:   "tap",
	Short: "Manage per-VM TAP devices",
}

var tapCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Allocate an IP and create a TAP device for a VM",
	RunE: func(cmd *cobra.Command, args []string) error {
		vmID, _ := cmd.Flags().GetString("vm-id")
		if vmID == "" {
			vmID = uuid.NewString()
		}

		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		cfg, err := m.taps.CreateTap(ctx, vmID)
		if err != nil {
			// Creation is transactional for the caller: release whatever the
			// failed attempt allocated.
			if ip, ok, _ := m.pool.LookupByVMID(vmID); ok {
				m.taps.DeleteTap(ctx, network.TapName(vmID), ip)
			}
			return fmt.Errorf("tap create failed: %w", err)
		}

		fmt.Printf("vm:       %s\n", vmID)
		fmt.Printf("tap:      %s\n", cfg.TapDevice)
		fmt.Printf("mac:      %s\n", cfg.MacAddress)
		fmt.Printf("ip:       %s\n", cfg.GuestIP)
		fmt.Printf("gateway:  %s\n", cfg.GatewayIP)
		fmt.Printf("bootargs: %s\n", cfg.BootArgs())
		return nil
	},
}

var tapDeleteCmd = &cobra.Command{
	Use:   "delete <tap-name>",
	Short: "Delete a TAP device and release its IP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, _ := cmd.Flags().GetString("ip")

		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := m.taps.DeleteTap(ctx, args[0], ip); err != nil {
			return fmt.Errorf("tap delete failed: %w", err)
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func init() {
	tapCreateCmd.Flags().String("vm-id", "", "VM id (default: a new UUID)")
	tapDeleteCmd.Flags().String("ip", "", "Guest IP to release and scrub from the ARP cache")
	tapCmd.AddCommand(tapCreateCmd)
	tapCmd.AddCommand(tapDeleteCmd)
	rootCmd.AddCommand(tapCmd)
}
