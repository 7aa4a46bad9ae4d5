package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage transparent proxy interception rules",
}

var proxySetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Redirect guest tcp/80 and tcp/443 to the local proxy port",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := m.proxy.SetupCIDRProxy(ctx, port, m.tag); err != nil {
			return fmt.Errorf("proxy setup failed: %w", err)
		}
		fmt.Printf("intercepting guest tcp/80,443 to :%d (tag %s)\n", port, m.tag)
		return nil
	},
}

var proxyCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove this runner's interception rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := newManagers()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		swept, err := m.proxy.CleanupOrphanedProxyRules(ctx, m.tag)
		if err != nil {
			return fmt.Errorf("proxy cleanup failed: %w", err)
		}
		fmt.Printf("removed %d rule(s) tagged %s\n", swept, m.tag)
		return nil
	},
}

func init() {
	proxySetupCmd.Flags().Int("port", 8100, "Local transparent proxy port")
	proxyCmd.AddCommand(proxySetupCmd)
	proxyCmd.AddCommand(proxyCleanupCmd)
	rootCmd.AddCommand(proxyCmd)
}
