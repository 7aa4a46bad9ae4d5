package network

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/vm0-ai/vm0-runner/pkg/types"
)

// BridgeName is the single host bridge all VM TAPs are enslaved to.
const BridgeName = "vm0br0"

// BridgeAddr is the gateway address assigned to the bridge.
const BridgeAddr = GatewayIP + "/24"

// routeSentinel is a public address used only for route lookup, to discover
// which interface carries the default route. No traffic is sent to it.
const routeSentinel = "8.8.8.8"

// BridgeManager owns setup and introspection of the host bridge and the
// global NAT/forwarding rules that give guests egress.
type BridgeManager struct {
	run Runner
}

func NewBridgeManager(run Runner) *BridgeManager {
	return &BridgeManager{run: run}
}

// SetupBridge ensures vm0br0 exists with the gateway address, is UP, and
// that IP forwarding, the MASQUERADE rule, and the FORWARD accept pair are
// in place. Idempotent: safe to call on every runner start. The FORWARD
// rules are re-applied even when the bridge already exists — Docker or a
// reboot may have flushed the filter table underneath us.
func (b *BridgeManager) SetupBridge(ctx context.Context) error {
	if !b.bridgeExists(ctx) {
		if _, err := b.run.Run(ctx, "ip", "link", "add", BridgeName, "type", "bridge"); err != nil {
			return fmt.Errorf("create bridge %s: %w", BridgeName, err)
		}
		if _, err := b.run.Run(ctx, "ip", "addr", "add", BridgeAddr, "dev", BridgeName); err != nil {
			return fmt.Errorf("assign %s to %s: %w", BridgeAddr, BridgeName, err)
		}
		if _, err := b.run.Run(ctx, "ip", "link", "set", BridgeName, "up"); err != nil {
			return fmt.Errorf("bring up %s: %w", BridgeName, err)
		}
		if _, err := b.run.Run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
			return fmt.Errorf("enable ip_forward: %w", err)
		}
		log.Printf("bridge: created %s (%s)", BridgeName, BridgeAddr)
	}

	if !b.natRuleExists(ctx, "POSTROUTING", "-s", SubnetCIDR, "-j", "MASQUERADE") {
		if _, err := b.run.Run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING",
			"-s", SubnetCIDR, "-j", "MASQUERADE"); err != nil {
			return fmt.Errorf("add MASQUERADE for %s: %w", SubnetCIDR, err)
		}
		log.Printf("bridge: added MASQUERADE for %s", SubnetCIDR)
	}

	ext, err := b.DetectDefaultInterface(ctx)
	if err != nil {
		return err
	}

	// Insert (not append) so the accepts precede any default DROP policy rule.
	forwards := [][]string{
		{"-i", BridgeName, "-o", ext, "-j", "ACCEPT"},
		{"-i", ext, "-o", BridgeName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	}
	for _, rule := range forwards {
		if b.filterRuleExists(ctx, "FORWARD", rule...) {
			continue
		}
		args := append([]string{"-I", "FORWARD", "1"}, rule...)
		if _, err := b.run.Run(ctx, "iptables", args...); err != nil {
			return fmt.Errorf("insert FORWARD rule %v: %w", rule, err)
		}
	}

	return nil
}

// BridgeStatus reports the bridge as the kernel sees it. Read-only.
func (b *BridgeManager) BridgeStatus(ctx context.Context) (types.BridgeStatus, error) {
	out, err := b.run.Run(ctx, "ip", "addr", "show", BridgeName)
	if err != nil {
		// "does not exist" is a status, not an error.
		return types.BridgeStatus{Exists: false}, nil
	}

	status := types.BridgeStatus{Exists: true}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		for i, f := range fields {
			if f == "inet" && i+1 < len(fields) {
				status.IP = fields[i+1]
			}
		}
	}
	status.Up = strings.Contains(out, ",UP") || strings.Contains(out, "<UP")
	return status, nil
}

// DetectDefaultInterface resolves the route to a public sentinel address and
// returns the outgoing device. Hosts without a default route get a distinct
// error so preflight can report it instead of silently selecting nothing.
func (b *BridgeManager) DetectDefaultInterface(ctx context.Context) (string, error) {
	out, err := b.run.Run(ctx, "ip", "route", "get", routeSentinel)
	if err != nil {
		return "", newError("bridge.detect", ErrNoDefaultRoute, "", err)
	}
	fields := strings.Fields(out)
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", newError("bridge.detect", ErrNoDefaultRoute, out, nil)
}

func (b *BridgeManager) bridgeExists(ctx context.Context) bool {
	_, err := b.run.Run(ctx, "ip", "link", "show", BridgeName)
	return err == nil
}

// natRuleExists / filterRuleExists probe with iptables -C. A non-zero exit
// means "rule not present", which callers convert to "insert the rule".
func (b *BridgeManager) natRuleExists(ctx context.Context, chain string, rule ...string) bool {
	args := append([]string{"-t", "nat", "-C", chain}, rule...)
	_, err := b.run.Run(ctx, "iptables", args...)
	return err == nil
}

func (b *BridgeManager) filterRuleExists(ctx context.Context, chain string, rule ...string) bool {
	args := append([]string{"-C", chain}, rule...)
	_, err := b.run.Run(ctx, "iptables", args...)
	return err == nil
}
