package network

import (
	"context"
	"fmt"
	"log"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
)

// TapConfig is everything the VMM needs to wire a guest: the host-side TAP,
// the guest NIC's MAC, and the addresses for the kernel ip= boot argument.
type TapConfig struct {
	TapDevice  string
	MacAddress string
	GuestIP    string
	GatewayIP  string
	SubnetMask string
}

// BootArgs renders the Linux ip= kernel argument that makes the guest
// auto-configure eth0 at boot.
func (c *TapConfig) BootArgs() string {
	return fmt.Sprintf("ip=%s::%s:%s:vm0-guest:eth0:off", c.GuestIP, c.GatewayIP, c.SubnetMask)
}

// TapName derives the TAP device name from a VM id: "tap" + the first 8
// characters. At most 11 bytes, safely under the kernel's 15-byte limit.
func TapName(vmID string) string {
	if len(vmID) > 8 {
		vmID = vmID[:8]
	}
	return "tap" + vmID
}

// GenerateMACAddress derives a stable MAC for a VM id: locally-administered
// prefix 02:00:00, then three bytes of a 31-polynomial rolling hash. The
// same VM id always gets the same MAC, so a restarted VM keeps its L2
// identity.
func GenerateMACAddress(vmID string) string {
	var h uint32
	for _, c := range []byte(vmID) {
		h = h*31 + uint32(c)
	}
	return fmt.Sprintf("02:00:00:%02x:%02x:%02x", byte(h>>16), byte(h>>8), byte(h))
}

// TapManager creates and destroys per-VM TAP devices on the bridge.
type TapManager struct {
	run   Runner
	pool  *IPPool
	proxy *ProxyManager
}

func NewTapManager(run Runner, pool *IPPool, proxy *ProxyManager) *TapManager {
	return &TapManager{run: run, pool: pool, proxy: proxy}
}

// CreateTap allocates an IP for vmID, creates the TAP, enslaves it to the
// bridge, and brings it up. On any failure after allocation the caller must
// call DeleteTap(TapName(vmID), ip) — the address is recoverable through
// LookupByVMID — to release it; CreateTap itself only removes the half-made
// TAP device.
func (t *TapManager) CreateTap(ctx context.Context, vmID string) (*TapConfig, error) {
	ip, err := t.pool.Allocate(vmID)
	if err != nil {
		return nil, err
	}

	// A previous VM may have held this address and left per-IP REDIRECT
	// rules behind. Clear them before the new guest starts emitting traffic.
	if n, err := t.proxy.ClearRulesForIP(ctx, ip); err != nil {
		log.Printf("tap: clearing stale rules for %s: %v", ip, err)
	} else if n > 0 {
		log.Printf("tap: cleared %d stale nat rules for %s", n, ip)
	}

	tapName := TapName(vmID)

	// A crashed prior creation can leave the device behind. Recreate rather
	// than reuse: its bridge/UP state is unknown.
	if t.tapExists(ctx, tapName) {
		log.Printf("tap: %s already exists, recreating", tapName)
		if _, err := t.run.Run(ctx, "ip", "link", "del", tapName); err != nil {
			return nil, fmt.Errorf("delete stale tap %s: %w", tapName, err)
		}
	}

	if _, err := t.run.Run(ctx, "ip", "tuntap", "add", tapName, "mode", "tap"); err != nil {
		return nil, fmt.Errorf("create tap %s: %w", tapName, err)
	}
	if _, err := t.run.Run(ctx, "ip", "link", "set", tapName, "master", BridgeName); err != nil {
		t.run.Run(ctx, "ip", "link", "del", tapName)
		return nil, fmt.Errorf("attach %s to %s: %w", tapName, BridgeName, err)
	}
	if _, err := t.run.Run(ctx, "ip", "link", "set", tapName, "up"); err != nil {
		t.run.Run(ctx, "ip", "link", "del", tapName)
		return nil, fmt.Errorf("bring up %s: %w", tapName, err)
	}

	metrics.TapsActive.Inc()
	log.Printf("tap: created %s for vm %s (ip=%s)", tapName, vmID, ip)

	return &TapConfig{
		TapDevice:  tapName,
		MacAddress: GenerateMACAddress(vmID),
		GuestIP:    ip,
		GatewayIP:  GatewayIP,
		SubnetMask: Netmask,
	}, nil
}

// DeleteTap removes the TAP, scrubs the bridge's ARP entry for the guest's
// address, and releases the IP. Every sub-step tolerates absence — teardown
// succeeds when the kernel already agrees — but the IP release is
// authoritative.
//
// The ARP scrub matters because addresses are recycled: without it the host
// keeps addressing frames to the dead VM's MAC until the ARP entry goes
// stale, blackholing the next VM that receives the same IP.
func (t *TapManager) DeleteTap(ctx context.Context, tapName, ip string) error {
	if t.tapExists(ctx, tapName) {
		if _, err := t.run.Run(ctx, "ip", "link", "del", tapName); err != nil {
			log.Printf("tap: delete %s: %v", tapName, err)
		} else {
			metrics.TapsActive.Dec()
		}
	}

	if ip == "" {
		return nil
	}

	if _, err := t.run.Run(ctx, "ip", "neigh", "del", ip, "dev", BridgeName); err == nil {
		log.Printf("tap: flushed arp entry for %s on %s", ip, BridgeName)
	}

	if err := t.pool.Release(ip); err != nil {
		return err
	}
	log.Printf("tap: deleted %s (ip=%s)", tapName, ip)
	return nil
}

func (t *TapManager) tapExists(ctx context.Context, tapName string) bool {
	_, err := t.run.Run(ctx, "ip", "link", "show", tapName)
	return err == nil
}
