package network

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
	"github.com/vm0-ai/vm0-runner/pkg/types"
)

// allocationGracePeriod protects registry rows whose TAP is still being set
// up: Allocate persists the row seconds before CreateTap makes the device
// visible, and a reconciliation landing in that window must not reclaim the
// address.
const allocationGracePeriod = 30 * time.Second

// tapNamePattern matches the devices this substrate owns on the bridge.
var tapNamePattern = regexp.MustCompile(`^tap[0-9a-f]+$`)

// requiredCommands is the external wire contract: the host utilities every
// operation shells out to.
var requiredCommands = []string{"ip", "iptables", "sysctl", "ss"}

// Doctor reconciles persistent state with live kernel state. It runs at
// runner startup — before any Allocate, per the caller contract — and on
// operator demand via the CLI or the admin API.
type Doctor struct {
	run    Runner
	pool   *IPPool
	bridge *BridgeManager
	proxy  *ProxyManager

	now func() time.Time // overridable in tests
}

func NewDoctor(run Runner, pool *IPPool, bridge *BridgeManager, proxy *ProxyManager) *Doctor {
	return &Doctor{run: run, pool: pool, bridge: bridge, proxy: proxy, now: time.Now}
}

// Preflight verifies the host can support the substrate: the external
// commands exist, non-interactive sudo works when we are not root, and a
// default route is present. Reported failures name the missing piece rather
// than failing opaquely later.
func (d *Doctor) Preflight(ctx context.Context) error {
	var missing []string
	for _, cmd := range requiredCommands {
		if _, err := d.run.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}
	if len(missing) > 0 {
		return newError("doctor.preflight", ErrCommandMissing, strings.Join(missing, ", "), nil)
	}

	if os.Geteuid() != 0 {
		if _, err := d.run.Run(ctx, "true"); err != nil {
			return fmt.Errorf("doctor: non-interactive sudo unavailable: %w", err)
		}
	}

	if _, err := d.bridge.DetectDefaultInterface(ctx); err != nil {
		return err
	}
	return nil
}

// CleanupOrphanedAllocations drops registry rows whose TAP no longer exists
// on the bridge, unless the row is younger than the grace period. Returns
// the reclaimed addresses.
func (d *Doctor) CleanupOrphanedAllocations(ctx context.Context) ([]string, error) {
	taps, err := d.bridgeTaps(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(taps))
	for _, t := range taps {
		present[t] = true
	}

	cutoff := d.now().Add(-allocationGracePeriod)
	removed, err := d.pool.Reconcile(func(ip string, alloc IPAllocation) bool {
		if present[alloc.TapDevice] {
			return true
		}
		if alloc.AllocatedAt.After(cutoff) {
			return true // TAP may still be on its way up
		}
		log.Printf("doctor: reclaiming %s (vm %s, tap %s missing, allocated %s)",
			ip, alloc.VMID, alloc.TapDevice, alloc.AllocatedAt.Format(time.RFC3339))
		return false
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		metrics.IPReclaimsTotal.Add(float64(len(removed)))
	}
	return removed, nil
}

// FlushBridgeArpCache deletes every ARP neighbour entry on the bridge.
// Missing entries are ignored; the goal is an empty table, and a fresh
// runner start is the one moment no live VM can be behind any of them.
func (d *Doctor) FlushBridgeArpCache(ctx context.Context) (int, error) {
	out, err := d.run.Run(ctx, "ip", "neigh", "show", "dev", BridgeName)
	if err != nil {
		// No bridge means no cache to flush.
		return 0, nil
	}

	flushed := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		ip := fields[0]
		if _, err := d.run.Run(ctx, "ip", "neigh", "del", ip, "dev", BridgeName); err != nil {
			continue
		}
		flushed++
	}
	if flushed > 0 {
		metrics.ArpEntriesFlushedTotal.Add(float64(flushed))
		log.Printf("doctor: flushed %d arp entries on %s", flushed, BridgeName)
	}
	return flushed, nil
}

// Reconcile is the full startup repair pass: sweep this runner's stale proxy
// rules, reclaim orphaned allocations, flush the bridge ARP cache.
func (d *Doctor) Reconcile(ctx context.Context, runnerTag string) (*types.ReconcileReport, error) {
	swept, err := d.proxy.CleanupOrphanedProxyRules(ctx, runnerTag)
	if err != nil {
		return nil, err
	}

	reclaimed, err := d.CleanupOrphanedAllocations(ctx)
	if err != nil {
		return nil, err
	}

	flushed, err := d.FlushBridgeArpCache(ctx)
	if err != nil {
		return nil, err
	}

	return &types.ReconcileReport{
		ReclaimedIPs:    reclaimed,
		ArpFlushed:      flushed,
		ProxyRulesSwept: swept,
	}, nil
}

// Status assembles the operator-facing report: bridge state, TAPs,
// allocations, proxy rules, and which of those rules are orphaned.
func (d *Doctor) Status(ctx context.Context) (*types.NetworkStatus, error) {
	bridge, err := d.bridge.BridgeStatus(ctx)
	if err != nil {
		return nil, err
	}

	taps, err := d.bridgeTaps(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := d.pool.Snapshot()
	if err != nil {
		return nil, err
	}
	activeIPs := make(map[string]bool, len(snapshot))
	allocations := make([]types.Allocation, 0, len(snapshot))
	for ip, alloc := range snapshot {
		activeIPs[ip] = true
		allocations = append(allocations, types.Allocation{
			IP:          ip,
			VMID:        alloc.VMID,
			TapDevice:   alloc.TapDevice,
			AllocatedAt: alloc.AllocatedAt,
		})
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].IP < allocations[j].IP })

	rules, err := d.proxy.ListNatRules(ctx)
	if err != nil {
		return nil, err
	}
	listening, err := d.proxy.ListeningTCPPorts(ctx)
	if err != nil {
		return nil, err
	}

	return &types.NetworkStatus{
		Bridge:      bridge,
		Taps:        taps,
		Allocations: allocations,
		ProxyRules:  rules,
		Orphans:     FindOrphans(rules, activeIPs, listening),
	}, nil
}

// bridgeTaps lists the interfaces enslaved to the bridge whose names match
// the substrate's tap naming convention.
func (d *Doctor) bridgeTaps(ctx context.Context) ([]string, error) {
	out, err := d.run.Run(ctx, "ip", "link", "show", "master", BridgeName)
	if err != nil {
		// Bridge absent: nothing is enslaved.
		return nil, nil
	}

	var taps []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		// "12: tap11112222: <BROADCAST,...> mtu 1500 ..."
		if len(fields) < 2 || !strings.HasSuffix(fields[1], ":") {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if at := strings.Index(name, "@"); at >= 0 {
			name = name[:at]
		}
		if tapNamePattern.MatchString(name) {
			taps = append(taps, name)
		}
	}
	return taps, nil
}
