package network

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vm0-ai/vm0-runner/internal/metrics"
)

// The VM subnet is a fixed /24. The bridge owns .1; guests get .2 through .254.
const (
	SubnetCIDR = "172.16.0.0/24"
	GatewayIP  = "172.16.0.1"
	Netmask    = "255.255.255.0"

	ipPrefix       = "172.16.0."
	firstHostOctet = 2
	lastHostOctet  = 254

	// PoolCapacity is the number of allocatable guest addresses.
	PoolCapacity = lastHostOctet - firstHostOctet + 1
)

const (
	registryFile = "ip-registry.json"
	lockFile     = "ip-pool.lock"

	lockTimeout       = 10 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

// IPAllocation is one row of the persistent registry.
type IPAllocation struct {
	VMID        string    `json:"vmId"`
	TapDevice   string    `json:"tapDevice"`
	AllocatedAt time.Time `json:"allocatedAt"`
}

// ipRegistry is the on-disk shape of <run-dir>/ip-registry.json.
type ipRegistry struct {
	Allocations map[string]IPAllocation `json:"allocations"`
}

// IPPool hands out addresses from the VM subnet to concurrent callers —
// tasks, threads, or whole processes. All mutation happens under an advisory
// file lock in the run directory, so parallel runner invocations and the
// operator CLI coordinate through the filesystem, not through memory.
type IPPool struct {
	runDir       string
	registryPath string
	lockPath     string

	// overridable in tests
	now         func() time.Time
	lockTimeout time.Duration
	lockRetry   time.Duration
}

// NewIPPool returns a pool rooted at runDir. The directory is created on the
// first pool operation if missing; the registry file appears on first
// allocation.
func NewIPPool(runDir string) *IPPool {
	return &IPPool{
		runDir:       runDir,
		registryPath: filepath.Join(runDir, registryFile),
		lockPath:     filepath.Join(runDir, lockFile),
		now:          time.Now,
		lockTimeout:  lockTimeout,
		lockRetry:    lockRetryInterval,
	}
}

// Allocate reserves the lowest free address for vmID and persists the
// registry before returning. If vmID already holds an address (a retried
// create), that address is returned unchanged.
//
// Allocate deliberately does not reconcile the registry against live TAP
// devices: another process may have allocated an address whose TAP does not
// exist yet, and treating that row as orphaned here would double-allocate.
// Reconciliation belongs to the doctor at runner startup.
func (p *IPPool) Allocate(vmID string) (string, error) {
	release, err := p.acquireLock()
	if err != nil {
		return "", err
	}
	defer release()

	reg := p.loadRegistry()

	for ip, alloc := range reg.Allocations {
		if alloc.VMID == vmID {
			return ip, nil
		}
	}

	for octet := firstHostOctet; octet <= lastHostOctet; octet++ {
		ip := ipPrefix + strconv.Itoa(octet)
		if _, taken := reg.Allocations[ip]; taken {
			continue
		}
		reg.Allocations[ip] = IPAllocation{
			VMID:        vmID,
			TapDevice:   TapName(vmID),
			AllocatedAt: p.now().UTC(),
		}
		if err := p.saveRegistry(reg); err != nil {
			return "", err
		}
		log.Printf("ippool: allocated %s to vm %s", ip, vmID)
		return ip, nil
	}

	return "", newError("ippool.allocate", ErrPoolExhausted,
		fmt.Sprintf("all %d addresses in %s are taken", PoolCapacity, SubnetCIDR), nil)
}

// Release removes ip from the registry. Releasing an address that is not
// allocated is a no-op: the goal is absence.
func (p *IPPool) Release(ip string) error {
	release, err := p.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	reg := p.loadRegistry()
	if _, ok := reg.Allocations[ip]; !ok {
		return nil
	}
	delete(reg.Allocations, ip)
	if err := p.saveRegistry(reg); err != nil {
		return err
	}
	log.Printf("ippool: released %s", ip)
	return nil
}

// LookupByVMID returns the address allocated to vmID, if any.
func (p *IPPool) LookupByVMID(vmID string) (string, bool, error) {
	release, err := p.acquireLock()
	if err != nil {
		return "", false, err
	}
	defer release()

	reg := p.loadRegistry()
	for ip, alloc := range reg.Allocations {
		if alloc.VMID == vmID {
			return ip, true, nil
		}
	}
	return "", false, nil
}

// Snapshot returns a copy of the current registry contents.
func (p *IPPool) Snapshot() (map[string]IPAllocation, error) {
	release, err := p.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	reg := p.loadRegistry()
	out := make(map[string]IPAllocation, len(reg.Allocations))
	for ip, alloc := range reg.Allocations {
		out[ip] = alloc
	}
	return out, nil
}

// Reconcile rewrites the registry, keeping only the rows for which keep
// returns true. It runs entirely under the pool lock and returns the
// addresses that were dropped. Used by the doctor's orphan sweep.
func (p *IPPool) Reconcile(keep func(ip string, alloc IPAllocation) bool) ([]string, error) {
	release, err := p.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	reg := p.loadRegistry()
	if len(reg.Allocations) == 0 {
		return nil, nil
	}

	var removed []string
	for ip, alloc := range reg.Allocations {
		if keep(ip, alloc) {
			continue
		}
		delete(reg.Allocations, ip)
		removed = append(removed, ip)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := p.saveRegistry(reg); err != nil {
		return nil, err
	}
	return removed, nil
}

// loadRegistry reads the registry from disk. A missing file is an empty
// registry. An unparsable file is treated as empty and logged: stale content
// only makes addresses look free until the doctor re-discovers their TAPs,
// which is the designed-for recovery path.
func (p *IPPool) loadRegistry() *ipRegistry {
	reg := &ipRegistry{Allocations: make(map[string]IPAllocation)}

	data, err := os.ReadFile(p.registryPath)
	if err != nil {
		return reg
	}
	if err := json.Unmarshal(data, reg); err != nil {
		log.Printf("ippool: %v, starting from empty registry: %v",
			newError("ippool.load", ErrRegistryCorrupt, p.registryPath, nil), err)
		reg.Allocations = make(map[string]IPAllocation)
	}
	if reg.Allocations == nil {
		reg.Allocations = make(map[string]IPAllocation)
	}
	return reg
}

// saveRegistry writes the registry atomically (temp file + rename). The
// file is intentionally not fsynced: after a host power loss the TAP devices
// are gone too, and the doctor reclaims from live kernel state on the next
// start, so durability of the last few writes buys nothing.
func (p *IPPool) saveRegistry(reg *ipRegistry) error {
	if err := os.MkdirAll(p.runDir, 0o755); err != nil {
		return fmt.Errorf("ippool: create run dir: %w", err)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("ippool: marshal registry: %w", err)
	}

	tmp := p.registryPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ippool: write registry: %w", err)
	}
	if err := os.Rename(tmp, p.registryPath); err != nil {
		return fmt.Errorf("ippool: rename registry: %w", err)
	}

	metrics.IPsAllocated.Set(float64(len(reg.Allocations)))
	return nil
}

// acquireLock takes the advisory pool lock. The lock is a marker file
// created with O_EXCL whose body is the holder's PID. A contender that finds
// the file probes the recorded PID with signal 0; a dead holder's marker is
// deleted and acquisition retried. Total wait is bounded by lockTimeout.
func (p *IPPool) acquireLock() (func(), error) {
	if err := os.MkdirAll(p.runDir, 0o755); err != nil {
		return nil, fmt.Errorf("ippool: create run dir: %w", err)
	}

	start := time.Now()
	deadline := start.Add(p.lockTimeout)
	for {
		f, err := os.OpenFile(p.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return func() { os.Remove(p.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("ippool: create lock: %w", err)
		}

		if pid, ok := p.lockHolder(); ok && !processAlive(pid) {
			log.Printf("ippool: removing stale lock held by dead pid %d", pid)
			os.Remove(p.lockPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, newError("ippool.lock", ErrLockTimeout, p.lockPath, nil)
		}
		time.Sleep(p.lockRetry)
	}
}

// lockHolder reads the PID recorded in the lock marker. A marker that
// cannot be parsed (partially written, empty) reports no holder; the
// contender keeps waiting until the timeout rather than stealing it.
func (p *IPPool) lockHolder() (int, bool) {
	data, err := os.ReadFile(p.lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
