package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"
)

func newTestPool(t *testing.T) *IPPool {
	t.Helper()
	return NewIPPool(t.TempDir())
}

func TestAllocateFirstFree(t *testing.T) {
	pool := newTestPool(t)

	ip, err := pool.Allocate("11112222aaaabbbb")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if ip != "172.16.0.2" {
		t.Errorf("expected 172.16.0.2, got %s", ip)
	}

	ip2, err := pool.Allocate("33334444ccccdddd")
	if err != nil {
		t.Fatalf("second Allocate returned error: %v", err)
	}
	if ip2 != "172.16.0.3" {
		t.Errorf("expected 172.16.0.3, got %s", ip2)
	}

	// Registry on disk carries the derived tap device name.
	data, err := os.ReadFile(pool.registryPath)
	if err != nil {
		t.Fatalf("read registry: %v", err)
	}
	var reg ipRegistry
	if err := json.Unmarshal(data, &reg); err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	alloc, ok := reg.Allocations["172.16.0.2"]
	if !ok {
		t.Fatal("registry missing 172.16.0.2")
	}
	if alloc.VMID != "11112222aaaabbbb" || alloc.TapDevice != "tap11112222" {
		t.Errorf("unexpected allocation row: %+v", alloc)
	}
}

func TestAllocateSameVMTwice(t *testing.T) {
	pool := newTestPool(t)

	ip1, err := pool.Allocate("deadbeefcafe0001")
	if err != nil {
		t.Fatal(err)
	}
	ip2, err := pool.Allocate("deadbeefcafe0001")
	if err != nil {
		t.Fatal(err)
	}
	if ip1 != ip2 {
		t.Errorf("retried allocate changed address: %s != %s", ip1, ip2)
	}

	snapshot, err := pool.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != 1 {
		t.Errorf("expected 1 allocation, got %d", len(snapshot))
	}
}

func TestParallelAllocate(t *testing.T) {
	pool := newTestPool(t)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = pool.Allocate(fmt.Sprintf("parallel-vm-%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("allocate %d failed: %v", i, err)
		}
	}
	if results[0] == results[1] {
		t.Fatalf("double allocation: both got %s", results[0])
	}
	got := map[string]bool{results[0]: true, results[1]: true}
	if !got["172.16.0.2"] || !got["172.16.0.3"] {
		t.Errorf("expected .2 and .3, got %v", results)
	}
}

func TestPoolExhausted(t *testing.T) {
	pool := newTestPool(t)

	reg := ipRegistry{Allocations: make(map[string]IPAllocation)}
	for octet := firstHostOctet; octet <= lastHostOctet; octet++ {
		ip := ipPrefix + strconv.Itoa(octet)
		reg.Allocations[ip] = IPAllocation{
			VMID:        "vm-" + ip,
			TapDevice:   "tapffffffff",
			AllocatedAt: time.Now().UTC(),
		}
	}
	writeRegistry(t, pool, &reg)

	_, err := pool.Allocate("one-vm-too-many")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	snapshot, err := pool.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot) != PoolCapacity {
		t.Errorf("failed allocate modified the registry: %d entries", len(snapshot))
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool := newTestPool(t)

	ip, err := pool.Allocate("deadbeefcafe0002")
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(ip); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := pool.Release(ip); err != nil {
		t.Fatalf("second release: %v", err)
	}

	// The freed address is handed out again.
	ip2, err := pool.Allocate("deadbeefcafe0003")
	if err != nil {
		t.Fatal(err)
	}
	if ip2 != ip {
		t.Errorf("expected %s to be reallocated, got %s", ip, ip2)
	}
}

func TestCorruptRegistryRecovered(t *testing.T) {
	pool := newTestPool(t)
	if err := os.WriteFile(pool.registryPath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	ip, err := pool.Allocate("deadbeefcafe0004")
	if err != nil {
		t.Fatalf("Allocate on corrupt registry: %v", err)
	}
	if ip != "172.16.0.2" {
		t.Errorf("expected fresh pool to start at .2, got %s", ip)
	}
}

func TestLookupByVMID(t *testing.T) {
	pool := newTestPool(t)

	if _, ok, err := pool.LookupByVMID("nobody"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	ip, err := pool.Allocate("deadbeefcafe0005")
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := pool.LookupByVMID("deadbeefcafe0005")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != ip {
		t.Errorf("lookup returned %s, want %s", got, ip)
	}
}

func TestLockStaleHolderTakeover(t *testing.T) {
	pool := newTestPool(t)

	// A reaped child is guaranteed dead; its PID models a crashed holder.
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot spawn helper process: %v", err)
	}
	deadPID := cmd.Process.Pid

	if err := os.WriteFile(pool.lockPath, []byte(strconv.Itoa(deadPID)), 0o644); err != nil {
		t.Fatal(err)
	}

	ip, err := pool.Allocate("deadbeefcafe0006")
	if err != nil {
		t.Fatalf("Allocate should break a dead holder's lock: %v", err)
	}
	if ip != "172.16.0.2" {
		t.Errorf("expected .2, got %s", ip)
	}
}

func TestLockTimeoutAgainstLiveHolder(t *testing.T) {
	pool := newTestPool(t)
	pool.lockTimeout = 300 * time.Millisecond
	pool.lockRetry = 50 * time.Millisecond

	// Our own PID is alive, so the lock is never stolen.
	if err := os.WriteFile(pool.lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := pool.Allocate("deadbeefcafe0007")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLockReleasedAfterOperations(t *testing.T) {
	pool := newTestPool(t)

	if _, err := pool.Allocate("deadbeefcafe0008"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pool.lockPath); !os.IsNotExist(err) {
		t.Error("lock marker left behind after Allocate")
	}

	if err := pool.Release("172.16.0.2"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pool.lockPath); !os.IsNotExist(err) {
		t.Error("lock marker left behind after Release")
	}
}

func TestAllocatedIPsStayInRange(t *testing.T) {
	pool := newTestPool(t)

	for i := 0; i < 20; i++ {
		ip, err := pool.Allocate(fmt.Sprintf("range-vm-%02d", i))
		if err != nil {
			t.Fatal(err)
		}
		octet, err := strconv.Atoi(ip[len(ipPrefix):])
		if err != nil || ip[:len(ipPrefix)] != ipPrefix {
			t.Fatalf("malformed ip %s", ip)
		}
		if octet < firstHostOctet || octet > lastHostOctet {
			t.Errorf("ip %s outside guest range", ip)
		}
	}
}

func writeRegistry(t *testing.T, pool *IPPool, reg *ipRegistry) {
	t.Helper()
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pool.runDir, registryFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
}
