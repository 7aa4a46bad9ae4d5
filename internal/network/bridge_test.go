package network

import (
	"context"
	"errors"
	"testing"
)

const routeGetOut = "8.8.8.8 via 192.168.1.1 dev ens5 src 192.168.1.10 uid 0"

func TestSetupBridgeFresh(t *testing.T) {
	run := newFakeRunner()
	run.outs["ip route get 8.8.8.8"] = routeGetOut
	b := NewBridgeManager(run)

	if err := b.SetupBridge(context.Background()); err != nil {
		t.Fatalf("SetupBridge: %v", err)
	}

	for _, want := range []string{
		"ip link add vm0br0 type bridge",
		"ip addr add 172.16.0.1/24 dev vm0br0",
		"ip link set vm0br0 up",
		"sysctl -w net.ipv4.ip_forward=1",
		"iptables -t nat -A POSTROUTING -s 172.16.0.0/24 -j MASQUERADE",
		"iptables -I FORWARD 1 -i vm0br0 -o ens5 -j ACCEPT",
		"iptables -I FORWARD 1 -i ens5 -o vm0br0 -m state --state RELATED,ESTABLISHED -j ACCEPT",
	} {
		if !run.called(want) {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestSetupBridgeIdempotent(t *testing.T) {
	run := newFakeRunner()
	run.outs["ip route get 8.8.8.8"] = routeGetOut
	run.outs["ip link show vm0br0"] = "4: vm0br0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500"
	run.outs["iptables -t nat -C POSTROUTING -s 172.16.0.0/24 -j MASQUERADE"] = ""
	run.outs["iptables -C FORWARD -i vm0br0 -o ens5 -j ACCEPT"] = ""
	run.outs["iptables -C FORWARD -i ens5 -o vm0br0 -m state --state RELATED,ESTABLISHED -j ACCEPT"] = ""
	b := NewBridgeManager(run)

	if err := b.SetupBridge(context.Background()); err != nil {
		t.Fatalf("SetupBridge: %v", err)
	}

	for _, forbidden := range []string{
		"ip link add",
		"-A POSTROUTING",
		"-I FORWARD",
	} {
		if run.called(forbidden) {
			t.Errorf("already-configured host mutated: %q", forbidden)
		}
	}
}

func TestSetupBridgeReappliesForwardRules(t *testing.T) {
	// Bridge exists but the filter table was flushed (Docker restart,
	// reboot). Setup must restore the FORWARD accepts without recreating
	// the bridge.
	run := newFakeRunner()
	run.outs["ip route get 8.8.8.8"] = routeGetOut
	run.outs["ip link show vm0br0"] = "4: vm0br0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500"
	run.outs["iptables -t nat -C POSTROUTING -s 172.16.0.0/24 -j MASQUERADE"] = ""
	b := NewBridgeManager(run)

	if err := b.SetupBridge(context.Background()); err != nil {
		t.Fatalf("SetupBridge: %v", err)
	}

	if run.called("ip link add") {
		t.Error("existing bridge recreated")
	}
	if n := run.countCalled("-I FORWARD 1"); n != 2 {
		t.Errorf("expected 2 FORWARD inserts, got %d", n)
	}
}

func TestDetectDefaultInterface(t *testing.T) {
	run := newFakeRunner()
	run.outs["ip route get 8.8.8.8"] = routeGetOut
	b := NewBridgeManager(run)

	dev, err := b.DetectDefaultInterface(context.Background())
	if err != nil {
		t.Fatalf("DetectDefaultInterface: %v", err)
	}
	if dev != "ens5" {
		t.Errorf("expected ens5, got %s", dev)
	}
}

func TestDetectDefaultInterfaceNoRoute(t *testing.T) {
	run := newFakeRunner()
	run.errs["ip route get 8.8.8.8"] =
		newError("exec", ErrCommandFailed, "RTNETLINK answers: Network is unreachable", nil)
	b := NewBridgeManager(run)

	_, err := b.DetectDefaultInterface(context.Background())
	if !errors.Is(err, ErrNoDefaultRoute) {
		t.Fatalf("expected ErrNoDefaultRoute, got %v", err)
	}
}

func TestBridgeStatus(t *testing.T) {
	run := newFakeRunner()
	run.outs["ip addr show vm0br0"] = `4: vm0br0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc noqueue state UP group default qlen 1000
    link/ether 9a:1f:33:c0:ff:ee brd ff:ff:ff:ff:ff:ff
    inet 172.16.0.1/24 scope global vm0br0
       valid_lft forever preferred_lft forever`
	b := NewBridgeManager(run)

	status, err := b.BridgeStatus(context.Background())
	if err != nil {
		t.Fatalf("BridgeStatus: %v", err)
	}
	if !status.Exists || !status.Up {
		t.Errorf("expected exists+up, got %+v", status)
	}
	if status.IP != "172.16.0.1/24" {
		t.Errorf("expected 172.16.0.1/24, got %s", status.IP)
	}
}

func TestBridgeStatusAbsent(t *testing.T) {
	run := newFakeRunner()
	b := NewBridgeManager(run)

	status, err := b.BridgeStatus(context.Background())
	if err != nil {
		t.Fatalf("BridgeStatus on absent bridge: %v", err)
	}
	if status.Exists {
		t.Error("absent bridge reported as existing")
	}
}
