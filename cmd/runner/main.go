package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vm0-ai/vm0-runner/internal/config"
	"github.com/vm0-ai/vm0-runner/internal/network"
	"github.com/vm0-ai/vm0-runner/internal/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("vm0-runner: starting (name=%s, region=%s)...", cfg.RunnerName, cfg.Region)

	ctx := context.Background()
	run := network.NewRunner()
	pool := network.NewIPPool(cfg.RunDir)
	bridge := network.NewBridgeManager(run)
	proxy := network.NewProxyManager(run)
	taps := network.NewTapManager(run, pool, proxy)
	doctor := network.NewDoctor(run, pool, bridge, proxy)
	tag := network.RunnerTag(cfg.RunnerName)

	if err := doctor.Preflight(ctx); err != nil {
		log.Fatalf("vm0-runner: preflight failed: %v", err)
	}

	// Reconcile before anything allocates: sweep our stale proxy rules,
	// reclaim orphaned IPs, flush the bridge ARP cache.
	report, err := doctor.Reconcile(ctx, tag)
	if err != nil {
		log.Fatalf("vm0-runner: startup reconciliation failed: %v", err)
	}
	log.Printf("vm0-runner: reconciled (ips=%d, arp=%d, rules=%d)",
		len(report.ReclaimedIPs), report.ArpFlushed, report.ProxyRulesSwept)

	if err := bridge.SetupBridge(ctx); err != nil {
		log.Fatalf("vm0-runner: bridge setup failed: %v", err)
	}

	if cfg.ProxyPort > 0 {
		if err := proxy.SetupCIDRProxy(ctx, cfg.ProxyPort, tag); err != nil {
			log.Fatalf("vm0-runner: proxy interception setup failed: %v", err)
		}
		log.Printf("vm0-runner: intercepting guest tcp/80,443 to :%d", cfg.ProxyPort)
	}

	// NATS event publisher (optional)
	var events *runner.EventPublisher
	if cfg.NATSURL != "" {
		events, err = runner.NewEventPublisher(cfg.NATSURL, cfg.Region, cfg.RunnerName)
		if err != nil {
			log.Printf("vm0-runner: NATS not available: %v (continuing without events)", err)
		} else {
			defer events.Close()
			for _, ip := range report.ReclaimedIPs {
				events.Publish(runner.EventIPReclaimed, "", ip)
			}
			log.Println("vm0-runner: NATS event publisher started")
		}
	}

	// Admin HTTP server on loopback
	httpServer := runner.NewHTTPServer(doctor, taps, pool, events, tag)
	go func() {
		if err := httpServer.Start(cfg.AdminAddr); err != nil {
			log.Printf("admin server error: %v", err)
		}
	}()
	log.Printf("vm0-runner: admin server on %s", cfg.AdminAddr)

	// Redis heartbeat for runner discovery (optional)
	if cfg.RedisURL != "" {
		hb, err := runner.NewRedisHeartbeat(cfg.RedisURL, cfg.RunnerName, cfg.Region, cfg.AdminAddr)
		if err != nil {
			log.Printf("vm0-runner: Redis heartbeat not available: %v", err)
		} else {
			hb.Start(func() (int, int, bool) {
				allocated := 0
				if snapshot, err := pool.Snapshot(); err == nil {
					allocated = len(snapshot)
				}
				status, _ := bridge.BridgeStatus(context.Background())
				return network.PoolCapacity, allocated, status.Up
			})
			defer hb.Stop()
			log.Println("vm0-runner: Redis heartbeat started")
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("vm0-runner: shutting down...")
	if cfg.ProxyPort > 0 {
		if err := proxy.CleanupCIDRProxy(ctx, cfg.ProxyPort, tag); err != nil {
			log.Printf("vm0-runner: proxy cleanup: %v", err)
		}
	}
	if err := httpServer.Close(); err != nil {
		log.Printf("error closing admin server: %v", err)
	}
}
