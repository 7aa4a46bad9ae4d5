package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("VM0_RUN_DIR")
	os.Unsetenv("VM0_PROXY_PORT")
	os.Unsetenv("VM0_ADMIN_ADDR")
	os.Unsetenv("VM0_REGION")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.RunDir != "/run/vm0" {
		t.Errorf("expected run dir /run/vm0, got %s", cfg.RunDir)
	}
	if cfg.ProxyPort != 8100 {
		t.Errorf("expected proxy port 8100, got %d", cfg.ProxyPort)
	}
	if cfg.AdminAddr != "127.0.0.1:7070" {
		t.Errorf("expected admin addr 127.0.0.1:7070, got %s", cfg.AdminAddr)
	}
	if cfg.Region != "local" {
		t.Errorf("expected region local, got %s", cfg.Region)
	}
	if cfg.RunnerName == "" {
		t.Error("expected a non-empty default runner name")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("VM0_RUN_DIR", "/tmp/vm0-test")
	os.Setenv("VM0_RUNNER_NAME", "runner-7")
	os.Setenv("VM0_PROXY_PORT", "9100")
	defer func() {
		os.Unsetenv("VM0_RUN_DIR")
		os.Unsetenv("VM0_RUNNER_NAME")
		os.Unsetenv("VM0_PROXY_PORT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.RunDir != "/tmp/vm0-test" {
		t.Errorf("expected run dir /tmp/vm0-test, got %s", cfg.RunDir)
	}
	if cfg.RunnerName != "runner-7" {
		t.Errorf("expected runner name runner-7, got %s", cfg.RunnerName)
	}
	if cfg.ProxyPort != 9100 {
		t.Errorf("expected proxy port 9100, got %d", cfg.ProxyPort)
	}
}

func TestLoadInvalidProxyPort(t *testing.T) {
	os.Setenv("VM0_PROXY_PORT", "not-a-number")
	defer os.Unsetenv("VM0_PROXY_PORT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid proxy port, got nil")
	}
}
