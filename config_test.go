package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolveConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.pollInterval != 30*time.Second {
		t.Errorf("pollInterval = %s", cfg.pollInterval)
	}
	if cfg.apiCooldown != 2*time.Minute || cfg.authCooldown != 5*time.Minute {
		t.Errorf("cooldowns = %s/%s", cfg.apiCooldown, cfg.authCooldown)
	}
	if cfg.sessionThreshold != 95 || cfg.weeklyThreshold != 99 {
		t.Errorf("thresholds = %v/%v", cfg.sessionThreshold, cfg.weeklyThreshold)
	}
	if !cfg.proactiveSwap {
		t.Error("proactive swap should default on")
	}
	if cfg.refreshLookahead != 30*time.Minute {
		t.Errorf("lookahead = %s", cfg.refreshLookahead)
	}
	if cfg.allUsageTTL != time.Minute || cfg.notifyWindow != 2*time.Second || cfg.notifyCap != 5 {
		t.Errorf("ttl/window/cap = %s/%s/%d", cfg.allUsageTTL, cfg.notifyWindow, cfg.notifyCap)
	}
	if cfg.maxFailures != 3 {
		t.Errorf("maxFailures = %d", cfg.maxFailures)
	}
}

func TestResolveConfigProactiveSwapOff(t *testing.T) {
	off := false
	cfg, err := resolveConfig(&ConfigFile{ProactiveSwap: &off})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.proactiveSwap {
		t.Fatal("explicit proactive_swap = false must stick")
	}
}

func TestResolveConfigEnvOverride(t *testing.T) {
	t.Setenv("PILOT_POLL_INTERVAL_SECONDS", "5")
	t.Setenv("PILOT_SESSION_THRESHOLD", "80")
	cfg, err := resolveConfig(&ConfigFile{PollIntervalSeconds: 60})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.pollInterval != 5*time.Second {
		t.Fatalf("env override lost: %s", cfg.pollInterval)
	}
	if cfg.sessionThreshold != 80 {
		t.Fatalf("threshold override lost: %v", cfg.sessionThreshold)
	}
}

func TestResolveConfigRejectsBadKind(t *testing.T) {
	_, err := resolveConfig(&ConfigFile{Accounts: []AccountConfig{
		{ID: "a1", Kind: "password"},
	}})
	if err == nil {
		t.Fatal("expected error for unknown account kind")
	}
	_, err = resolveConfig(&ConfigFile{Accounts: []AccountConfig{
		{Kind: "oauth"},
	}})
	if err == nil {
		t.Fatal("expected error for missing account id")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
poll_interval_seconds = 15
session_threshold = 90.0
priority_order = ["a2", "a1"]

[[accounts]]
id = "a1"
name = "Primary"
provider = "anthropic"
kind = "oauth"
base_url = "https://api.anthropic.com"
active = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	fileCfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveConfig(fileCfg)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.pollInterval != 15*time.Second || cfg.sessionThreshold != 90 {
		t.Fatalf("file values lost: %s / %v", cfg.pollInterval, cfg.sessionThreshold)
	}
	if len(cfg.priorityOrder) != 2 || cfg.priorityOrder[0] != "a2" {
		t.Fatalf("priority order = %v", cfg.priorityOrder)
	}
	if len(cfg.accounts) != 1 || !cfg.accounts[0].Active {
		t.Fatalf("accounts = %+v", cfg.accounts)
	}

	missing, err := loadConfigFile(filepath.Join(dir, "absent.toml"))
	if err != nil || missing != nil {
		t.Fatal("absent config file should yield nil, nil")
	}
}
