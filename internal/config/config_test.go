package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadCoordinatorDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := LoadCoordinator(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if cfg.ListenAddr != ":7650" {
		t.Fatalf("ListenAddr = %q, want :7650", cfg.ListenAddr)
	}
	if !cfg.Advertise {
		t.Fatalf("Advertise = false, want true by default")
	}
}

func TestLoadCoordinatorFromExplicitFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(cfgPath, []byte("listen_addr: \":9000\"\ncoordinator_id: \"booth\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadCoordinator(viper.New(), cfgPath)
	if err != nil {
		t.Fatalf("LoadCoordinator: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.CoordinatorID != "booth" {
		t.Fatalf("CoordinatorID = %q, want booth", cfg.CoordinatorID)
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := LoadAgent(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if cfg.DropoutPolicy != "continue" {
		t.Fatalf("DropoutPolicy = %q, want continue", cfg.DropoutPolicy)
	}
	if !cfg.Discover {
		t.Fatalf("Discover = false, want true by default")
	}
}

func TestSaveAgentPersistsIssuedToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "agent.yaml")

	cfg := DefaultAgent()
	cfg.AgentID = "agent-1"
	cfg.Token = "tok-123"

	if err := SaveAgent(viper.New(), cfgPath, cfg); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	reloaded, err := LoadAgent(viper.New(), cfgPath)
	if err != nil {
		t.Fatalf("reload LoadAgent: %v", err)
	}
	if reloaded.Token != "tok-123" {
		t.Fatalf("Token = %q, want tok-123", reloaded.Token)
	}
	if reloaded.AgentID != "agent-1" {
		t.Fatalf("AgentID = %q, want agent-1", reloaded.AgentID)
	}
}
