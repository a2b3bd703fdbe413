package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ScreenSession != "minecraft_minigames" {
		t.Fatalf("screen session = %q", cfg.Server.ScreenSession)
	}
	if cfg.Server.MemoryMin != "16G" || cfg.Server.MemoryMax != "16G" {
		t.Fatalf("memory = %q/%q", cfg.Server.MemoryMin, cfg.Server.MemoryMax)
	}
	if cfg.World.Prefix != "world_" {
		t.Fatalf("prefix = %q", cfg.World.Prefix)
	}
	if cfg.Reset.ScriptName != "restart_server.sh" {
		t.Fatalf("script name = %q", cfg.Reset.ScriptName)
	}
	if cfg.Reset.OutputLog != "logs/world_reset_output.log" {
		t.Fatalf("output log = %q", cfg.Reset.OutputLog)
	}
	if cfg.Reset.ShutdownDelay() != 3*time.Second {
		t.Fatalf("shutdown delay = %v", cfg.Reset.ShutdownDelay())
	}
	if cfg.Reset.CleanupDelay() != 8*time.Second || cfg.Reset.GracefulWait() != 15*time.Second {
		t.Fatalf("script waits = %v/%v", cfg.Reset.CleanupDelay(), cfg.Reset.GracefulWait())
	}
	if cfg.Control.Addr != "127.0.0.1:7313" {
		t.Fatalf("control addr = %q", cfg.Control.Addr)
	}
	if len(cfg.Reset.Broadcast) == 0 {
		t.Fatal("no default broadcast messages")
	}
}

func TestLoad_FileOverridesAndNormalizeBackfills(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reset.yaml")
	body := `
server:
  root: /srv/minigames
  memory_min: 8G
  memory_max: 12G
reset:
  shutdown_delay_seconds: 5
control:
  addr: 127.0.0.1:9999
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Root != "/srv/minigames" {
		t.Fatalf("root = %q", cfg.Server.Root)
	}
	if cfg.Server.MemoryMin != "8G" || cfg.Server.MemoryMax != "12G" {
		t.Fatalf("memory = %q/%q", cfg.Server.MemoryMin, cfg.Server.MemoryMax)
	}
	if cfg.Reset.ShutdownDelaySeconds != 5 {
		t.Fatalf("shutdown delay = %d", cfg.Reset.ShutdownDelaySeconds)
	}
	// Untouched sections keep their compiled defaults.
	if cfg.Server.ScreenSession != "minecraft_minigames" {
		t.Fatalf("screen session = %q", cfg.Server.ScreenSession)
	}
	if cfg.Reset.GracefulWaitSeconds != 15 {
		t.Fatalf("graceful wait = %d", cfg.Reset.GracefulWaitSeconds)
	}
	if cfg.Control.Addr != "127.0.0.1:9999" {
		t.Fatalf("control addr = %q", cfg.Control.Addr)
	}
}

func TestLoad_RejectsBadMemoryFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.yaml")
	if err := os.WriteFile(path, []byte("server:\n  memory_min: lots\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad memory flag")
	}
}

func TestLoad_RejectsBadControlAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.yaml")
	if err := os.WriteFile(path, []byte("control:\n  addr: not-an-addr\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad control addr")
	}
}

func TestNormalize_TokenFromEnvironment(t *testing.T) {
	t.Setenv("RESETD_TOKEN", "sekrit")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Control.Token != "sekrit" {
		t.Fatalf("token = %q", cfg.Control.Token)
	}
}

func TestNormalize_NonPositiveDelaysFallBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.yaml")
	if err := os.WriteFile(path, []byte("reset:\n  cleanup_delay_seconds: -1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reset.CleanupDelaySeconds != 8 {
		t.Fatalf("cleanup delay = %d, want default 8", cfg.Reset.CleanupDelaySeconds)
	}
}
