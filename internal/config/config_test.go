package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("LISTEN_HOST", "")
	t.Setenv("LISTEN_PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != "7001" {
		t.Fatalf("ListenPort = %q, want default 7001", cfg.ListenPort)
	}
	if cfg.Backlog != 1024 {
		t.Fatalf("Backlog = %d, want default 1024", cfg.Backlog)
	}
	if cfg.ModulePath != "./?.so;./?/init.so" {
		t.Fatalf("ModulePath = %q, want default", cfg.ModulePath)
	}
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PORT", "9999")
	t.Setenv("WORKER_COUNT", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != "9999" {
		t.Fatalf("ListenPort = %q, want 9999", cfg.ListenPort)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("WorkerCount = %d, want 8", cfg.WorkerCount)
	}
}
