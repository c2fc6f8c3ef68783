package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("COST_METHOD", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.CostMethod != "fifo" {
		t.Fatalf("expected default cost method fifo, got %q", cfg.CostMethod)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DATABASE_URL when unset, got %q", cfg.DatabaseURL)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("expected address :8080, got %q", cfg.Address())
	}
}

func TestLoadNormalizesCostMethod(t *testing.T) {
	t.Setenv("COST_METHOD", "  LIFO ")

	cfg := Load()
	if cfg.CostMethod != "lifo" {
		t.Fatalf("expected lifo, got %q", cfg.CostMethod)
	}
}
