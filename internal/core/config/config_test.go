package config

import "testing"

func TestDefaultHasSaneValues(t *testing.T) {
	cfg := Default()
	if cfg.MaxGlobalConcurrency <= 0 {
		t.Fatalf("expected positive MaxGlobalConcurrency, got %d", cfg.MaxGlobalConcurrency)
	}
	if cfg.Secrets.Backend == "" {
		t.Fatalf("expected a default secrets backend")
	}
}

func TestLoadWithNoConfigFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkflowsDir == "" {
		t.Fatalf("expected a default workflows dir")
	}
}
