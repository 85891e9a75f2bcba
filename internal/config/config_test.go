package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTPPort != "8080" {
		t.Errorf("HTTPPort = %q, want 8080", cfg.HTTPPort)
	}
	if cfg.DedupBucket != 2*time.Minute {
		t.Errorf("DedupBucket = %v, want 2m", cfg.DedupBucket)
	}
	if cfg.DedupFlagTTL != 0 {
		t.Errorf("DedupFlagTTL = %v, want 0 (permanent)", cfg.DedupFlagTTL)
	}
	if cfg.DeadLetterThreshold != 5 {
		t.Errorf("DeadLetterThreshold = %d, want 5", cfg.DeadLetterThreshold)
	}
	if cfg.AmountCeiling != "10000000" {
		t.Errorf("AmountCeiling = %q, want 10000000", cfg.AmountCeiling)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SMSLEDGER_QUEUE_BATCH_SIZE", "7")
	t.Setenv("SMSLEDGER_HTTP_PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.QueueBatchSize != 7 {
		t.Errorf("QueueBatchSize = %d, want 7", cfg.QueueBatchSize)
	}
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %q, want 9090", cfg.HTTPPort)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "dead_letter_threshold: 3\nown_accounts:\n  - \"1234\"\n  - \"5678\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeadLetterThreshold != 3 {
		t.Errorf("DeadLetterThreshold = %d, want 3", cfg.DeadLetterThreshold)
	}
	if len(cfg.OwnAccounts) != 2 || cfg.OwnAccounts[0] != "1234" {
		t.Errorf("OwnAccounts = %v, want [1234 5678]", cfg.OwnAccounts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}
