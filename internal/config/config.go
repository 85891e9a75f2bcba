// Package config loads runtime configuration from defaults, an optional
// YAML file, and SMSLEDGER_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the ledger engine. Zero values never
// appear in practice: Load fills defaults for anything not overridden.
type Config struct {
	HTTPPort string `mapstructure:"http_port"`
	DBPath   string `mapstructure:"db_path"`

	// Dedup windows. DedupFlagTTL of 0 keeps the processed-message flag
	// forever; set a positive duration to expire it.
	DedupBucket    time.Duration `mapstructure:"dedup_bucket"`
	DedupFlagTTL   time.Duration `mapstructure:"dedup_flag_ttl"`
	ContentHashTTL time.Duration `mapstructure:"content_hash_ttl"`

	// Lock wait budgets per call site.
	IngressLockWait time.Duration `mapstructure:"ingress_lock_wait"`
	BudgetLockWait  time.Duration `mapstructure:"budget_lock_wait"`
	BatchLockWait   time.Duration `mapstructure:"batch_lock_wait"`

	// Queue processor.
	QueueBatchSize       int           `mapstructure:"queue_batch_size"`
	QueueBatchTimeout    time.Duration `mapstructure:"queue_batch_timeout"`
	QueueInterval        time.Duration `mapstructure:"queue_interval"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	MaxFlowAttempts      int           `mapstructure:"max_flow_attempts"`
	DeadLetterThreshold  int           `mapstructure:"dead_letter_threshold"`
	CleanupTerminalAfter time.Duration `mapstructure:"cleanup_terminal_after"`

	// Background integrity scan.
	IntegrityInterval time.Duration `mapstructure:"integrity_interval"`

	// Validation.
	AmountCeiling string `mapstructure:"amount_ceiling"`

	// Accounts owned by the user; transfers landing on these are internal
	// and never produce a debt ledger entry.
	OwnAccounts []string `mapstructure:"own_accounts"`

	// Classifier.
	GeminiModel string `mapstructure:"gemini_model"`
}

// Load reads configuration from the given file path (optional, "" skips
// the file), layered over defaults and under environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", "8080")
	v.SetDefault("db_path", "smsledger.db")
	v.SetDefault("dedup_bucket", 2*time.Minute)
	v.SetDefault("dedup_flag_ttl", time.Duration(0))
	v.SetDefault("content_hash_ttl", 15*time.Minute)
	v.SetDefault("ingress_lock_wait", 3*time.Second)
	v.SetDefault("budget_lock_wait", 5*time.Second)
	v.SetDefault("batch_lock_wait", 20*time.Second)
	v.SetDefault("queue_batch_size", 25)
	v.SetDefault("queue_batch_timeout", 50*time.Second)
	v.SetDefault("queue_interval", time.Minute)
	v.SetDefault("retry_base_delay", 500*time.Millisecond)
	v.SetDefault("max_flow_attempts", 3)
	v.SetDefault("dead_letter_threshold", 5)
	v.SetDefault("cleanup_terminal_after", 72*time.Hour)
	v.SetDefault("integrity_interval", 10*time.Minute)
	v.SetDefault("amount_ceiling", "10000000")
	v.SetDefault("own_accounts", []string{})
	v.SetDefault("gemini_model", "gemini-2.5-flash")

	v.SetEnvPrefix("SMSLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config.Load: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: unmarshal: %w", err)
	}
	return &cfg, nil
}
