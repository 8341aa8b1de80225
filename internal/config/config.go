// Package config implements TOML configuration loading, validation, and
// defaulting for the item-sync core and its CLI.
package config

import "time"

// Config is the top-level configuration structure for the item-sync core.
type Config struct {
	Sync    SyncConfig    `toml:"sync"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
}

// SyncConfig controls pagination, transfer budgeting, and revision/duplicate
// event thresholds for the sync engine.
type SyncConfig struct {
	DefaultLimit                int    `toml:"default_limit"`
	MaxSyncLimit                int    `toml:"max_sync_limit"`
	ContentTransferBudget       string `toml:"content_transfer_budget"`
	RevisionFrequency           string `toml:"revision_frequency"`
	PageSize                    int    `toml:"page_size"`
	SettleDelay                 string `toml:"settle_delay"`
	SyncConflictToleranceMicros int64  `toml:"sync_conflict_tolerance_micros"`
}

// StorageConfig names the two SQLite-backed item repositories. "Primary"
// and "Secondary" are symmetric: the transition runner moves a user's
// items from either one into the other.
type StorageConfig struct {
	PrimaryDSN   string `toml:"primary_dsn"`
	SecondaryDSN string `toml:"secondary_dsn"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "auto", "text", or "json"
}

// Resolved is a Config with its string-encoded durations and sizes parsed
// into concrete Go values, the form consumed by internal/sync.
type Resolved struct {
	DefaultLimit                int
	MaxSyncLimit                int
	ContentTransferBudget       int64
	RevisionFrequency           time.Duration
	PageSize                    int
	SettleDelay                 time.Duration
	SyncConflictToleranceMicros int64
	PrimaryDSN                  string
	SecondaryDSN                string
	LogLevel                    string
	LogFormat                   string
}

// Default values for configuration options.
const (
	defaultLimit                 = 150
	defaultMaxSyncLimit          = 1000
	defaultContentTransferBudget = "4MiB"
	defaultRevisionFrequency     = "300s"
	defaultPageSize              = 500
	defaultSettleDelay           = "1000ms"
	defaultLogLevel              = "info"
	defaultLogFormat             = "auto"
	defaultPrimaryDSN            = "itemsync-primary.db"
	defaultSecondaryDSN          = "itemsync-secondary.db"
)

// DefaultConfig returns a Config populated with all default values. Used both
// as the starting point for TOML decoding (so unset fields retain defaults)
// and as the fallback when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			DefaultLimit:          defaultLimit,
			MaxSyncLimit:          defaultMaxSyncLimit,
			ContentTransferBudget: defaultContentTransferBudget,
			RevisionFrequency:     defaultRevisionFrequency,
			PageSize:              defaultPageSize,
			SettleDelay:           defaultSettleDelay,
		},
		Storage: StorageConfig{
			PrimaryDSN:   defaultPrimaryDSN,
			SecondaryDSN: defaultSecondaryDSN,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

// Resolve parses the string-encoded fields of cfg into a Resolved value.
// Callers must run Validate(cfg) first; Resolve assumes well-formed input.
func Resolve(cfg *Config) (*Resolved, error) {
	budget, err := ParseSize(cfg.Sync.ContentTransferBudget)
	if err != nil {
		return nil, err
	}

	revisionFreq, err := time.ParseDuration(cfg.Sync.RevisionFrequency)
	if err != nil {
		return nil, err
	}

	settleDelay, err := time.ParseDuration(cfg.Sync.SettleDelay)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		DefaultLimit:                cfg.Sync.DefaultLimit,
		MaxSyncLimit:                cfg.Sync.MaxSyncLimit,
		ContentTransferBudget:       budget,
		RevisionFrequency:           revisionFreq,
		PageSize:                    cfg.Sync.PageSize,
		SettleDelay:                 settleDelay,
		SyncConflictToleranceMicros: cfg.Sync.SyncConflictToleranceMicros,
		PrimaryDSN:                  cfg.Storage.PrimaryDSN,
		SecondaryDSN:                cfg.Storage.SecondaryDSN,
		LogLevel:                    cfg.Logging.LogLevel,
		LogFormat:                   cfg.Logging.LogFormat,
	}, nil
}
