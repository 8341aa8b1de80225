package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so users see a
// complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.DefaultLimit <= 0 {
		errs = append(errs, fmt.Errorf("sync.default_limit: must be positive, got %d", s.DefaultLimit))
	}

	if s.MaxSyncLimit < s.DefaultLimit {
		errs = append(errs, fmt.Errorf(
			"sync.max_sync_limit: must be >= default_limit (%d), got %d", s.DefaultLimit, s.MaxSyncLimit))
	}

	if budget, err := ParseSize(s.ContentTransferBudget); err != nil {
		errs = append(errs, fmt.Errorf("sync.content_transfer_budget: %w", err))
	} else if budget <= 0 {
		errs = append(errs, fmt.Errorf(
			"sync.content_transfer_budget: must be positive, got %q", s.ContentTransferBudget))
	}

	if _, err := parseDurationField("sync.revision_frequency", s.RevisionFrequency); err != nil {
		errs = append(errs, err)
	}

	if _, err := parseDurationField("sync.settle_delay", s.SettleDelay); err != nil {
		errs = append(errs, err)
	}

	if s.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.page_size: must be positive, got %d", s.PageSize))
	}

	if s.SyncConflictToleranceMicros < 0 {
		errs = append(errs, fmt.Errorf(
			"sync.sync_conflict_tolerance_micros: must be non-negative, got %d", s.SyncConflictToleranceMicros))
	}

	return errs
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if s.PrimaryDSN == "" {
		errs = append(errs, errors.New("storage.primary_dsn: must not be empty"))
	}

	if s.SecondaryDSN == "" {
		errs = append(errs, errors.New("storage.secondary_dsn: must not be empty"))
	}

	if s.PrimaryDSN != "" && s.PrimaryDSN == s.SecondaryDSN {
		errs = append(errs, errors.New("storage: primary_dsn and secondary_dsn must differ"))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: unknown level %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: unknown format %q", l.LogFormat))
	}

	return errs
}

func parseDurationField(name, value string) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%s: must not be empty", name)
	}

	if _, err := time.ParseDuration(value); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	return value, nil
}
