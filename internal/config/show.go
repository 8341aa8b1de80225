package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the CLI's "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective item-sync configuration\n\n")

	ew.printf("[sync]\n")
	ew.printf("  default_limit                   = %d\n", r.DefaultLimit)
	ew.printf("  max_sync_limit                  = %d\n", r.MaxSyncLimit)
	ew.printf("  content_transfer_budget         = %d bytes\n", r.ContentTransferBudget)
	ew.printf("  revision_frequency              = %s\n", r.RevisionFrequency)
	ew.printf("  page_size                       = %d\n", r.PageSize)
	ew.printf("  settle_delay                    = %s\n", r.SettleDelay)
	ew.printf("  sync_conflict_tolerance_micros  = %d\n\n", r.SyncConflictToleranceMicros)

	ew.printf("[storage]\n")
	ew.printf("  primary_dsn   = %q\n", r.PrimaryDSN)
	ew.printf("  secondary_dsn = %q\n\n", r.SecondaryDSN)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error, so
// callers can chain printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
