package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultnotes/itemsync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigLimitsCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE:  runConfigShow,
	}
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(resolvedCfg)
	}

	return config.RenderEffective(resolvedCfg, os.Stdout)
}

// assumedAvgItemBytes is a rough per-item payload size used only to turn
// content_transfer_budget into an intuitive "items per get_items page"
// estimate; it has no bearing on the actual transfer calculator, which
// sizes pages against real content_size values.
const assumedAvgItemBytes = 4 * 1024

func newConfigLimitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Explain the sync tuning knobs in concrete terms",
		RunE:  runConfigLimits,
	}
}

// runConfigLimits renders the handful of [sync] knobs that actually shape
// end-to-end behavior, translated into the units an operator reasons
// about: page truncation by the content transfer budget, staleness
// tolerance, and migration throughput — rather than the raw TOML field
// dump config.RenderEffective already provides.
func runConfigLimits(_ *cobra.Command, _ []string) error {
	if resolvedCfg == nil {
		return fmt.Errorf("no configuration loaded")
	}
	cfg := resolvedCfg

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"content_transfer_budget":        cfg.ContentTransferBudget,
			"approx_items_per_page":          cfg.ContentTransferBudget / assumedAvgItemBytes,
			"revision_frequency":             cfg.RevisionFrequency.String(),
			"sync_conflict_tolerance_micros": cfg.SyncConflictToleranceMicros,
			"transition_page_size":           cfg.PageSize,
			"transition_settle_delay":        cfg.SettleDelay.String(),
		})
	}

	rows := [][]string{
		{"content_transfer_budget", formatSize(cfg.ContentTransferBudget),
			fmt.Sprintf("get_items truncates a page and issues a cursor_token past roughly %d items of this average size", cfg.ContentTransferBudget/assumedAvgItemBytes)},
		{"revision_frequency", cfg.RevisionFrequency.String(),
			"a note/file update only requests a new revision snapshot if this much time elapsed since the item's previous save"},
		{"sync_conflict_tolerance_micros", fmt.Sprintf("%d", cfg.SyncConflictToleranceMicros),
			"allowed drift between a client's declared updated_at_timestamp and the server's before save_items reports a sync_conflict"},
		{"transition_page_size", fmt.Sprintf("%d", cfg.PageSize),
			"items copied per transition_status checkpoint during a cross-store transition"},
		{"transition_settle_delay", cfg.SettleDelay.String(),
			"pause before overwriting a divergent item during transition copy, and between copy and verify"},
	}

	printTable(os.Stdout, []string{"knob", "value", "effect"}, rows)
	return nil
}
