package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	isync "github.com/vaultnotes/itemsync/internal/sync"
)

// logPublisher is a DomainEventPublisher that logs events instead of
// delivering them to a message bus. The item-sync core is meant to be
// embedded as a library behind a real publisher; this operator CLI has no
// bus of its own to wire up, so it logs and discards.
type logPublisher struct {
	log *slog.Logger
}

func (p logPublisher) Publish(_ context.Context, event isync.DomainEvent) error {
	p.log.Info("domain event", slog.String("name", event.Name), slog.String("user_uuid", event.UserUUID), slog.String("status", string(event.Status)))
	return nil
}

func newTransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Run or inspect the cross-store item transition",
	}

	cmd.AddCommand(newTransitionStartCmd())
	cmd.AddCommand(newTransitionStatusCmd())

	return cmd
}

const defaultTransitionType = "primary_to_secondary"

func newTransitionStartCmd() *cobra.Command {
	var userUUID string
	var reverse bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the transition runner for a single user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userUUID == "" {
				return fmt.Errorf("--user is required")
			}

			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			primary, err := isync.NewSQLiteRepository(ctx, cc.Cfg.PrimaryDSN, cc.Logger)
			if err != nil {
				return fmt.Errorf("opening primary store: %w", err)
			}
			defer primary.Close()

			secondary, err := isync.NewSQLiteRepository(ctx, cc.Cfg.SecondaryDSN, cc.Logger)
			if err != nil {
				return fmt.Errorf("opening secondary store: %w", err)
			}
			defer secondary.Close()

			source, target := isync.Store(primary), isync.Store(secondary)
			if reverse {
				source, target = target, source
			}

			runner := isync.NewTransitionRunner(source, target, isync.NewClock(), logPublisher{log: cc.Logger}, isync.TransitionConfig{
				TransitionType: defaultTransitionType,
				PageSize:       cc.Cfg.PageSize,
				SettleDelay:    cc.Cfg.SettleDelay,
			}, cc.Logger)

			status, err := runner.Run(ctx, userUUID)
			if err != nil && status == nil {
				return err
			}

			cc.Statusf("transition %s: %s\n", userUUID, status.Status)
			return err
		},
	}

	cmd.Flags().StringVar(&userUUID, "user", "", "user uuid to transition")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "migrate secondary to primary instead of primary to secondary")
	return cmd
}

func newTransitionStatusCmd() *cobra.Command {
	var userUUID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the stored transition status for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userUUID == "" {
				return fmt.Errorf("--user is required")
			}

			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			primary, err := isync.NewSQLiteRepository(ctx, cc.Cfg.PrimaryDSN, cc.Logger)
			if err != nil {
				return fmt.Errorf("opening primary store: %w", err)
			}
			defer primary.Close()

			status, err := primary.GetTransitionStatus(ctx, userUUID, defaultTransitionType)
			if err != nil {
				return err
			}
			if status == nil {
				fmt.Println("not_started")
				return nil
			}

			fmt.Printf("status=%s paging_progress=%d integrity_progress=%d\n", status.Status, status.PagingProgress, status.IntegrityProgress)
			return nil
		},
	}

	cmd.Flags().StringVar(&userUUID, "user", "", "user uuid to inspect")
	return cmd
}
