package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	isync "github.com/vaultnotes/itemsync/internal/sync"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "token",
		Short:       "Inspect and mint sync/cursor tokens",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
	}

	cmd.AddCommand(newTokenDecodeCmd())
	cmd.AddCommand(newTokenEncodeCmd())

	return cmd
}

func newTokenDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token>",
		Short: "Decode an opaque sync or cursor token",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ts, comparator, err := isync.DecodeToken(args[0])
			if err != nil {
				return err
			}

			op := ">"
			if comparator == isync.ComparatorGreaterOrEqual {
				op = ">="
			}

			fmt.Printf("updated_at_timestamp %s %d  (%s)\n", op, ts, formatMicros(ts))
			return nil
		},
	}
}

func newTokenEncodeCmd() *cobra.Command {
	var cursor bool

	cmd := &cobra.Command{
		Use:   "encode <microseconds>",
		Short: "Encode a sync or cursor token from a microsecond timestamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ts, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parsing microseconds: %w", err)
			}

			kind := isync.TokenSync
			if cursor {
				kind = isync.TokenCursor
			}

			fmt.Println(isync.EncodeToken(kind, ts))
			return nil
		},
	}

	cmd.Flags().BoolVar(&cursor, "cursor", false, "encode a cursor token instead of a sync token")
	return cmd
}
