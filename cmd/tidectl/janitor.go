package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/pkg/state"
)

var janitorInterval time.Duration

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Garbage-collect expired environments and snapshots",
	Long: `Runs one cleanup sweep: deletes expired environments, collects
unreferenced expired snapshots, and compacts the interval log. With
--interval the janitor keeps sweeping on that period until interrupted.`,
	RunE: runJanitor,
}

func init() {
	janitorCmd.Flags().DurationVar(&janitorInterval, "interval", 0, "Sweep repeatedly on this period (0 runs a single sweep)")
}

func runJanitor(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	janitor := state.NewJanitor(state.New(db, logger), janitorInterval, logger)
	if janitorInterval <= 0 {
		return janitor.Sweep(cmd.Context())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	janitor.Run(ctx)
	return nil
}
