package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tidemark-io/tidemark/pkg/snapshot"
	"github.com/tidemark-io/tidemark/pkg/state"
)

var envsCmd = &cobra.Command{
	Use:   "envs",
	Short: "List environments in the state store",
	RunE:  runEnvs,
}

var envsShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the snapshots promoted in an environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvsShow,
}

func init() {
	envsCmd.AddCommand(envsShowCmd)
}

func runEnvs(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	envs, err := state.New(db, logger).GetEnvironments(cmd.Context())
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("no environments")
		return nil
	}

	rows := make([][]string, 0, len(envs))
	for _, env := range envs {
		finalized := "no"
		if env.IsFinalized() {
			finalized = "yes"
		}
		expires := "never"
		if env.ExpirationTS != nil {
			expires = formatTS(*env.ExpirationTS)
		}
		rows = append(rows, []string{
			env.Name,
			env.PlanID,
			fmt.Sprintf("%d", len(env.Snapshots)),
			finalized,
			expires,
		})
	}
	printTable([]string{"Name", "Plan", "Snapshots", "Finalized", "Expires"}, rows)
	return nil
}

func runEnvsShow(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	sync := state.NewCaching(state.New(db, logger), viper.GetDuration("cache.ttl"))
	env, err := sync.GetEnvironment(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("environment not found: %s", args[0])
	}

	ids := make([]snapshot.ID, 0, len(env.Snapshots))
	for _, info := range env.Snapshots {
		ids = append(ids, info.ID())
	}
	snapshots, err := sync.GetSnapshots(cmd.Context(), ids)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(env.PromotedSnapshots()))
	for _, info := range env.PromotedSnapshots() {
		paused := "?"
		if snap, ok := snapshots[info.ID()]; ok {
			if snap.Paused() {
				paused = "yes"
			} else {
				paused = "no"
			}
		}
		rows = append(rows, []string{info.Name, info.Version, info.PhysicalTableName(), paused})
	}
	printTable([]string{"Name", "Version", "Table", "Paused"}, rows)
	return nil
}

func formatTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
