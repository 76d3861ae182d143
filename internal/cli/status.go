package cli

import (
	"time"

	"github.com/spf13/cobra"

	"tickerflow/internal/accumulator"
	"tickerflow/internal/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the saved checkpoint",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the checkpoint and partial artifact so the next run starts over",
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.Load(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("checkpoint: %s\n", store.Describe())
	if state == nil {
		cmd.Println("no run in progress")
	} else {
		phase := "fetching"
		if state.Finished() {
			phase = "fetched, awaiting sink write"
		}
		cmd.Printf("  state:        %s\n", phase)
		cmd.Printf("  cursor:       %s\n", state.Cursor)
		cmd.Printf("  record_count: %d\n", state.RecordCount)
		cmd.Printf("  pages:        %d\n", state.Pages)
		cmd.Printf("  run_id:       %s\n", state.RunID)
		cmd.Printf("  updated_at:   %s\n", state.UpdatedAt.Format(time.RFC3339))
	}

	records, found, err := accumulator.NewPartialFile(cfg.Partial.Path).Load()
	switch {
	case err != nil:
		cmd.Printf("partial: %s unreadable: %v\n", cfg.Partial.Path, err)
	case found:
		cmd.Printf("partial: %s (%d records)\n", cfg.Partial.Path, len(records))
	default:
		cmd.Printf("partial: %s absent\n", cfg.Partial.Path)
	}
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(ctx); err != nil {
		return err
	}
	if err := accumulator.NewPartialFile(cfg.Partial.Path).Remove(); err != nil {
		return err
	}
	cmd.Printf("cleared checkpoint %s and partial %s\n", store.Describe(), cfg.Partial.Path)
	return nil
}
