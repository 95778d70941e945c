package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause the scheduler; running jobs finish, nothing new is claimed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setPaused(cmd, true)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setPaused(cmd, false)
		},
	}
}

func setPaused(cmd *cobra.Command, paused bool) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.Settings.SetSchedulerPaused(cmd.Context(), paused); err != nil {
		return fmt.Errorf("set scheduler paused: %w", err)
	}
	state := "resumed"
	if paused {
		state = "paused"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scheduler %s\n", state)
	return nil
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print a queue depth snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Jobs.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"pending: %d\nin progress: %d\ncompleted today: %d\nfailed today: %d\n",
				stats.Pending, stats.InProgress, stats.CompletedToday, stats.FailedToday)
			return nil
		},
	}
}
