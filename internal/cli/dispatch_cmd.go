package cli

import (
	"fmt"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmux/internal/config"
)

func newDispatchCmd() *cobra.Command {
	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Manage DISPATCH tasks without going through a channel",
	}
	dispatchCmd.AddCommand(newDispatchEnqueueCmd())
	return dispatchCmd
}

func newDispatchEnqueueCmd() *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "enqueue <channel> <prompt>",
		Short: "Queue a one-shot or recurring prompt for a channel's session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelName, prompt := args[0], args[1]

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("dispatch enqueue: load config: %w", err)
			}
			st, err := openStore(cfg.Storage)
			if err != nil {
				return fmt.Errorf("dispatch enqueue: open store: %w", err)
			}
			defer st.Close()

			if _, err := st.GetChannel(cmd.Context(), channelName); err != nil {
				return fmt.Errorf("dispatch enqueue: no such channel %q: %w", channelName, err)
			}

			if schedule != "" {
				if !gronx.IsValid(schedule) {
					return fmt.Errorf("dispatch enqueue: invalid cron expression %q", schedule)
				}
				task, err := st.CreateScheduledDispatchTask(cmd.Context(), channelName, prompt, schedule)
				if err != nil {
					return err
				}
				fmt.Printf("scheduled task #%d on %q\n", task.ID, schedule)
				return nil
			}

			task, err := st.CreateDispatchTask(cmd.Context(), channelName, prompt)
			if err != nil {
				return err
			}
			fmt.Printf("queued task #%d\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for a recurring task")
	return cmd
}
