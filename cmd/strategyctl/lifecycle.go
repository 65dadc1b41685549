package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <job-id>",
		Short: "Pause a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := (*app).Engine.PauseJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func newResumeCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume a paused job from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpointID, err := (*app).Engine.ResumeJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			jobID := args[0]
			go func() {
				ckpt := checkpointID
				(*app).Engine.ExecuteStrategy(context.Background(), jobID, nil, &ckpt)
			}()
			fmt.Println(true)
			return nil
		},
	}
}

func newCancelCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or paused job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := (*app).Engine.CancelJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func newEventsCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "List a job's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := (*app).Persistence.GetEvents(cmd.Context(), args[0], nil, nil, 100)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("[%s] %-20s %s\n", ev.Timestamp.Format("2006-01-02T15:04:05"), ev.EventType, ev.Message)
			}
			return nil
		},
	}
}
