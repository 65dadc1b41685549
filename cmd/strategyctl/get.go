package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGetCmd(flags *rootFlags, app **AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's status, progress, and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := (*app).Engine.GetJobStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("job:        %s\n", report.Job.ID)
			fmt.Printf("strategy:   %s\n", report.Job.StrategyName)
			fmt.Printf("status:     %s\n", report.Job.Status)
			fmt.Printf("progress:   %d/%d (%.1f%%)\n", report.Job.CurrentStep, report.Job.TotalSteps, report.Job.ProgressPercent)
			if report.Metrics != nil {
				fmt.Printf("duration:   %dms\n", report.Metrics.TotalDurationMs)
				fmt.Printf("retries:    %d\n", report.Metrics.RetryCount)
			}
			fmt.Println("recent events:")
			for _, ev := range report.RecentEvents {
				fmt.Printf("  [%s] %s %s\n", ev.Timestamp.Format("15:04:05"), ev.EventType, ev.Message)
			}
			return nil
		},
	}
}
