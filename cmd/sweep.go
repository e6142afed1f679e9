package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the liveness sweep once",
	Long: `Pauses processing jobs whose heartbeat is older than the abandoned timeout and
finalises cancellations no chunk is running. The worker and the server run this
on a schedule; the command is for cron and manual recovery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		report, err := appInstance.Jobs.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("Checked %d active jobs.\n", report.Checked)
		for _, id := range report.Paused {
			fmt.Printf("  %s %s\n", color.YellowString("paused   "), id)
		}
		for _, id := range report.Cancelled {
			fmt.Printf("  %s %s\n", color.MagentaString("cancelled"), id)
		}
		for _, id := range report.Stuck {
			fmt.Printf("  %s %s (corpusflow job resume --force --reason ... %s)\n", color.RedString("stuck    "), id, id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
