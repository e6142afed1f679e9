package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"corpusflow/internal/app"
	"corpusflow/internal/autoresume"
	"corpusflow/internal/clix"
	"corpusflow/internal/jobs"
	"corpusflow/internal/models"
	"corpusflow/internal/progress"
	"corpusflow/internal/realtime"
	"corpusflow/internal/store"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Start, inspect and control jobs",
}

var jobStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a job over a scope",
	Long: `Creates a job for a flavor and scope and dispatches its first chunk. With inline
dispatch the command runs the job in the foreground and prints progress.`,
	Example: `  corpusflow job start --flavor enrichment --artist "Café Tacvba"
  corpusflow job start --flavor semantic_refinement --corpus rock-latino --depth 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		flavor, _ := cmd.Flags().GetString("flavor")
		chunkSize, _ := cmd.Flags().GetInt("chunk-size")
		depth, _ := cmd.Flags().GetInt("depth")
		scope, err := clix.ParseScope(cmd.Flags())
		if err != nil {
			return err
		}

		job, err := appInstance.Jobs.StartJob(cmd.Context(), jobs.StartParams{
			Flavor:    models.Flavor(flavor),
			Scope:     scope,
			ChunkSize: chunkSize,
			Depth:     depth,
		})
		if err != nil {
			return describeJobError(err)
		}
		fmt.Printf("Started job %s (%s, %s, %d units in chunks of %d)\n",
			color.CyanString(job.ID.String()), job.Flavor, formatScope(job.Scope), job.TotalUnits, job.ChunkSize)
		return followInline(cmd.Context(), appInstance, job.ID)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		active, _ := cmd.Flags().GetBool("active")
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return fmt.Errorf("invalid pagination flags: %w", err)
		}

		var list []*models.Job
		if active {
			list, err = appInstance.Jobs.ListActiveJobs(cmd.Context(), store.JobFilter{})
		} else {
			list, err = appInstance.Jobs.ListJobs(cmd.Context(), pagination.Limit, pagination.Offset)
		}
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Flavor", "Scope", "Status", "Progress", "Heartbeat", "Note"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetAutoWrapText(false)
		for _, job := range list {
			p := progress.Compute(job, appInstance.Jobs.Now())
			note := derefString(job.Note)
			if msg := derefString(job.ErrorMessage); msg != "" {
				note = msg
			}
			table.Append([]string{
				job.ID.String(),
				string(job.Flavor),
				formatScope(job.Scope),
				colorStatus(job.Status),
				fmt.Sprintf("%d/%d (%.1f%%)", job.ProcessedUnits, job.TotalUnits, p.Percent),
				formatTimePtr(job.LastHeartbeatAt),
				note,
			})
		}
		table.Render()
		return nil
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job with its progress and liveness",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		job, err := appInstance.Jobs.GetJob(cmd.Context(), id)
		if err != nil {
			return describeJobError(err)
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		p := progress.Compute(job, appInstance.Jobs.Now())
		live := appInstance.Jobs.Liveness(job)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"job": job, "progress": p, "liveness": live})
		}

		rows := [][]string{
			{"ID", job.ID.String()},
			{"Flavor", string(job.Flavor)},
			{"Scope", formatScope(job.Scope)},
			{"Status", colorStatus(job.Status)},
			{"Progress", fmt.Sprintf("%d/%d (%.1f%%) ok=%d failed=%d", job.ProcessedUnits, job.TotalUnits, p.Percent, job.SucceededUnits, job.FailedUnits)},
			{"Cursor", fmt.Sprintf("%d (chunk size %d, %d chunks run)", job.CurrentIndex, job.ChunkSize, job.ChunksProcessed)},
			{"Rate", fmt.Sprintf("%.2f units/s, eta %s", p.Rate, formatETA(p))},
			{"Heartbeat", fmt.Sprintf("%s (age %s)", formatTimePtr(job.LastHeartbeatAt), live.HeartbeatAge.Round(time.Second))},
			{"Lock", derefString(job.LockOwner) + " " + derefString(job.LockReason)},
			{"Started", formatTimePtr(job.StartedAt)},
			{"Completed", formatTimePtr(job.CompletedAt)},
		}
		if job.IsCancelling {
			rows = append(rows, []string{"Cancel", "requested: " + derefString(job.CancelReason)})
		}
		if job.Note != nil {
			rows = append(rows, []string{"Note", *job.Note})
		}
		if job.ErrorMessage != nil {
			rows = append(rows, []string{"Error", color.RedString(*job.ErrorMessage)})
		}
		if job.AutoResumeFailures > 0 {
			rows = append(rows, []string{"Auto-resume", fmt.Sprintf("%d failed attempts", job.AutoResumeFailures)})
		}
		switch {
		case live.Stuck:
			rows = append(rows, []string{"Liveness", color.RedString("stuck")})
		case live.Abandoned:
			rows = append(rows, []string{"Liveness", color.YellowString("abandoned")})
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetAutoWrapText(false)
		table.AppendBulk(rows)
		table.Render()
		return nil
	},
}

var jobPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job at its next unit boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		job, err := appInstance.Jobs.PauseJob(cmd.Context(), id)
		if err != nil {
			return describeJobError(err)
		}
		fmt.Printf("Job %s is %s at %d/%d.\n", job.ID, colorStatus(job.Status), job.ProcessedUnits, job.TotalUnits)
		return nil
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused or stalled job from its cursor",
	Long: `Resumes a job from its saved cursor. --force takes the chunk lock from a holder
presumed dead and requires --reason, which is logged and stored on the job.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")
		lock := models.NormalLock()
		if force {
			lock = models.ForcedLock(reason)
		}

		job, err := appInstance.Jobs.ResumeJob(cmd.Context(), id, jobs.ResumeOptions{Lock: lock})
		if err != nil {
			return describeJobError(err)
		}
		fmt.Printf("Resumed job %s from unit %d (%s lock).\n", job.ID, job.CurrentIndex, lock.Mode)
		return followInline(cmd.Context(), appInstance, job.ID)
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job, keeping the progress it made",
	Long: `Requests cancellation. A running chunk stops at its next unit and finalises the
job; an idle job is cancelled immediately. --force finalises a stuck job now and
requires --reason.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		reason, _ := cmd.Flags().GetString("reason")

		job, err := appInstance.Jobs.CancelJob(cmd.Context(), id, jobs.CancelOptions{Reason: reason, Force: force})
		if err != nil {
			return describeJobError(err)
		}
		if job.Status == models.JobStatusCancelled {
			fmt.Printf("Job %s cancelled at %d/%d.\n", job.ID, job.ProcessedUnits, job.TotalUnits)
		} else {
			fmt.Printf("Cancellation of job %s requested; the running chunk will stop at its next unit.\n", job.ID)
		}
		return nil
	},
}

var jobWatchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Long: `Prints a line for every change of the job. --auto-resume also supervises the job
and resumes it after a stall, as the dashboard does.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if auto, _ := cmd.Flags().GetBool("auto-resume"); auto {
			controller := autoresume.NewController(id, appInstance.Jobs, appInstance.JobStore, appInstance.Events,
				appInstance.Config.AutoResume, appInstance.Config.Liveness,
				autoresume.WithWatchOptions(appInstance.WatchOptions()),
				autoresume.WithManualFunc(func(job *models.Job, reason string) {
					fmt.Println(color.YellowString("Needs manual action: %s (%s)", reason, models.ActionForceResume))
				}))
			go controller.Run(ctx)
		}
		return printUpdates(ctx, appInstance, id)
	},
}

var jobUsageCmd = &cobra.Command{
	Use:   "usage <job-id>",
	Short: "Show AI token usage and cost of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, id, err := appAndJobID(cmd, args)
		if err != nil {
			return err
		}
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return fmt.Errorf("invalid pagination flags: %w", err)
		}
		summary, err := appInstance.CostStore.GetUsageSummary(cmd.Context(), &id)
		if err != nil {
			return fmt.Errorf("failed to get usage summary: %w", err)
		}
		logs, err := appInstance.CostStore.ListUsage(cmd.Context(), &id, pagination.Limit, pagination.Offset)
		if err != nil {
			return fmt.Errorf("failed to list usage: %w", err)
		}

		if len(logs) > 0 {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Timestamp", "Provider", "Model", "Item", "In Tokens", "Out Tokens", "Cost"})
			for _, l := range logs {
				item := "-"
				if l.RelatedItem != nil {
					item = fmt.Sprint(*l.RelatedItem)
				}
				table.Append([]string{
					l.Timestamp.Local().Format("2006-01-02 15:04:05"),
					l.ProviderName,
					l.ModelName,
					item,
					fmt.Sprint(l.InputTokens),
					fmt.Sprint(l.OutputTokens),
					fmt.Sprintf("%.6f", l.Cost),
				})
			}
			table.Render()
		}
		fmt.Printf("Calls: %d  Input tokens: %d  Output tokens: %d  Cost: $%.6f\n",
			summary.Calls, summary.InputTokens, summary.OutputTokens, summary.Cost)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobStartCmd, jobListCmd, jobShowCmd, jobPauseCmd, jobResumeCmd, jobCancelCmd, jobWatchCmd, jobUsageCmd)

	jobStartCmd.Flags().String("flavor", "", "Job flavor: "+flavorNames())
	jobStartCmd.Flags().Int("chunk-size", 0, "Units per chunk (default jobs.default_chunk_size)")
	jobStartCmd.Flags().Int("depth", 0, "Refinement depth for semantic_refinement jobs")
	jobStartCmd.MarkFlagRequired("flavor")
	clix.AddScopeFlags(jobStartCmd.Flags())

	jobListCmd.Flags().Bool("active", false, "Only pending, processing and paused jobs")
	jobListCmd.Flags().Int("limit", 20, "Maximum number of jobs")
	jobListCmd.Flags().Int("offset", 0, "Number of jobs to skip")

	jobShowCmd.Flags().Bool("json", false, "Print as JSON")

	jobResumeCmd.Flags().Bool("force", false, "Take the chunk lock even if held")
	jobResumeCmd.Flags().String("reason", "", "Why the lock holder is presumed dead (required with --force)")

	jobCancelCmd.Flags().Bool("force", false, "Finalise now even if a chunk holds the lock")
	jobCancelCmd.Flags().String("reason", "", "Cancellation reason")

	jobWatchCmd.Flags().Bool("auto-resume", false, "Resume the job automatically when it stalls")

	jobUsageCmd.Flags().Int("limit", 20, "Maximum number of usage rows")
	jobUsageCmd.Flags().Int("offset", 0, "Number of usage rows to skip")
}

func flavorNames() string {
	names := make([]string, 0, len(models.Flavors))
	for _, f := range models.Flavors {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func appAndJobID(cmd *cobra.Command, args []string) (*app.App, uuid.UUID, error) {
	appInstance, err := GetAppFromContext(cmd.Context())
	if err != nil {
		return nil, uuid.Nil, err
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("invalid job ID %q: %w", args[0], err)
	}
	return appInstance, id, nil
}

// describeJobError appends the suggested action to a job-level failure.
func describeJobError(err error) error {
	if action := models.ActionFor(err); action != models.ActionNone && action != models.ActionRetry {
		return fmt.Errorf("%w (%s)", err, action)
	}
	return err
}

// printUpdates prints one line per snapshot until the job is terminal or ctx ends.
func printUpdates(ctx context.Context, appInstance *app.App, id uuid.UUID) error {
	updates, err := realtime.Watch(ctx, appInstance.Events, appInstance.JobStore, id, appInstance.WatchOptions())
	if err != nil {
		return describeJobError(err)
	}
	for job := range updates {
		now := appInstance.Jobs.Now()
		fmt.Println(progressLine(job, progress.Compute(job, now), appInstance.Jobs.Liveness(job)))
	}
	if ctx.Err() != nil {
		fmt.Println("Stopped watching.")
	}
	return nil
}

// followInline keeps the process alive while inline chunks run.
func followInline(ctx context.Context, appInstance *app.App, id uuid.UUID) error {
	inline, ok := appInstance.JobClient.(*jobs.InlineClient)
	if !ok {
		fmt.Printf("Follow with: corpusflow job watch %s\n", id)
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	printed := make(chan error, 1)
	go func() { printed <- printUpdates(watchCtx, appInstance, id) }()

	finished := make(chan struct{})
	go func() {
		inline.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		fmt.Println(color.YellowString("Interrupted; the running chunk will checkpoint and the job can be resumed."))
	}
	cancel()
	<-printed

	job, err := appInstance.Jobs.GetJob(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	fmt.Println(progressLine(job, progress.Compute(job, appInstance.Jobs.Now()), appInstance.Jobs.Liveness(job)))
	return nil
}
