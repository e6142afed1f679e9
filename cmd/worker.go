package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"corpusflow/internal/app"
	"corpusflow/internal/worker"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// workerCmd represents the worker command
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background chunk worker",
	Long: `Starts the asynq worker process that runs dispatched job chunks, and the scheduler
that enqueues the periodic liveness sweep. Requires dispatch.mode: asynq.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get application context: %w", err)
		}
		if err := runWorker(appInstance); err != nil {
			log.WithError(err).Error("Worker exited with error")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker runs the asynq server and scheduler until SIGINT or SIGTERM.
func runWorker(appInstance *app.App) error {
	cfg := appInstance.Config
	if cfg.Dispatch.Mode != "asynq" {
		return fmt.Errorf("the worker needs dispatch.mode asynq, got %q", cfg.Dispatch.Mode)
	}
	redisOpts := appInstance.AsynqRedisOpt()

	srv := worker.NewServer(redisOpts, cfg.Worker)
	mux := asynq.NewServeMux()
	worker.RegisterHandlers(mux, appInstance.Jobs)

	scheduler, err := worker.NewScheduler(redisOpts, cfg.Worker.SweepInterval)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"concurrency": cfg.Worker.Concurrency, "queues": cfg.Worker.Queues}).Info("Starting asynq worker server")
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start Asynq server: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return fmt.Errorf("failed to start Asynq scheduler: %w", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	log.Info("Shutdown signal received. Initiating graceful shutdown...")
	scheduler.Shutdown()
	// Stop pulls no new tasks; Shutdown lets running chunks checkpoint.
	srv.Stop()
	srv.Shutdown()
	log.Info("Worker shutdown complete.")
	return nil
}
