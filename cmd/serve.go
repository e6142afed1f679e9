package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"corpusflow/internal/apihandlers"
	"corpusflow/internal/app"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr string // Listen address
	servePort string // Listen port
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts an HTTP server exposing job start, pause, resume, cancel, progress and a
server-sent event stream of job changes. With server.auto_resume set, the server also
supervises active jobs and resumes the ones that stall.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, appInstance)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default server.address)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default server.port)")
}

func newRouter(appInstance *app.App) *gin.Engine {
	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		if err := appInstance.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	apihandlers.NewAPIHandler(appInstance).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func runServer(ctx context.Context, appInstance *app.App) error {
	cfg := appInstance.Config
	addr, port := cfg.Server.Address, cfg.Server.Port
	if serveAddr != "" {
		addr = serveAddr
	}
	if servePort != "" {
		port = servePort
	}
	srv := &http.Server{Addr: fmt.Sprintf("%s:%s", addr, port), Handler: newRouter(appInstance)}

	background, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	var running int

	if cfg.Server.AutoResume && cfg.AutoResume.Enabled {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			appInstance.NewAutoResumeSupervisor().Run(background)
		}()
	}
	// The worker schedules sweeps in asynq mode; inline servers sweep themselves.
	if cfg.Dispatch.Mode != "asynq" {
		running++
		go func() {
			defer func() { done <- struct{}{} }()
			runSweepLoop(background, appInstance, cfg.Worker.SweepInterval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting corpusflow API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received. Stopping API server...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server shutdown incomplete")
	}
	cancel()
	for i := 0; i < running; i++ {
		<-done
	}
	if serveErr != nil {
		return fmt.Errorf("failed to run API server: %w", serveErr)
	}
	log.Info("API server stopped")
	return nil
}

func runSweepLoop(ctx context.Context, appInstance *app.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := appInstance.Jobs.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Liveness sweep failed")
			}
		}
	}
}
