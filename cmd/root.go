package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"corpusflow/internal/app"
	"corpusflow/internal/config"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "corpusflow",
	Short: "Long-running corpus annotation jobs",
	Long: `corpusflow runs enrichment and annotation jobs over a song and lexicon corpus in
resumable chunks, with pause, resume, cancel, progress and automatic recovery.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	// PersistentPreRunE runs before any subcommand's RunE
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
			return nil
		}

		cfg, err := config.Load(viper.New(), configDir)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if err := configureLogging(cfg); err != nil {
			return err
		}

		appInstance, err := app.NewApp(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if appInstance, err := GetAppFromContext(cmd.Context()); err == nil {
			return appInstance.Close()
		}
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// Define a custom type for the context key to avoid collisions.
type contextKey string

const appKey contextKey = "app"

// GetAppFromContext returns the app built by the root command.
func GetAppFromContext(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application instance not found in context")
	}
	return appInstance, nil
}

func configureLogging(cfg *config.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "Directory containing config.yaml")
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database, redis and provider configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		appInstance, err := GetAppFromContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to get app instance: %w", err)
		}
		cfg := appInstance.Config
		ok := color.GreenString("ok")

		fmt.Printf("Database (%s): ", cfg.Database.Driver)
		if err := appInstance.Store.Ping(ctx); err != nil {
			fmt.Println(color.RedString("failed"))
			return fmt.Errorf("database ping failed: %w", err)
		}
		fmt.Println(ok)

		if cfg.Dispatch.Mode == "asynq" || cfg.Realtime.Enabled {
			fmt.Printf("Redis (%s): ", cfg.Redis.Address)
			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				fmt.Println(color.RedString("failed"))
				return fmt.Errorf("redis ping failed: %w", err)
			}
			fmt.Println(ok)
		}

		fmt.Printf("Dispatch: %s\n", cfg.Dispatch.Mode)
		providers := appInstance.Services.Configured()
		if len(providers) == 0 {
			fmt.Println("Providers:", color.YellowString("none configured"))
			return nil
		}
		fmt.Println("Providers:")
		for _, name := range providers {
			state := appInstance.Services.Breakers.State(name)
			if !strings.EqualFold(state, "closed") {
				state = color.YellowString(state)
			}
			fmt.Printf("  %-10s breaker %s\n", name, state)
		}
		return nil
	},
}
