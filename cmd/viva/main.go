package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vivavoce/viva/internal/config"
	"github.com/vivavoce/viva/pkg/otel"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var (
	cfg      *config.Config
	shutdown func(context.Context) error
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "viva",
		Short: "Viva - voice interview practice client",
		Long: `Viva holds a spoken mock interview against a remote speech model,
riding out flaky network links without losing the conversation.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}

			var traceWriter io.Writer
			if cfg.TraceStdout {
				traceWriter = os.Stdout
			}
			res, err := otel.Init(otel.Config{
				ServiceName: "viva",
				Environment: cfg.Environment,
				TraceWriter: traceWriter,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			slog.SetDefault(res.Logger)
			shutdown = res.Shutdown
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if shutdown != nil {
				_ = shutdown(context.Background())
			}
		},
	}

	rootCmd.AddCommand(
		runCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Current configuration:")
			fmt.Println()

			fmt.Println("Server:")
			fmt.Printf("  WebSocket URL:  %s\n", cfg.Server.WSURL)
			fmt.Printf("  Transcribe URL: %s\n", cfg.Server.TranscribeURL)
			fmt.Printf("  Language:       %s\n", cfg.Server.Lang)
			fmt.Println()

			fmt.Println("Channel:")
			fmt.Printf("  Max Attempts:       %d\n", cfg.Channel.MaxAttempts)
			fmt.Printf("  Base Delay:         %s\n", cfg.Channel.BaseDelay)
			fmt.Printf("  Max Delay:          %s\n", cfg.Channel.MaxDelay)
			fmt.Printf("  Jitter Ratio:       %.2f\n", cfg.Channel.JitterRatio)
			fmt.Printf("  Heartbeat Interval: %s\n", cfg.Channel.HeartbeatInterval)
			fmt.Printf("  Dead Connection:    %s\n", cfg.Channel.DeadConnection)
			fmt.Printf("  Max Queue Size:     %d\n", cfg.Channel.MaxQueueSize)
			fmt.Println()

			fmt.Println("Turn:")
			fmt.Printf("  Timeout:     %s\n", cfg.Turn.Timeout)
			fmt.Printf("  Pre-Silence: %s\n", cfg.Turn.PreSilence)
			fmt.Printf("  Soft Settle: %s\n", cfg.Turn.SoftSettle)
			fmt.Printf("  Hard Settle: %s\n", cfg.Turn.HardSettle)
			fmt.Println()

			fmt.Println("Interview:")
			fmt.Printf("  Role:        %s\n", cfg.Interview.Role)
			fmt.Printf("  Level:       %s\n", cfg.Interview.Level)
			fmt.Printf("  Topic:       %s\n", cfg.Interview.Topic)
			fmt.Printf("  Max History: %d\n", cfg.Interview.MaxHistory)
			fmt.Println()

			fmt.Println("Environment variables:")
			fmt.Println("  VIVA_WS_URL, VIVA_TRANSCRIBE_URL, VIVA_LANG")
			fmt.Println("  VIVA_MAX_ATTEMPTS, VIVA_BASE_DELAY, VIVA_MAX_DELAY, VIVA_JITTER_RATIO")
			fmt.Println("  VIVA_HEARTBEAT_INTERVAL, VIVA_DEAD_CONNECTION, VIVA_MAX_QUEUE_SIZE")
			fmt.Println("  VIVA_TURN_TIMEOUT, VIVA_PRE_SILENCE, VIVA_SOFT_SETTLE, VIVA_HARD_SETTLE")
			fmt.Println("  VIVA_ROLE, VIVA_LEVEL, VIVA_TOPIC, VIVA_MAX_HISTORY")
			fmt.Println("  VIVA_ENVIRONMENT, VIVA_TRACE_STDOUT")

			return nil
		},
	}
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Viva %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
