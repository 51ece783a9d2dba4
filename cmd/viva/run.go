package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vivavoce/viva/internal/session"
)

// runCmd starts an interactive interview session
func runCmd() *cobra.Command {
	var topic string
	var role string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interview session",
		Long: `Connect to the configured speech server and run a mock interview.
The interviewer speaks through the server; type your answers and press Enter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if topic != "" {
				cfg.Interview.Topic = topic
			}
			if role != "" {
				cfg.Interview.Role = role
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						slog.Error("metrics listener failed", "addr", metricsAddr, "error", err)
					}
				}()
			}

			transcriber := session.NewHTTPTranscriber(cfg.Server.TranscribeURL, cfg.Server.Lang)
			runner, err := session.New(cfg, transcriber, nil)
			if err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			fmt.Printf("Connecting to %s...\n", cfg.Server.WSURL)
			if err := runner.Start(startCtx); err != nil {
				return err
			}
			defer runner.Stop()

			fmt.Printf("Interview started: %s %s, topic %q.\n", cfg.Interview.Level, cfg.Interview.Role, cfg.Interview.Topic)
			fmt.Println("Type your answer and press Enter. Commands: /retry /offline /online /reset, 'exit' to quit.")
			fmt.Println(strings.Repeat("-", 80))

			scanner := bufio.NewScanner(os.Stdin)
			for {
				answer, err := runner.CompleteTurn(ctx)
				switch {
				case errors.Is(err, context.Canceled):
					fmt.Println("\nSession ended.")
					return nil
				case errors.Is(err, session.ErrNoUsableResponse):
					fmt.Printf("(no usable response, channel %s; type /retry or keep waiting)\n", runner.State())
				case err != nil:
					return err
				default:
					fmt.Printf("\nInterviewer: %s\n", answer.Text)
					if answer.Source != session.SourceLive {
						fmt.Printf("(recovered via %s)\n", answer.Source)
					}
				}

				fmt.Print("\nYou: ")
				if !scanner.Scan() {
					fmt.Println("\nSession ended.")
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())

				switch line {
				case "exit", "quit":
					return nil
				case "/retry":
					runner.RetryNow()
					continue
				case "/offline":
					runner.SetOnline(false)
					fmt.Println("(marked offline; dialing paused)")
					continue
				case "/online":
					runner.SetOnline(true)
					fmt.Println("(marked online; reconnecting)")
					continue
				case "/reset":
					runner.Reset()
					fmt.Println("(conversation reset)")
					continue
				case "":
					continue
				}

				if err == nil {
					runner.RecordExchange(answer.Text, line)
				}
			}
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Interview topic (overrides VIVA_TOPIC)")
	cmd.Flags().StringVar(&role, "role", "", "Interview role (overrides VIVA_ROLE)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")

	return cmd
}
