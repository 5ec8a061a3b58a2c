package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sensorsync/internal/app"
	"sensorsync/internal/config"
	"sensorsync/internal/logger"
	"sensorsync/internal/timestamp"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile   string
	historyLimit int
)

var rootCmd = &cobra.Command{
	Use:   "sensorsync",
	Short: "Publish new sensor readings in periodic batches",
	Long:  `An unattended agent that polls an append-only sensor log, publishes each cycle's new rows as a batch file and advances a durable checkpoint only after the destination confirms the publish.`,
	RunE:  runLoop,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle and exit",
	RunE:  runOnce,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the checkpoint, the unpublished backlog and the published batches",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	config.BindFlags(rootCmd.PersistentFlags())

	statusCmd.Flags().IntVar(&historyLimit, "history", 10, "Checkpoint history entries to show (sqlite backend)")

	rootCmd.AddCommand(onceCmd, statusCmd)
}

func setup(cmd *cobra.Command) (*app.Agent, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Create application
	agent, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, fmt.Errorf("failed to create agent: %w", err)
	}

	return agent, log, nil
}

func closeAgent(agent *app.Agent, log *zap.Logger) {
	if err := agent.Close(); err != nil {
		log.Error("Error closing agent", zap.Error(err))
	}
	log.Sync()
}

func runLoop(cmd *cobra.Command, args []string) error {
	agent, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeAgent(agent, log)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, stopping after the current cycle...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return agent.Run(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	agent, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeAgent(agent, log)

	res, err := agent.RunCycle(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "outcome:    %s\n", res.Outcome)
	fmt.Fprintf(cmd.OutOrStdout(), "checkpoint: %s\n", timestamp.Format(res.Checkpoint))
	if res.Batch != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "batch:      %s (%d rows)\n", res.Batch, res.Rows)
	}
	if res.Err != nil {
		return fmt.Errorf("cycle %s: %w", res.Outcome, res.Err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	agent, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer closeAgent(agent, log)

	report, err := agent.Status(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checkpoint: %s\n", timestamp.Format(report.Checkpoint))
	if report.BacklogErr != nil {
		fmt.Fprintf(out, "backlog:    unreadable (%v)\n", report.BacklogErr)
	} else {
		fmt.Fprintf(out, "backlog:    %d rows\n", report.Backlog)
	}
	fmt.Fprintf(out, "published:  %d batches, %d bytes\n", report.Published, report.PublishedBytes)

	if len(report.History) > 0 {
		fmt.Fprintln(out, "history:")
		for _, rec := range report.History {
			fmt.Fprintf(out, "  %s  %s  %s\n",
				rec.UpdatedAt.Format("2006-01-02 15:04:05"),
				timestamp.Format(rec.Timestamp),
				rec.Batch,
			)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
