package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/logger"
)

// PulseCmd groups engine commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: symPulse + " Run the agentpulse engine",
	Long: symPulse + ` Pulse runs the ingestion scheduler, the task dispatcher and the
agent job executor until interrupted.

Example:
  agentpulse pulse start
  agentpulse pulse start --watch-config ./am.toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd runs the engine in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the engine in the foreground",
	Long: `Run the engine in the foreground.

On start the dispatcher requeues retriable jobs left in progress by a crash.
Ctrl+C (or SIGTERM) stops the loops and waits for running jobs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watchPath, _ := cmd.Flags().GetString("watch-config")

		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		if watchPath == "" {
			watchPath = am.FindProjectConfig()
		}
		if watchPath != "" {
			if err := engine.WatchConfig(watchPath); err != nil {
				logger.Warnw("Config watching disabled", "path", watchPath, logger.FieldError, err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine.Start(ctx)

		cfg, _ := am.Load()
		pterm.Success.Printf("%s Engine started\n", symPulse)
		pterm.Printf("  Database:        %s\n", cfg.Database.Path)
		pterm.Printf("  Ingestion every: %v (batch %d)\n", cfg.Ingestion.Interval(), cfg.Ingestion.BatchSize)
		pterm.Printf("  Dispatch every:  %v (max %d concurrent)\n", cfg.Dispatcher.Interval(), cfg.Dispatcher.MaxConcurrent)
		pterm.Printf("  Agent idle:      %v\n", cfg.AgentQueue.IdleInterval())
		if watchPath != "" {
			pterm.Printf("  Watching:        %s\n", watchPath)
		}
		pterm.Printf("\n%s Press Ctrl+C to stop\n\n", symPulse)

		<-ctx.Done()

		fmt.Printf("\n%s Stopping...\n", symPulse)
		engine.Stop()
		fmt.Printf("%s Engine stopped (%s)\n", symPulse, scanSummary(engine.Scheduler().LastTick()))
		return nil
	},
}

// scanSummary describes scheduler activity for the shutdown line
func scanSummary(lastAt time.Time, ticks int64) string {
	if ticks == 0 {
		return "no ingestion scans ran"
	}
	return fmt.Sprintf("%d ingestion scans, last at %s", ticks, lastAt.Local().Format(timeFormat))
}

func init() {
	PulseStartCmd.Flags().String("watch-config", "", "Config file to watch for live changes (default: project am.toml)")
	PulseCmd.AddCommand(PulseStartCmd)
}
