package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/cmd/agentpulse/commands"
	"github.com/teranos/agentpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "agentpulse",
	Short: "agentpulse - ingestion scheduling and deferred agent jobs",
	Long: `agentpulse keeps data sources fresh and runs agent calls in the background.

Three loops share one SQLite ledger:
  - the ingestion scheduler files Sync jobs for stale data sources
  - the dispatcher runs data-source jobs, a bounded number at a time
  - the agent executor drains deferred agent jobs and sweeps expired ones

Available commands:
  pulse   - Run the engine
  source  - Register and list data sources
  ds      - Schedule and inspect data-source jobs
  agent   - Enqueue agent jobs and read their results
  am      - Show and validate configuration ("I am")
  version - Show build information

Examples:
  agentpulse pulse start
  agentpulse ds schedule 7 sync
  agentpulse agent enqueue Summarize --param doc=q3.pdf --login alice
  agentpulse agent result <guid>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.SourceCmd)
	rootCmd.AddCommand(commands.DsCmd)
	rootCmd.AddCommand(commands.AgentCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(commands.ExitCode(err))
	}
}
