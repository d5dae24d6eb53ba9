package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/pulse/ledger"
)

const timeFormat = "2006-01-02 15:04:05"

// DsCmd manages data-source jobs
var DsCmd = &cobra.Command{
	Use:   "ds",
	Short: symDS + " Schedule and inspect data-source jobs",
	Long: symDS + ` Data-source jobs: sync, remove and tag_sync work per resource.

Examples:
  agentpulse ds schedule 7 sync      # Idempotent: returns the active job if one exists
  agentpulse ds ls --state failed
  agentpulse ds scan                 # Run one ingestion scan now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dsScheduleCmd = &cobra.Command{
	Use:   "schedule <resource-id> <kind>",
	Short: "Schedule a job for a resource (sync, remove, tag_sync)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		resourceID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid resource id %q: %w", args[0], err)
		}
		kind, err := ledger.ParseKind(args[1])
		if err != nil {
			return err
		}

		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		jobID, err := engine.ScheduleDataSourceJob(context.Background(), resourceID, kind)
		if err != nil {
			return err
		}
		fmt.Printf("%s Job %d (%s for resource %d)\n", symDS, jobID, kind, resourceID)
		return nil
	},
}

var dsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List data-source jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		stateFilter, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")

		var state *ledger.JobState
		if stateFilter != "" {
			s, err := ledger.ParseJobState(stateFilter)
			if err != nil {
				return err
			}
			state = &s
		}

		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := engine.DataSourceJobs().List(context.Background(), state, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Printf("%s No jobs found\n", symDS)
			return nil
		}

		data := pterm.TableData{{"ID", "RESOURCE", "KIND", "STATE", "RETRIABLE", "UPDATED", "ERROR"}}
		for _, j := range jobs {
			data = append(data, []string{
				strconv.FormatInt(j.ID, 10),
				strconv.FormatInt(j.ResourceID, 10),
				string(j.Kind),
				string(j.State),
				strconv.FormatBool(j.IsRetriable),
				j.UpdatedAt.Local().Format(timeFormat),
				truncate(j.ErrorMessage, 60),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	},
}

var dsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one ingestion scan now",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		res, err := engine.Scheduler().Tick(context.Background())
		if err != nil {
			return err
		}
		pterm.Info.Printf("%d stale source(s), %d scheduled, %d already active, %d old job(s) purged\n",
			res.Candidates, len(res.Scheduled), res.Skipped, res.Purged)
		return nil
	},
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func init() {
	dsLsCmd.Flags().String("state", "", "Filter by state (new, in_progress, completed, failed)")
	dsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	DsCmd.AddCommand(dsScheduleCmd)
	DsCmd.AddCommand(dsLsCmd)
	DsCmd.AddCommand(dsScanCmd)
}
