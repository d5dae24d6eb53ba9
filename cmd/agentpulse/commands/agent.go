package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentpulse/pulse/async"
	"github.com/teranos/agentpulse/pulse/ledger"
)

// AgentCmd manages deferred agent jobs
var AgentCmd = &cobra.Command{
	Use:   "agent",
	Short: symAgent + " Enqueue agent jobs and read their results",
	Long: symAgent + ` Agent jobs run a named agent later, as the caller who asked.

Results stay readable until the job's TTL passes; after that the job is
deleted whatever its state.

Examples:
  agentpulse agent enqueue Summarize --param doc=q3.pdf --login alice --tag finance --ttl 10m
  agentpulse agent result 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  agentpulse agent ls --state completed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var agentEnqueueCmd = &cobra.Command{
	Use:   "enqueue <agent>",
	Short: "Queue a deferred agent call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawParams, _ := cmd.Flags().GetStringArray("param")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		params, err := parseParams(rawParams)
		if err != nil {
			return err
		}

		identity := async.CallerIdentity{}
		identity.LoginID, _ = cmd.Flags().GetString("login")
		identity.LoginType, _ = cmd.Flags().GetString("login-type")
		identity.TagScope, _ = cmd.Flags().GetStringSlice("tag")
		identity.Message, _ = cmd.Flags().GetString("message")

		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		guid, err := engine.EnqueueAgentJob(context.Background(), args[0], params, identity, ttl)
		if err != nil {
			return err
		}
		fmt.Println(guid)
		return nil
	},
}

var agentResultCmd = &cobra.Command{
	Use:   "result <guid>",
	Short: "Show the state and result of an agent job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json-output")

		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		state, result, err := engine.GetAgentJobResult(context.Background(), args[0])
		if err != nil {
			return err
		}

		if asJSON {
			data, err := json.MarshalIndent(map[string]string{
				"guid":   args[0],
				"state":  string(state),
				"result": result,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("%s %s: %s\n", symAgent, args[0], state)
		if result != "" {
			fmt.Println(result)
		}
		return nil
	},
}

var agentLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List agent jobs, newest first",
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

		jobs, err := engine.Queue().List(context.Background(), state, limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Printf("%s No agent jobs found\n", symAgent)
			return nil
		}

		data := pterm.TableData{{"GUID", "AGENT", "STATE", "VALID TILL", "RESULT"}}
		for _, j := range jobs {
			data = append(data, []string{
				j.GUID,
				j.TargetAgentName,
				string(j.State),
				j.ValidTill.Local().Format(timeFormat),
				truncate(strings.ReplaceAll(j.Result, "\n", " "), 50),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	},
}

// parseParams turns repeated key=value flags into a parameter map
func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", kv)
		}
		params[key] = value
	}
	return params, nil
}

func init() {
	agentEnqueueCmd.Flags().StringArray("param", nil, "Agent parameter as key=value (repeatable)")
	agentEnqueueCmd.Flags().Duration("ttl", 0, "How long the job and its result are kept (default: agent_queue.default_ttl_seconds)")
	agentEnqueueCmd.Flags().String("login", "", "Login id the agent runs as")
	agentEnqueueCmd.Flags().String("login-type", "", "Login type of the caller")
	agentEnqueueCmd.Flags().StringSlice("tag", nil, "Tag scope of the caller (repeatable or comma separated)")
	agentEnqueueCmd.Flags().String("message", "", "Originating message recorded with the identity")

	agentResultCmd.Flags().Bool("json-output", false, "Print the result as JSON")

	agentLsCmd.Flags().String("state", "", "Filter by state (new, in_progress, completed, failed)")
	agentLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")

	AgentCmd.AddCommand(agentEnqueueCmd)
	AgentCmd.AddCommand(agentResultCmd)
	AgentCmd.AddCommand(agentLsCmd)
}
