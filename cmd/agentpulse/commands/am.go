package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/agentpulse/am"
)

// AmCmd shows and validates configuration
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: symAM + " Show and validate configuration",
	Long: symAM + ` am - agentpulse configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. /etc/agentpulse/am.toml
3. ~/.agentpulse/am.toml
4. ./am.toml (searched upward from the working directory)
5. AGENTPULSE_* environment variables

Examples:
  agentpulse am show
  agentpulse am show --format yaml
  agentpulse am validate
  agentpulse am set dispatcher.max_concurrent 4   # A running engine picks this up`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files exist",
	RunE:  runAmWhere,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in a config file",
	Long: `Change one setting in a config file and write it back.

The file defaults to the project am.toml (or ./am.toml when none exists).
The previous version is kept as <file>.back1. An engine started with
"pulse start" watches the project file and re-applies dispatcher.max_concurrent
without a restart.

Keys:
  ` + strings.Join(am.SettableKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)

	amSetCmd.Flags().String("file", "", "Config file to change (default: project am.toml)")
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := renderConfig(cfg, configFormat)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// renderConfig marshals cfg in the requested format
func renderConfig(cfg *am.Config, format string) (string, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		return string(data) + "\n", nil

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		return "# agentpulse configuration\n" + string(data), nil

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		return "# agentpulse configuration\n" + string(data), nil

	default:
		return "", fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", format)
	}
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	data := pterm.TableData{{"SOURCE", "STATUS"}}
	for _, path := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "loaded"
		}
		data = append(data, []string{path, status})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = am.FindProjectConfig()
	}
	if path == "" {
		path = "am.toml"
	}

	if _, err := am.SetValue(path, args[0], args[1]); err != nil {
		return err
	}
	pterm.Success.Printf("%s = %s (%s)\n", args[0], args[1], path)
	return nil
}
