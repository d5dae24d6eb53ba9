package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// SourceCmd manages the data-source catalog
var SourceCmd = &cobra.Command{
	Use:   "source",
	Short: symSource + " Register and list data sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var sourceRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a data source",
	Long: `Register a data source. It is never synced, so the next ingestion
scan picks it up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		ds, err := engine.Catalog().Register(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s Registered %s as resource %d\n", symSource, ds.Name, ds.ID)
		return nil
	},
}

var sourceLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List data sources and when they were last synced",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, database, err := openEngine()
		if err != nil {
			return err
		}
		defer database.Close()

		sources, err := engine.Catalog().List(context.Background())
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Printf("%s No data sources registered\n", symSource)
			return nil
		}

		data := pterm.TableData{{"ID", "NAME", "LAST SYNCED", "REGISTERED"}}
		for _, s := range sources {
			synced := "never"
			if s.LastSyncedAt != nil {
				synced = s.LastSyncedAt.Local().Format(timeFormat)
			}
			data = append(data, []string{
				strconv.FormatInt(s.ID, 10),
				s.Name,
				synced,
				s.CreatedAt.Local().Format(timeFormat),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	SourceCmd.AddCommand(sourceRegisterCmd)
	SourceCmd.AddCommand(sourceLsCmd)
}
