package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/pipeline"
)

var (
	allTerritory string
	allRunDate   string
	allStrict    bool
)

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the full pipeline end to end",
	Long: "Runs discover, harvest, merge, map-onspd and validate for each territory, records the run\n" +
		"in the ledger, and prints the run summary. Exits 0 on success, 10 on a partial run, 20 on failure.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		territories, err := config.ResolveTerritories(allTerritory)
		if err != nil {
			return err
		}
		runDate, err := resolveRunDate(allRunDate)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		r, err := newRunner(st, allStrict)
		if err != nil {
			return err
		}

		summary, err := r.RunAll(ctx, territories, runDate)
		if err != nil {
			exitCode = 20
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}

		exitCode = pipeline.ExitCode(summary.Status, allStrict)
		return nil
	},
}

func init() {
	allCmd.Flags().StringVar(&allTerritory, "territory", "all", "territory code (JE, GY, IM) or all")
	allCmd.Flags().StringVar(&allRunDate, "run-date", "", "run date as YYYY-MM-DD (defaults to today)")
	allCmd.Flags().BoolVar(&allStrict, "strict", false, "treat a partial run as failure")
	rootCmd.AddCommand(allCmd)
}
