package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/crown-postcodes/harvest-cli/internal/config"
	"github.com/crown-postcodes/harvest-cli/internal/report"
)

var (
	validateTerritory string
	validateRunID     string
	validateRunDate   string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate written outputs and build quality reports",
	Long:  "Reads the canonical and contract CSVs back off disk, checks the contract header, and writes the per-territory quality report.",
	RunE: func(cmd *cobra.Command, args []string) error {
		territories, err := config.ResolveTerritories(validateTerritory)
		if err != nil {
			return err
		}
		runDate, err := resolveRunDate(validateRunDate)
		if err != nil {
			return err
		}
		runID := resolveRunID(validateRunID)

		r, err := newRunner(nil, false)
		if err != nil {
			return err
		}

		reports := make(map[string]*report.TerritoryReport, len(territories))
		for _, code := range territories {
			rpt, err := r.Validate(code, runID, runDate)
			if rpt != nil {
				reports[code] = rpt
			}
			if err != nil {
				return err
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTerritory, "territory", "all", "territory code (JE, GY, IM) or all")
	validateCmd.Flags().StringVar(&validateRunID, "run-id", "", "run identifier (generated when empty)")
	validateCmd.Flags().StringVar(&validateRunDate, "run-date", "", "run date as YYYY-MM-DD (defaults to today)")
	rootCmd.AddCommand(validateCmd)
}
