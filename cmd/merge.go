package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
)

var (
	mergeTerritory string
	mergeRunID     string
	mergeRunDate   string
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Reconcile harvested snapshots into canonical CSVs",
	Long:  "Normalizes, dedupes and scores the harvested records, applies first/last-seen tracking, and writes the canonical per-territory CSV.",
	RunE: func(cmd *cobra.Command, args []string) error {
		territories, err := config.ResolveTerritories(mergeTerritory)
		if err != nil {
			return err
		}
		runDate, err := resolveRunDate(mergeRunDate)
		if err != nil {
			return err
		}
		runID := resolveRunID(mergeRunID)

		r, err := newRunner(nil, false)
		if err != nil {
			return err
		}

		for _, code := range territories {
			out, err := r.Merge(code, runID, runDate)
			if err != nil {
				return err
			}
			zap.L().Info("merge complete",
				zap.String("territory", code),
				zap.Int("unique_postcodes", len(out.Rows)),
				zap.Int("disappeared", out.Disappeared),
			)
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeTerritory, "territory", "all", "territory code (JE, GY, IM) or all")
	mergeCmd.Flags().StringVar(&mergeRunID, "run-id", "", "run identifier (generated when empty)")
	mergeCmd.Flags().StringVar(&mergeRunDate, "run-date", "", "run date as YYYY-MM-DD (defaults to today)")
	rootCmd.AddCommand(mergeCmd)
}
