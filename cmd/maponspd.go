package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/config"
)

var mapTerritory string

var mapONSPDCmd = &cobra.Command{
	Use:   "map-onspd",
	Short: "Project canonical CSVs onto the ONSPD column contract",
	Long:  "Reads each territory's canonical CSV back and emits the strict ONSPD-compatible contract file. Any contract violation is fatal.",
	RunE: func(cmd *cobra.Command, args []string) error {
		territories, err := config.ResolveTerritories(mapTerritory)
		if err != nil {
			return err
		}

		r, err := newRunner(nil, false)
		if err != nil {
			return err
		}

		for _, code := range territories {
			result, err := r.MapONSPD(code)
			if err != nil {
				return err
			}
			zap.L().Info("contract mapping complete",
				zap.String("territory", code),
				zap.String("path", result.Path),
				zap.Int("rows", result.Rows),
			)
		}
		return nil
	},
}

func init() {
	mapONSPDCmd.Flags().StringVar(&mapTerritory, "territory", "all", "territory code (JE, GY, IM) or all")
	rootCmd.AddCommand(mapONSPDCmd)
}
