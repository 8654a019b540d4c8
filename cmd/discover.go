package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/arcgis"
	"github.com/crown-postcodes/harvest-cli/internal/config"
)

var discoverTerritory string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Enumerate configured map-service layers",
	Long:  "Probes each configured feature service, lists its layers and fields, and writes a per-territory discovery manifest.",
	RunE: func(cmd *cobra.Command, args []string) error {
		territories, err := config.ResolveTerritories(discoverTerritory)
		if err != nil {
			return err
		}

		r, err := newRunner(nil, false)
		if err != nil {
			return err
		}

		all := make(map[string][]arcgis.ServiceManifest, len(territories))
		for _, code := range territories {
			manifests, err := r.Discover(cmd.Context(), code)
			if err != nil {
				return err
			}
			all[code] = manifests
			zap.L().Info("discovery complete",
				zap.String("territory", code),
				zap.Int("services", len(manifests)),
			)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	},
}

func init() {
	discoverCmd.Flags().StringVar(&discoverTerritory, "territory", "all", "territory code (JE, GY, IM) or all")
	rootCmd.AddCommand(discoverCmd)
}
