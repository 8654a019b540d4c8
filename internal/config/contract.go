package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// ContractColumn is one column of the external ONSPD-compatible contract.
type ContractColumn struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"`
	Nullable      bool   `yaml:"nullable"`
	SourceMapping string `yaml:"source_mapping"`
}

// ContractColumns is the fixed downstream column contract. Order is part of
// the contract.
type ContractColumns struct {
	Version    string           `yaml:"version"`
	NullPolicy string           `yaml:"null_policy"`
	Columns    []ContractColumn `yaml:"columns"`
}

// Header returns the contract column names in declared order.
func (c ContractColumns) Header() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// LoadContractColumns reads and validates onspd_columns.yml.
func LoadContractColumns(path string) (ContractColumns, error) {
	var cfg ContractColumns
	if err := readYAML(path, &cfg); err != nil {
		return ContractColumns{}, err
	}
	if len(cfg.Columns) == 0 {
		return ContractColumns{}, eris.Errorf("config: %s defines no columns", path)
	}

	seen := make(map[string]bool, len(cfg.Columns))
	var dupes []string
	for _, col := range cfg.Columns {
		if col.Name == "" || col.SourceMapping == "" {
			return ContractColumns{}, eris.Errorf("config: %s has a column without name or source_mapping", path)
		}
		if seen[col.Name] {
			dupes = append(dupes, col.Name)
		}
		seen[col.Name] = true
	}
	if len(dupes) > 0 {
		return ContractColumns{}, eris.Errorf("config: duplicate contract columns: %s", strings.Join(dupes, ", "))
	}
	return cfg, nil
}
