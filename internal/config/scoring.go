package config

import (
	"github.com/rotisserie/eris"

	"github.com/crown-postcodes/harvest-cli/internal/scoring"
)

// scoringRulesFile is the raw YAML shape of scoring_rules.yml. Conditions
// are parsed into tagged variants here, once, so the scoring engine never
// re-parses strings per evaluation.
type scoringRulesFile struct {
	Profiles map[string]struct {
		Rules []struct {
			ID   string `yaml:"id"`
			When string `yaml:"when"`
			Add  int    `yaml:"add"`
		} `yaml:"rules"`
		Clamp struct {
			Min int `yaml:"min"`
			Max int `yaml:"max"`
		} `yaml:"clamp"`
	} `yaml:"profiles"`
}

// LoadScoringProfiles reads and decodes the scoring profile bundle.
func LoadScoringProfiles(path string) (map[string]scoring.Profile, error) {
	var file scoringRulesFile
	if err := readYAML(path, &file); err != nil {
		return nil, err
	}
	if len(file.Profiles) == 0 {
		return nil, eris.Errorf("config: %s defines no scoring profiles", path)
	}

	out := make(map[string]scoring.Profile, len(file.Profiles))
	for name, raw := range file.Profiles {
		profile := scoring.Profile{
			Name:  name,
			Clamp: scoring.Clamp{Min: raw.Clamp.Min, Max: raw.Clamp.Max},
		}
		if profile.Clamp.Min == 0 && profile.Clamp.Max == 0 {
			profile.Clamp.Max = 100
		}
		if profile.Clamp.Max < profile.Clamp.Min {
			return nil, eris.Errorf("config: profile %q clamp max below min", name)
		}

		seen := make(map[string]bool, len(raw.Rules))
		for _, r := range raw.Rules {
			if r.ID == "" {
				return nil, eris.Errorf("config: profile %q has a rule without an id", name)
			}
			if seen[r.ID] {
				return nil, eris.Errorf("config: profile %q duplicates rule id %q", name, r.ID)
			}
			seen[r.ID] = true

			cond, err := scoring.ParseCondition(r.When)
			if err != nil {
				return nil, eris.Wrapf(err, "config: profile %q rule %q", name, r.ID)
			}
			profile.Rules = append(profile.Rules, scoring.Rule{ID: r.ID, Cond: cond, Delta: r.Add})
		}
		out[name] = profile
	}
	return out, nil
}
