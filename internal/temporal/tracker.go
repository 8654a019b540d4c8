// Package temporal tracks when each postcode was first and most recently
// observed across runs.
package temporal

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// Seen is the persisted observation window for one normalised postcode.
type Seen struct {
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// State is the per-territory snapshot persisted after each run. It is the
// authoritative history source when the canonical file itself is missing.
type State struct {
	Territory string          `json:"territory"`
	Postcodes map[string]Seen `json:"postcodes"`
}

// Stats summarizes one tracking pass.
type Stats struct {
	// DisappearedCount is the number of previously-seen keys absent from
	// the current run. Diagnostic only.
	DisappearedCount int
}

// Tracker applies first/last-seen tracking using the previous canonical
// output with the state snapshot as fallback.
type Tracker struct {
	CanonicalPath string
	StatePath     string
}

// Apply fills FirstSeen/LastSeen on the current rows in place, persists the
// new state snapshot, and reports how many previously-seen keys vanished.
// A key's first-seen, once established, is carried forward unchanged.
func (t *Tracker) Apply(rows []model.CanonicalRow, territory, runDate string) (Stats, error) {
	previous := t.loadHistory()

	currentKeys := make(map[string]bool, len(rows))
	for i := range rows {
		key := rows[i].NormalisedPostcode
		currentKeys[key] = true

		if prior, ok := previous[key]; ok && prior.FirstSeen != "" {
			rows[i].FirstSeen = prior.FirstSeen
		} else {
			rows[i].FirstSeen = runDate
		}
		rows[i].LastSeen = runDate
	}

	var stats Stats
	for key := range previous {
		if !currentKeys[key] {
			stats.DisappearedCount++
		}
	}

	if err := t.saveState(rows, territory); err != nil {
		return stats, err
	}

	if stats.DisappearedCount > 0 {
		zap.L().Warn("postcodes disappeared since previous run",
			zap.String("territory", territory),
			zap.Int("count", stats.DisappearedCount),
		)
	}
	return stats, nil
}

// loadHistory prefers the previous canonical CSV; when that is absent or
// empty it falls back to the state snapshot. A fresh territory has neither.
func (t *Tracker) loadHistory() map[string]Seen {
	previous := t.loadFromCanonical()
	if len(previous) > 0 {
		return previous
	}
	return t.loadFromState()
}

func (t *Tracker) loadFromCanonical() map[string]Seen {
	file, err := os.Open(t.CanonicalPath)
	if err != nil {
		return nil
	}
	defer file.Close() //nolint:errcheck

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	keyIdx, ok := col["normalised_postcode"]
	if !ok {
		return nil
	}

	out := make(map[string]Seen)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			zap.L().Warn("temporal: unreadable canonical row, falling back to state",
				zap.String("path", t.CanonicalPath), zap.Error(err))
			return nil
		}
		key := record[keyIdx]
		if key == "" {
			continue
		}
		seen := Seen{}
		if i, ok := col["first_seen"]; ok && i < len(record) {
			seen.FirstSeen = record[i]
		}
		if i, ok := col["last_seen"]; ok && i < len(record) {
			seen.LastSeen = record[i]
		}
		out[key] = seen
	}
	return out
}

func (t *Tracker) loadFromState() map[string]Seen {
	data, err := os.ReadFile(t.StatePath)
	if err != nil {
		return nil
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		zap.L().Warn("temporal: corrupt state snapshot ignored",
			zap.String("path", t.StatePath), zap.Error(err))
		return nil
	}
	return state.Postcodes
}

func (t *Tracker) saveState(rows []model.CanonicalRow, territory string) error {
	state := State{
		Territory: territory,
		Postcodes: make(map[string]Seen, len(rows)),
	}
	for _, row := range rows {
		state.Postcodes[row.NormalisedPostcode] = Seen{
			FirstSeen: row.FirstSeen,
			LastSeen:  row.LastSeen,
		}
	}

	if err := os.MkdirAll(filepath.Dir(t.StatePath), 0o755); err != nil {
		return eris.Wrap(err, "temporal: create state dir")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return eris.Wrap(err, "temporal: marshal state")
	}
	if err := os.WriteFile(t.StatePath, data, 0o644); err != nil {
		return eris.Wrap(err, "temporal: write state")
	}
	return nil
}
