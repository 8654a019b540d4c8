package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/crown-postcodes/harvest-cli/internal/db"
	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used ledger operations.
var preparedStatements = map[string]string{
	"insert_run":     `INSERT INTO runs (id, run_date, territories, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"complete_run":   `UPDATE runs SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
	"get_run":        `SELECT id, run_date, territories, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
	"insert_stage":   `INSERT INTO run_stages (id, run_id, territory, name, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	"complete_stage": `UPDATE run_stages SET status = $1, detail = $2, completed_at = $3 WHERE id = $4`,
	"list_stages":    `SELECT id, run_id, territory, name, status, detail, started_at, completed_at FROM run_stages WHERE run_id = $1 ORDER BY started_at ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_date    TEXT NOT NULL,
	territories JSONB NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_stages (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	territory    TEXT NOT NULL,
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	detail       JSONB,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS canonical_rows (
	run_id              TEXT NOT NULL REFERENCES runs(id),
	territory           TEXT NOT NULL,
	normalised_postcode TEXT NOT NULL,
	postcode            TEXT NOT NULL,
	source_list         JSONB NOT NULL,
	source_count        INTEGER NOT NULL,
	has_coordinates     BOOLEAN NOT NULL,
	lat                 DOUBLE PRECISION,
	lon                 DOUBLE PRECISION,
	coordinate_source   TEXT,
	confidence_score    INTEGER NOT NULL,
	first_seen          TEXT,
	last_seen           TEXT,
	notes               JSONB,
	PRIMARY KEY (run_id, territory, normalised_postcode)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_run_date ON runs(run_date);
CREATE INDEX IF NOT EXISTS idx_run_stages_run_id ON run_stages(run_id);
CREATE INDEX IF NOT EXISTS idx_canonical_rows_territory ON canonical_rows(territory, normalised_postcode);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, runDate string, territories []string) (*model.Run, error) {
	id := newRunID(runDate)
	now := time.Now().UTC()

	territoriesJSON, err := json.Marshal(territories)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal territories")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, run_date, territories, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, runDate, territoriesJSON, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:          id,
		RunDate:     runDate,
		Territories: territories,
		Status:      model.RunStatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(status), nullableBytes(summary), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_date, territories, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPostgresRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, run_date, territories, status, summary, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Territory != "" {
		query += fmt.Sprintf(` AND territories ? $%d`, argIdx)
		args = append(args, filter.Territory)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) StartStage(ctx context.Context, runID, territory, name string) (*model.RunStage, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_stages (id, run_id, territory, name, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, runID, territory, name, string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage for run %s", runID)
	}

	return &model.RunStage{
		ID:        id,
		RunID:     runID,
		Territory: territory,
		Name:      name,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteStage(ctx context.Context, stageID string, status model.StageStatus, detail json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_stages SET status = $1, detail = $2, completed_at = $3 WHERE id = $4`,
		string(status), nullableBytes(detail), time.Now().UTC(), stageID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("stage not found: %s", stageID)
	}
	return nil
}

func (s *PostgresStore) ListStages(ctx context.Context, runID string) ([]model.RunStage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, territory, name, status, detail, started_at, completed_at
		 FROM run_stages WHERE run_id = $1 ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stages")
	}
	defer rows.Close()

	var stages []model.RunStage
	for rows.Next() {
		var st model.RunStage
		var detail []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.Territory, &st.Name, &st.Status, &detail, &st.StartedAt, &st.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if detail != nil {
			st.Detail = json.RawMessage(detail)
		}
		stages = append(stages, st)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

// canonicalRowColumns is the column order used when archiving canonical
// output into postgres.
var canonicalRowColumns = []string{
	"run_id", "territory", "normalised_postcode", "postcode",
	"source_list", "source_count", "has_coordinates", "lat", "lon",
	"coordinate_source", "confidence_score", "first_seen", "last_seen", "notes",
}

// ArchiveCanonical bulk-upserts a territory's canonical output into the
// canonical_rows table, keyed by (run_id, territory, normalised_postcode) so
// re-running a territory within the same run replaces its rows.
func (s *PostgresStore) ArchiveCanonical(ctx context.Context, runID, territory string, rows []model.CanonicalRow) (int64, error) {
	values := make([][]any, 0, len(rows))
	for _, row := range rows {
		sourceList, err := json.Marshal(row.SourceList)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal source list")
		}
		var notes []byte
		if len(row.Notes) > 0 {
			notes, err = json.Marshal(row.Notes)
			if err != nil {
				return 0, eris.Wrap(err, "postgres: marshal notes")
			}
		}
		values = append(values, []any{
			runID, territory, row.NormalisedPostcode, row.Postcode,
			sourceList, row.SourceCount, row.HasCoordinates, row.Lat, row.Lon,
			nullableString(row.CoordinateSource), row.ConfidenceScore,
			nullableString(row.FirstSeen), nullableString(row.LastSeen), notes,
		})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "canonical_rows",
		Columns:      canonicalRowColumns,
		ConflictKeys: []string{"run_id", "territory", "normalised_postcode"},
	}, values)
}

// helpers

func nullableBytes(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type pgScannable interface {
	Scan(dest ...any) error
}

func scanPostgresRun(row pgScannable) (*model.Run, error) {
	var r model.Run
	var territoriesJSON, summaryJSON []byte

	if err := row.Scan(&r.ID, &r.RunDate, &territoriesJSON, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(territoriesJSON, &r.Territories); err != nil {
		return nil, eris.Wrap(err, "unmarshal territories")
	}
	if summaryJSON != nil {
		r.Summary = json.RawMessage(summaryJSON)
	}
	return &r, nil
}
