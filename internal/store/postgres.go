package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datasheet-cli/internal/db"
	"github.com/sells-group/datasheet-cli/internal/model"
)

// defaultDimensions sizes the embedding column when no embedder is set.
const defaultDimensions = 256

// PostgresStore implements Store on Postgres with a pgvector index.
type PostgresStore struct {
	pool     db.Pool
	closeFn  func()
	embedder Embedder
	now      func() time.Time
}

// NewPostgres connects to Postgres. embedder may be nil, in which case
// records are indexed by text only.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig, embedder Embedder) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, embedder: embedder, now: time.Now}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, embedder Embedder) *PostgresStore {
	return &PostgresStore{pool: pool, embedder: embedder, now: time.Now}
}

func (s *PostgresStore) dimensions() int {
	if s.embedder != nil && s.embedder.Dimensions() > 0 {
		return s.embedder.Dimensions()
	}
	return defaultDimensions
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS golden_records (
	task_id            TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	manufacturer       TEXT NOT NULL DEFAULT '',
	product_name       TEXT NOT NULL DEFAULT '',
	fields             JSONB NOT NULL,
	field_confidences  JSONB NOT NULL,
	overall_confidence DOUBLE PRECISION NOT NULL,
	completeness       DOUBLE PRECISION NOT NULL,
	consistency        DOUBLE PRECISION NOT NULL,
	requires_review    BOOLEAN NOT NULL,
	notes              JSONB,
	strategies_used    JSONB,
	rounds             INTEGER NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_golden_records_review ON golden_records(requires_review) WHERE requires_review;
CREATE INDEX IF NOT EXISTS idx_golden_records_manufacturer ON golden_records(lower(manufacturer));

CREATE TABLE IF NOT EXISTS record_index (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES golden_records(task_id) ON DELETE CASCADE,
	search_text TEXT NOT NULL,
	metadata    JSONB NOT NULL,
	embedding   vector(%d),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_record_index_task_id ON record_index(task_id);

CREATE TABLE IF NOT EXISTS task_failures (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	source     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_task_failures_task_id ON task_failures(task_id);
CREATE INDEX IF NOT EXISTS idx_task_failures_kind ON task_failures(kind);

CREATE TABLE IF NOT EXISTS strategy_weights (
	strategy   TEXT PRIMARY KEY,
	weight     DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(postgresMigration, s.dimensions()))
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const upsertRecordSQL = `INSERT INTO golden_records
	(task_id, source, manufacturer, product_name, fields, field_confidences,
	 overall_confidence, completeness, consistency, requires_review, notes,
	 strategies_used, rounds, cost_usd, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (task_id) DO UPDATE SET
		source = EXCLUDED.source,
		manufacturer = EXCLUDED.manufacturer,
		product_name = EXCLUDED.product_name,
		fields = EXCLUDED.fields,
		field_confidences = EXCLUDED.field_confidences,
		overall_confidence = EXCLUDED.overall_confidence,
		completeness = EXCLUDED.completeness,
		consistency = EXCLUDED.consistency,
		requires_review = EXCLUDED.requires_review,
		notes = EXCLUDED.notes,
		strategies_used = EXCLUDED.strategies_used,
		rounds = EXCLUDED.rounds,
		cost_usd = EXCLUDED.cost_usd,
		updated_at = EXCLUDED.updated_at`

// SaveRecord upserts the record and replaces its index entry in one
// transaction. The embedding is computed before the transaction opens.
func (s *PostgresStore) SaveRecord(ctx context.Context, task model.Task, rec *model.GoldenRecord) error {
	if rec == nil {
		return eris.New("postgres: nil record")
	}
	cols, err := recordColumns(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: encode record")
	}
	metaJSON, err := json.Marshal(Metadata(task, rec))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}

	text := SearchText(rec)
	var embedding *pgvector.Vector
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return eris.Wrapf(err, "postgres: embed record %s", rec.TaskID)
		}
		v := pgvector.NewVector(vec)
		embedding = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, upsertRecordSQL,
		rec.TaskID, task.Source, rec.String(model.FieldManufacturer), rec.String(model.FieldProductName),
		cols.fields, cols.confidences,
		rec.OverallConfidence, rec.Completeness, rec.Consistency, rec.RequiresHumanReview,
		cols.notes, cols.strategies, rec.Rounds, rec.CostUSD, rec.CreatedAt, s.now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert record %s", rec.TaskID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM record_index WHERE task_id = $1`, rec.TaskID); err != nil {
		return eris.Wrapf(err, "postgres: clear index %s", rec.TaskID)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO record_index (id, task_id, search_text, metadata, embedding) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), rec.TaskID, text, metaJSON, embedding,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: index record %s", rec.TaskID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit record")
}

// SaveFailure records a terminal task failure.
func (s *PostgresStore) SaveFailure(ctx context.Context, task model.Task, failure model.Failure) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_failures (id, task_id, source, kind, message, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), task.ID, task.Source, string(failure.Kind), failure.Message, s.now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save failure %s", task.ID)
}

// GetRecord loads a record by task id. A missing record wraps
// model.ErrTaskNotFound.
func (s *PostgresStore) GetRecord(ctx context.Context, taskID string) (*model.GoldenRecord, error) {
	var (
		rec  model.GoldenRecord
		cols encodedRecord
	)
	err := s.pool.QueryRow(ctx,
		`SELECT task_id, fields, field_confidences, overall_confidence, completeness, consistency,
		        requires_review, notes, strategies_used, rounds, cost_usd, created_at
		 FROM golden_records WHERE task_id = $1`,
		taskID,
	).Scan(&rec.TaskID, &cols.fields, &cols.confidences, &rec.OverallConfidence, &rec.Completeness,
		&rec.Consistency, &rec.RequiresHumanReview, &cols.notes, &cols.strategies, &rec.Rounds,
		&rec.CostUSD, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrTaskNotFound, "postgres: record %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", taskID)
	}
	if err := cols.decode(&rec); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode record %s", taskID)
	}
	return &rec, nil
}

// ListRecords lists records, newest first.
func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, error) {
	query := `SELECT task_id, source, manufacturer, product_name, overall_confidence, requires_review
		FROM golden_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ReviewOnly {
		query += ` AND requires_review`
	}
	if filter.Manufacturer != "" {
		query += fmt.Sprintf(` AND lower(manufacturer) = lower($%d)`, argIdx)
		args = append(args, filter.Manufacturer)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []RecordSummary
	for rows.Next() {
		var r RecordSummary
		if err := rows.Scan(&r.TaskID, &r.Source, &r.Manufacturer, &r.ProductName, &r.OverallConfidence, &r.RequiresHumanReview); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// Search ranks records by cosine similarity to query when an embedder is
// configured, otherwise by a case-insensitive text match.
func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]RecordSummary, error) {
	if limit <= 0 {
		limit = 10
	}

	var (
		rows pgx.Rows
		err  error
	)
	if s.embedder != nil {
		vec, eerr := s.embedder.Embed(ctx, query)
		if eerr != nil {
			return nil, eris.Wrap(eerr, "postgres: embed query")
		}
		rows, err = s.pool.Query(ctx,
			`SELECT g.task_id, g.source, g.manufacturer, g.product_name, g.overall_confidence, g.requires_review,
			        1 - (i.embedding <=> $1) AS score
			 FROM record_index i JOIN golden_records g ON g.task_id = i.task_id
			 WHERE i.embedding IS NOT NULL
			 ORDER BY i.embedding <=> $1
			 LIMIT $2`,
			pgvector.NewVector(vec), limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT g.task_id, g.source, g.manufacturer, g.product_name, g.overall_confidence, g.requires_review,
			        1.0 AS score
			 FROM record_index i JOIN golden_records g ON g.task_id = i.task_id
			 WHERE i.search_text ILIKE '%' || $1 || '%'
			 ORDER BY g.overall_confidence DESC
			 LIMIT $2`,
			query, limit,
		)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search")
	}
	defer rows.Close()

	var out []RecordSummary
	for rows.Next() {
		var r RecordSummary
		if err := rows.Scan(&r.TaskID, &r.Source, &r.Manufacturer, &r.ProductName, &r.OverallConfidence, &r.RequiresHumanReview, &r.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan search hit")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate search hits")
}

// LoadWeights returns every persisted strategy weight.
func (s *PostgresStore) LoadWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT strategy, weight FROM strategy_weights`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load weights")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			w    float64
		)
		if err := rows.Scan(&name, &w); err != nil {
			return nil, eris.Wrap(err, "postgres: scan weight")
		}
		out[name] = w
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate weights")
}

// SaveWeights upserts the given weights in one transaction. Strategies not
// in weights keep their stored value.
func (s *PostgresStore) SaveWeights(ctx context.Context, weights map[string]float64) error {
	if len(weights) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	for _, name := range weightNames(weights) {
		_, err := tx.Exec(ctx,
			`INSERT INTO strategy_weights (strategy, weight, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (strategy) DO UPDATE SET weight = EXCLUDED.weight, updated_at = EXCLUDED.updated_at`,
			name, weights[name], now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save weight %s", name)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit weights")
}
