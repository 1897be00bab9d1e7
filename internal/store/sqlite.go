package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/datasheet-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It keeps a text
// index only.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS golden_records (
	task_id            TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	manufacturer       TEXT NOT NULL DEFAULT '',
	product_name       TEXT NOT NULL DEFAULT '',
	fields             TEXT NOT NULL,
	field_confidences  TEXT NOT NULL,
	overall_confidence REAL NOT NULL,
	completeness       REAL NOT NULL,
	consistency        REAL NOT NULL,
	requires_review    INTEGER NOT NULL,
	notes              TEXT,
	strategies_used    TEXT,
	rounds             INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_golden_records_review ON golden_records(requires_review);
CREATE INDEX IF NOT EXISTS idx_golden_records_manufacturer ON golden_records(manufacturer COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS record_index (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES golden_records(task_id) ON DELETE CASCADE,
	search_text TEXT NOT NULL,
	metadata    TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_record_index_task_id ON record_index(task_id);

CREATE TABLE IF NOT EXISTS task_failures (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL,
	source     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_task_failures_task_id ON task_failures(task_id);

CREATE TABLE IF NOT EXISTS strategy_weights (
	strategy   TEXT PRIMARY KEY,
	weight     REAL NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRecord upserts the record and replaces its index entry in one
// transaction.
func (s *SQLiteStore) SaveRecord(ctx context.Context, task model.Task, rec *model.GoldenRecord) error {
	if rec == nil {
		return eris.New("sqlite: nil record")
	}
	cols, err := recordColumns(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode record")
	}
	metaJSON, err := json.Marshal(Metadata(task, rec))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO golden_records
			(task_id, source, manufacturer, product_name, fields, field_confidences,
			 overall_confidence, completeness, consistency, requires_review, notes,
			 strategies_used, rounds, cost_usd, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET
			source = excluded.source,
			manufacturer = excluded.manufacturer,
			product_name = excluded.product_name,
			fields = excluded.fields,
			field_confidences = excluded.field_confidences,
			overall_confidence = excluded.overall_confidence,
			completeness = excluded.completeness,
			consistency = excluded.consistency,
			requires_review = excluded.requires_review,
			notes = excluded.notes,
			strategies_used = excluded.strategies_used,
			rounds = excluded.rounds,
			cost_usd = excluded.cost_usd,
			updated_at = excluded.updated_at`,
		rec.TaskID, task.Source, rec.String(model.FieldManufacturer), rec.String(model.FieldProductName),
		string(cols.fields), string(cols.confidences),
		rec.OverallConfidence, rec.Completeness, rec.Consistency, rec.RequiresHumanReview,
		string(cols.notes), string(cols.strategies), rec.Rounds, rec.CostUSD, rec.CreatedAt, s.now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert record %s", rec.TaskID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_index WHERE task_id = ?`, rec.TaskID); err != nil {
		return eris.Wrapf(err, "sqlite: clear index %s", rec.TaskID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_index (id, task_id, search_text, metadata) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), rec.TaskID, SearchText(rec), string(metaJSON),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: index record %s", rec.TaskID)
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit record")
}

// SaveFailure records a terminal task failure.
func (s *SQLiteStore) SaveFailure(ctx context.Context, task model.Task, failure model.Failure) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_failures (id, task_id, source, kind, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), task.ID, task.Source, string(failure.Kind), failure.Message, s.now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save failure %s", task.ID)
}

// GetRecord loads a record by task id. A missing record wraps
// model.ErrTaskNotFound.
func (s *SQLiteStore) GetRecord(ctx context.Context, taskID string) (*model.GoldenRecord, error) {
	var (
		rec                 model.GoldenRecord
		fields, confidences string
		notes, strategies   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, fields, field_confidences, overall_confidence, completeness, consistency,
		        requires_review, notes, strategies_used, rounds, cost_usd, created_at
		 FROM golden_records WHERE task_id = ?`,
		taskID,
	).Scan(&rec.TaskID, &fields, &confidences, &rec.OverallConfidence, &rec.Completeness,
		&rec.Consistency, &rec.RequiresHumanReview, &notes, &strategies, &rec.Rounds,
		&rec.CostUSD, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrTaskNotFound, "sqlite: record %s", taskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", taskID)
	}

	cols := encodedRecord{
		fields:      []byte(fields),
		confidences: []byte(confidences),
		notes:       []byte(notes.String),
		strategies:  []byte(strategies.String),
	}
	if err := cols.decode(&rec); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode record %s", taskID)
	}
	return &rec, nil
}

// ListRecords lists records, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, error) {
	query := `SELECT task_id, source, manufacturer, product_name, overall_confidence, requires_review, 0
		FROM golden_records WHERE 1=1`
	var args []any
	if filter.ReviewOnly {
		query += ` AND requires_review = 1`
	}
	if filter.Manufacturer != "" {
		query += ` AND manufacturer = ? COLLATE NOCASE`
		args = append(args, filter.Manufacturer)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.limit(), max(filter.Offset, 0))

	return s.summaries(ctx, "list records", query, args...)
}

// Search matches query against the indexed text, case-insensitively.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]RecordSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.summaries(ctx, "search",
		`SELECT g.task_id, g.source, g.manufacturer, g.product_name, g.overall_confidence, g.requires_review, 1.0
		 FROM record_index i JOIN golden_records g ON g.task_id = i.task_id
		 WHERE lower(i.search_text) LIKE ?
		 ORDER BY g.overall_confidence DESC
		 LIMIT ?`,
		like, limit,
	)
}

func (s *SQLiteStore) summaries(ctx context.Context, op, query string, args ...any) ([]RecordSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var out []RecordSummary
	for rows.Next() {
		var r RecordSummary
		if err := rows.Scan(&r.TaskID, &r.Source, &r.Manufacturer, &r.ProductName, &r.OverallConfidence, &r.RequiresHumanReview, &r.Score); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", op)
		}
		out = append(out, r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: iterate %s", op)
}

// LoadWeights returns every persisted strategy weight.
func (s *SQLiteStore) LoadWeights(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT strategy, weight FROM strategy_weights`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load weights")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			w    float64
		)
		if err := rows.Scan(&name, &w); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan weight")
		}
		out[name] = w
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate weights")
}

// SaveWeights upserts the given weights in one transaction. Strategies not
// in weights keep their stored value.
func (s *SQLiteStore) SaveWeights(ctx context.Context, weights map[string]float64) error {
	if len(weights) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UTC()
	for _, name := range weightNames(weights) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO strategy_weights (strategy, weight, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT (strategy) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at`,
			name, weights[name], now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save weight %s", name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit weights")
}
