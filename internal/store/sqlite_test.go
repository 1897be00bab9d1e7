package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datasheet-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_SaveAndGetRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	rec := sampleRecord("t1", false)

	require.NoError(t, st.SaveRecord(ctx, sampleTask("t1"), rec))

	got, err := st.GetRecord(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "Rockwool", got.Fields[model.FieldManufacturer])
	assert.InDelta(t, 0.035, got.Fields[model.FieldThermalConductivity], 1e-12)
	assert.InDelta(t, 0.82, got.OverallConfidence, 1e-12)
	assert.False(t, got.RequiresHumanReview)
	assert.Equal(t, rec.StrategiesUsed, got.StrategiesUsed)
	assert.Equal(t, rec.Notes, got.Notes)
	assert.Equal(t, 2, got.Rounds)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	fc := got.FieldConfidences[model.FieldThermalConductivity]
	assert.Equal(t, []string{"pdf_text", "pdftotext_layout"}, fc.AgreeingSources)
	require.Len(t, fc.ConflictingValues, 1)
}

func TestSQLite_SaveRecordUpserts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveRecord(ctx, sampleTask("t1"), sampleRecord("t1", true)))
	updated := sampleRecord("t1", false)
	updated.OverallConfidence = 0.95
	require.NoError(t, st.SaveRecord(ctx, sampleTask("t1"), updated))

	got, err := st.GetRecord(ctx, "t1")
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.OverallConfidence, 1e-12)
	assert.False(t, got.RequiresHumanReview)

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT count(*) FROM record_index WHERE task_id = ?`, "t1").Scan(&n))
	assert.Equal(t, 1, n, "index entry replaced, not duplicated")
}

func TestSQLite_GetRecordMissing(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRecord(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrTaskNotFound)
}

func TestSQLite_SaveFailure(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.SaveFailure(ctx, sampleTask("t9"), model.Failure{Kind: model.FailureSourceUnavailable, Message: "no such file"})
	require.NoError(t, err)

	var kind, msg string
	require.NoError(t, st.db.QueryRowContext(ctx, `SELECT kind, message FROM task_failures WHERE task_id = ?`, "t9").Scan(&kind, &msg))
	assert.Equal(t, "source_unavailable", kind)
	assert.Equal(t, "no such file", msg)
}

func TestSQLite_ListRecords(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveRecord(ctx, sampleTask("a"), sampleRecord("a", true)))
	require.NoError(t, st.SaveRecord(ctx, sampleTask("b"), sampleRecord("b", false)))
	other := sampleRecord("c", true)
	other.Fields[model.FieldManufacturer] = "Knauf"
	require.NoError(t, st.SaveRecord(ctx, sampleTask("c"), other))

	all, err := st.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	review, err := st.ListRecords(ctx, RecordFilter{ReviewOnly: true})
	require.NoError(t, err)
	assert.Len(t, review, 2)
	for _, r := range review {
		assert.True(t, r.RequiresHumanReview)
	}

	knauf, err := st.ListRecords(ctx, RecordFilter{Manufacturer: "KNAUF"})
	require.NoError(t, err)
	require.Len(t, knauf, 1)
	assert.Equal(t, "c", knauf[0].TaskID)
	assert.Equal(t, "/inbox/c.pdf", knauf[0].Source)

	page, err := st.ListRecords(ctx, RecordFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestSQLite_Search(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRecord(ctx, sampleTask("a"), sampleRecord("a", false)))

	hits, err := st.Search(ctx, "frontrock", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].TaskID)
	assert.Equal(t, "Frontrock MAX E", hits[0].ProductName)

	hits, err = st.Search(ctx, "glasswool", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLite_Weights(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	got, err := st.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, st.SaveWeights(ctx, map[string]float64{"pdf_text": 1.2, "claude": 0.8}))
	require.NoError(t, st.SaveWeights(ctx, map[string]float64{"claude": 1.5}))
	require.NoError(t, st.SaveWeights(ctx, nil))

	got, err = st.LoadWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"pdf_text": 1.2, "claude": 1.5}, got)
}
