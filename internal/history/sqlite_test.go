package history

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	return store
}

func sampleResult(itemID string, dose float64) *domain.CalculationResult {
	return &domain.CalculationResult{
		ItemID:                  itemID,
		ItemName:                itemID,
		CatalogVersion:          "2024.11.1",
		BaseDose:                250,
		FinalDose:               dose,
		Unit:                    "mcg",
		Frequency:               "twice daily",
		ContraindicationReasons: []string{},
		AppliedAdjustments:      []string{"Age adjustment: 0.6×"},
		SafetyNotes:             []string{},
		MonitoringRequirements:  []string{},
	}
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Equal(t, dbPath, store.Path())
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	record, err := NewRecord(sampleResult("bpc-157", 150), "abc123", "api")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, record))
	assert.NotEmpty(t, record.ID)
	assert.False(t, record.CreatedAt.IsZero())

	got, err := store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "bpc-157", got.ItemID)
	assert.Equal(t, "2024.11.1", got.CatalogVersion)
	assert.Equal(t, "abc123", got.RequestHash)
	assert.Equal(t, 150.0, got.FinalDose)
	assert.Equal(t, "api", got.Source)
	assert.False(t, got.Contraindicated)

	var decoded domain.CalculationResult
	require.NoError(t, json.Unmarshal(got.Result, &decoded))
	assert.Equal(t, []string{"Age adjustment: 0.6×"}, decoded.AppliedAdjustments)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	got, err := store.Get(context.Background(), "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_SaveRejectsDuplicateID(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	record := &Record{ID: "fixed", ItemID: "bpc-157"}
	require.NoError(t, store.Save(ctx, record))
	assert.Error(t, store.Save(ctx, &Record{ID: "fixed", ItemID: "tb-500"}))
}

func TestSQLiteStore_SaveValidation(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	assert.Error(t, store.Save(context.Background(), nil))
	assert.Error(t, store.Save(context.Background(), &Record{}))
}

func TestSQLiteStore_ListAndCount(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	for i, item := range []string{"bpc-157", "tb-500", "bpc-157"} {
		r, err := NewRecord(sampleResult(item, float64(100+i)), "", "cli")
		require.NoError(t, err)
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Save(ctx, r))
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	tests := []struct {
		name      string
		opts      ListOptions
		wantDoses []float64
	}{
		{name: "all newest first", opts: ListOptions{}, wantDoses: []float64{102, 101, 100}},
		{name: "filtered by item", opts: ListOptions{ItemID: "bpc-157"}, wantDoses: []float64{102, 100}},
		{name: "paged", opts: ListOptions{Limit: 1, Offset: 1}, wantDoses: []float64{101}},
		{name: "past the end", opts: ListOptions{Offset: 10}, wantDoses: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := store.List(ctx, tt.opts)
			require.NoError(t, err)
			var doses []float64
			for _, r := range records {
				doses = append(doses, r.FinalDose)
			}
			assert.Equal(t, tt.wantDoses, doses)
		})
	}
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	source := createTestStore(t)
	defer source.Close()
	ctx := context.Background()

	for _, item := range []string{"bpc-157", "semaglutide"} {
		r, err := NewRecord(sampleResult(item, 1), "", "mcp")
		require.NoError(t, err)
		require.NoError(t, source.Save(ctx, r))
	}

	var buf bytes.Buffer
	require.NoError(t, source.ExportJSON(ctx, &buf))

	var export Export
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, exportVersion, export.Version)
	assert.Equal(t, 2, export.Count)

	target := createTestStore(t)
	defer target.Close()

	imported, skipped, err := target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 0, skipped)

	imported, skipped, err = target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, imported)
	assert.Equal(t, 2, skipped)

	_, _, err = target.ImportJSON(ctx, bytes.NewBufferString("not json"))
	assert.Error(t, err)
}

func TestNewRecord(t *testing.T) {
	result := sampleResult("pt-141", 0)
	result.Contraindicated = true

	record, err := NewRecord(result, "hash", "api")
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.True(t, record.Contraindicated)
	assert.Equal(t, "pt-141", record.ItemID)
	assert.True(t, json.Valid(record.Result))

	_, err = NewRecord(nil, "", "")
	assert.Error(t, err)
}

func TestHashRequest(t *testing.T) {
	a, err := HashRequest(map[string]any{"item_id": "bpc-157", "age": 40})
	require.NoError(t, err)
	b, err := HashRequest(map[string]any{"age": 40, "item_id": "bpc-157"})
	require.NoError(t, err)
	c, err := HashRequest(map[string]any{"item_id": "tb-500", "age": 40})
	require.NoError(t, err)

	assert.Equal(t, a, b, "map key order must not change the hash")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestSaveResult(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	request := map[string]any{"item_id": "bpc-157", "age": 76}
	id, err := SaveResult(ctx, store, sampleResult("bpc-157", 150), request, "cli")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)

	hash, err := HashRequest(request)
	require.NoError(t, err)
	assert.Equal(t, hash, got.RequestHash)
	assert.Equal(t, "cli", got.Source)

	_, err = SaveResult(ctx, store, nil, request, "cli")
	assert.Error(t, err)
}
