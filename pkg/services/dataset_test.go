package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/objectstore"
)

func newTestDatasetService() *DatasetService {
	return NewDatasetService(objectstore.NewMemoryStore(), time.Hour, 15*time.Minute, zap.NewNop())
}

func materializeFixture(t *testing.T, svc *DatasetService, accountID uuid.UUID) *models.Dataset {
	t.Helper()
	items := []map[string]any{
		{"name": "Acme Corp", "region": "west", "revenue": 1200.0, "active": true, "signed_at": "2026-01-15T10:00:00Z"},
		{"name": "Globex", "region": "east", "revenue": 800.0, "active": false, "signed_at": "2026-02-01T09:30:00Z"},
		{"name": "Initech", "region": "west", "revenue": 450.0, "active": true, "signed_at": nil},
		{"name": "Hooli", "region": "east", "revenue": nil, "active": true, "signed_at": "2026-03-20T16:45:00Z"},
	}
	ds, err := svc.Materialize(context.Background(), accountID, items, models.DatasetProvenance{
		SystemAlias:  "crm",
		ToolName:     "crm_companies_list",
		FetchedPages: 1,
		TotalItems:   len(items),
	})
	require.NoError(t, err)
	return ds
}

func TestMaterializeInfersSchema(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	assert.True(t, strings.HasPrefix(ds.ID, "ds_"))
	assert.Equal(t, models.ColumnString, ds.Schema["name"])
	assert.Equal(t, models.ColumnNumber, ds.Schema["revenue"])
	assert.Equal(t, models.ColumnBoolean, ds.Schema["active"])
	assert.Equal(t, models.ColumnDatetime, ds.Schema["signed_at"])

	rev := ds.Stats["revenue"]
	assert.Equal(t, 3, rev.NonNull)
	assert.Equal(t, 1, rev.Nulls)
	require.NotNil(t, rev.Min)
	require.NotNil(t, rev.Max)
	assert.Equal(t, 450.0, *rev.Min)
	assert.Equal(t, 1200.0, *rev.Max)

	info, err := svc.Info(context.Background(), accountID, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, info.TotalItems)
	assert.Equal(t, "crm", info.Provenance.SystemAlias)
	assert.Equal(t, info.CreatedAt.Add(time.Hour), info.ExpiresAt)
}

func TestDatasetQuery(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	t.Run("no filters pages everything", func(t *testing.T) {
		res, err := svc.Query(context.Background(), accountID, ds.ID, nil, 0, 3)
		require.NoError(t, err)
		assert.Len(t, res.Items, 3)
		assert.Equal(t, 4, res.Matched)
		require.NotNil(t, res.NextCursor)
		assert.Equal(t, 3, *res.NextCursor)

		res, err = svc.Query(context.Background(), accountID, ds.ID, nil, *res.NextCursor, 3)
		require.NoError(t, err)
		assert.Len(t, res.Items, 1)
		assert.Nil(t, res.NextCursor)
	})

	t.Run("eq filter", func(t *testing.T) {
		res, err := svc.Query(context.Background(), accountID, ds.ID,
			[]Filter{{Field: "region", Op: "eq", Value: "west"}}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Matched)
	})

	t.Run("contains is case-insensitive", func(t *testing.T) {
		res, err := svc.Query(context.Background(), accountID, ds.ID,
			[]Filter{{Field: "name", Op: "contains", Value: "ACME"}}, 0, 0)
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, "Acme Corp", res.Items[0]["name"])
	})

	t.Run("numeric comparisons skip non-numeric rows", func(t *testing.T) {
		res, err := svc.Query(context.Background(), accountID, ds.ID,
			[]Filter{{Field: "revenue", Op: "gte", Value: "800"}}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Matched)
	})

	t.Run("filters combine with AND", func(t *testing.T) {
		res, err := svc.Query(context.Background(), accountID, ds.ID,
			[]Filter{
				{Field: "region", Op: "eq", Value: "west"},
				{Field: "revenue", Op: "lt", Value: 500},
			}, 0, 0)
		require.NoError(t, err)
		require.Len(t, res.Items, 1)
		assert.Equal(t, "Initech", res.Items[0]["name"])
	})

	t.Run("unknown operator is a hard error", func(t *testing.T) {
		_, err := svc.Query(context.Background(), accountID, ds.ID,
			[]Filter{{Field: "name", Op: "like", Value: "A%"}}, 0, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown filter operator")
	})
}

func TestDatasetAggregate(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	t.Run("count per group", func(t *testing.T) {
		res, err := svc.Aggregate(context.Background(), accountID, ds.ID,
			[]string{"region"}, []AggregateMetric{{Function: "count"}})
		require.NoError(t, err)
		require.Len(t, res.Groups, 2)
		// Groups come back in key order.
		assert.Equal(t, "east", res.Groups[0]["region"])
		assert.Equal(t, 2.0, res.Groups[0]["count"])
		assert.Equal(t, "west", res.Groups[1]["region"])
		assert.Equal(t, 2.0, res.Groups[1]["count"])
	})

	t.Run("no group columns aggregates the whole dataset", func(t *testing.T) {
		res, err := svc.Aggregate(context.Background(), accountID, ds.ID,
			nil, []AggregateMetric{{Function: "count"}})
		require.NoError(t, err)
		require.Len(t, res.Groups, 1)
		assert.Equal(t, 4.0, res.Groups[0]["count"])
	})

	t.Run("several metrics with aliases", func(t *testing.T) {
		res, err := svc.Aggregate(context.Background(), accountID, ds.ID,
			[]string{"region"}, []AggregateMetric{
				{Function: "sum", Field: "revenue", Alias: "total"},
				{Function: "avg", Field: "revenue"},
				{Function: "min", Field: "revenue"},
				{Function: "max", Field: "revenue"},
			})
		require.NoError(t, err)
		require.Len(t, res.Groups, 2)
		// east: 800 plus a nil revenue, skipped silently.
		assert.Equal(t, 800.0, res.Groups[0]["total"])
		assert.Equal(t, 800.0, res.Groups[0]["avg_revenue"])
		// west: 1200 and 450.
		assert.Equal(t, 1650.0, res.Groups[1]["total"])
		assert.Equal(t, 825.0, res.Groups[1]["avg_revenue"])
		assert.Equal(t, 450.0, res.Groups[1]["min_revenue"])
		assert.Equal(t, 1200.0, res.Groups[1]["max_revenue"])
	})

	t.Run("unknown function", func(t *testing.T) {
		_, err := svc.Aggregate(context.Background(), accountID, ds.ID,
			[]string{"region"}, []AggregateMetric{{Function: "median", Field: "revenue"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown aggregation function")
	})

	t.Run("non-count requires a field", func(t *testing.T) {
		_, err := svc.Aggregate(context.Background(), accountID, ds.ID,
			[]string{"region"}, []AggregateMetric{{Function: "sum"}})
		require.Error(t, err)
	})

	t.Run("no metrics", func(t *testing.T) {
		_, err := svc.Aggregate(context.Background(), accountID, ds.ID, []string{"region"}, nil)
		require.Error(t, err)
	})
}

func TestDatasetSample(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	first, err := svc.Sample(context.Background(), accountID, ds.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "Acme Corp", first[0]["name"])

	last, err := svc.Sample(context.Background(), accountID, ds.ID, "last", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "Hooli", last[1]["name"])

	random, err := svc.Sample(context.Background(), accountID, ds.ID, "random", 3)
	require.NoError(t, err)
	assert.Len(t, random, 3)

	stride, err := svc.Sample(context.Background(), accountID, ds.ID, "stride", 2)
	require.NoError(t, err)
	assert.Len(t, stride, 2)

	all, err := svc.Sample(context.Background(), accountID, ds.ID, "first", 100)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = svc.Sample(context.Background(), accountID, ds.ID, "shuffle", 2)
	require.Error(t, err)
}

func TestDatasetExport(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	csvRes, err := svc.Export(context.Background(), accountID, ds.ID, "csv")
	require.NoError(t, err)
	assert.Equal(t, "csv", csvRes.Format)
	assert.Equal(t, 4, csvRes.Rows)
	assert.NotEmpty(t, csvRes.URL)
	assert.Greater(t, csvRes.Bytes, 0)

	jsonRes, err := svc.Export(context.Background(), accountID, ds.ID, "json")
	require.NoError(t, err)
	assert.Equal(t, "json", jsonRes.Format)

	jsonlRes, err := svc.Export(context.Background(), accountID, ds.ID, "jsonl")
	require.NoError(t, err)
	assert.Equal(t, "jsonl", jsonlRes.Format)

	_, err = svc.Export(context.Background(), accountID, ds.ID, "parquet")
	require.Error(t, err)
}

func TestDatasetOwnershipAndLifecycle(t *testing.T) {
	svc := newTestDatasetService()
	owner := uuid.New()
	ds := materializeFixture(t, svc, owner)

	t.Run("other account cannot load", func(t *testing.T) {
		_, err := svc.Load(context.Background(), uuid.New(), ds.ID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("close removes dataset and exports", func(t *testing.T) {
		_, err := svc.Export(context.Background(), owner, ds.ID, "json")
		require.NoError(t, err)

		require.NoError(t, svc.Close(context.Background(), owner, ds.ID))
		_, err = svc.Load(context.Background(), owner, ds.ID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		assert.ErrorIs(t, svc.Close(context.Background(), owner, ds.ID), apperrors.ErrNotFound)
	})
}

func TestDatasetExpiry(t *testing.T) {
	svc := newTestDatasetService()
	accountID := uuid.New()
	ds := materializeFixture(t, svc, accountID)

	// An expired read reaps the dataset and reports it missing.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := svc.Load(context.Background(), accountID, ds.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.Load(context.Background(), accountID, ds.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
