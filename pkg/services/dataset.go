package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/apperrors"
	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/objectstore"
)

// schemaSampleRows bounds how many rows the type sniffer inspects.
const schemaSampleRows = 100

// DatasetService materializes fetch-all results into server-side datasets and
// serves paging, filtering, aggregation, sampling, and export over them.
// Datasets live in the object store and expire lazily after the configured TTL.
type DatasetService struct {
	store        objectstore.Store
	ttl          time.Duration
	exportExpiry time.Duration
	logger       *zap.Logger

	now func() time.Time
}

// NewDatasetService creates a dataset service backed by the given object store.
func NewDatasetService(store objectstore.Store, ttl, exportExpiry time.Duration, logger *zap.Logger) *DatasetService {
	return &DatasetService{
		store:        store,
		ttl:          ttl,
		exportExpiry: exportExpiry,
		logger:       logger,
		now:          time.Now,
	}
}

// Materialize builds a dataset from fetched rows, infers its schema and
// per-column stats, and persists it under the owning account.
func (s *DatasetService) Materialize(ctx context.Context, accountID uuid.UUID, items []map[string]any, prov models.DatasetProvenance) (*models.Dataset, error) {
	schema, stats := inferSchema(items)
	ds := &models.Dataset{
		ID:         "ds_" + uuid.New().String(),
		AccountID:  accountID,
		Items:      items,
		Schema:     schema,
		Stats:      stats,
		Provenance: prov,
		CreatedAt:  s.now(),
	}

	payload, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset: %w", err)
	}
	if err := s.store.Put(ctx, datasetKey(accountID, ds.ID), payload, "application/json"); err != nil {
		return nil, fmt.Errorf("failed to persist dataset: %w", err)
	}

	s.logger.Info("Materialized dataset",
		zap.String("dataset_id", ds.ID),
		zap.Int("items", len(items)),
		zap.String("system", prov.SystemAlias),
		zap.String("tool", prov.ToolName),
	)
	return ds, nil
}

// Load fetches a dataset and verifies both ownership and freshness. Expired
// datasets are reaped on access and reported as expired.
func (s *DatasetService) Load(ctx context.Context, accountID uuid.UUID, datasetID string) (*models.Dataset, error) {
	key := datasetKey(accountID, datasetID)
	payload, err := s.store.Get(ctx, key)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	var ds models.Dataset
	if err := json.Unmarshal(payload, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}
	if ds.AccountID != accountID {
		return nil, apperrors.ErrNotFound
	}
	// An expired dataset is reaped on read and reported as missing.
	if s.now().After(ds.CreatedAt.Add(s.ttl)) {
		if err := s.store.DeletePrefix(ctx, datasetPrefix(accountID, datasetID)); err != nil {
			s.logger.Warn("Failed to reap expired dataset", zap.String("dataset_id", datasetID), zap.Error(err))
		}
		return nil, apperrors.ErrNotFound
	}
	return &ds, nil
}

// Close deletes a dataset and any exports derived from it.
func (s *DatasetService) Close(ctx context.Context, accountID uuid.UUID, datasetID string) error {
	if _, err := s.Load(ctx, accountID, datasetID); err != nil {
		return err
	}
	if err := s.store.DeletePrefix(ctx, datasetPrefix(accountID, datasetID)); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return nil
}

// DatasetInfo summarizes a dataset without returning its rows.
type DatasetInfo struct {
	ID         string                        `json:"dataset_id"`
	TotalItems int                           `json:"total_items"`
	Schema     map[string]models.ColumnType  `json:"schema"`
	Stats      map[string]models.ColumnStats `json:"stats"`
	Provenance models.DatasetProvenance      `json:"provenance"`
	CreatedAt  time.Time                     `json:"created_at"`
	ExpiresAt  time.Time                     `json:"expires_at"`
}

// Info returns dataset metadata.
func (s *DatasetService) Info(ctx context.Context, accountID uuid.UUID, datasetID string) (*DatasetInfo, error) {
	ds, err := s.Load(ctx, accountID, datasetID)
	if err != nil {
		return nil, err
	}
	return &DatasetInfo{
		ID:         ds.ID,
		TotalItems: len(ds.Items),
		Schema:     ds.Schema,
		Stats:      ds.Stats,
		Provenance: ds.Provenance,
		CreatedAt:  ds.CreatedAt,
		ExpiresAt:  ds.CreatedAt.Add(s.ttl),
	}, nil
}

func datasetKey(accountID uuid.UUID, datasetID string) string {
	return fmt.Sprintf("datasets/%s/%s/data.json", accountID, datasetID)
}

func datasetPrefix(accountID uuid.UUID, datasetID string) string {
	return fmt.Sprintf("datasets/%s/%s/", accountID, datasetID)
}

// inferSchema sniffs column types from the first non-null value seen per
// column within the sample window, and tallies per-column stats over all rows.
func inferSchema(items []map[string]any) (map[string]models.ColumnType, map[string]models.ColumnStats) {
	schema := make(map[string]models.ColumnType)
	stats := make(map[string]models.ColumnStats)

	sample := len(items)
	if sample > schemaSampleRows {
		sample = schemaSampleRows
	}
	for i := 0; i < sample; i++ {
		for col, val := range items[i] {
			if _, ok := schema[col]; ok {
				continue
			}
			if t := sniffType(val); t != models.ColumnNull {
				schema[col] = t
			}
		}
	}
	// Columns that never showed a non-null value inside the window stay null.
	for i := 0; i < sample; i++ {
		for col := range items[i] {
			if _, ok := schema[col]; !ok {
				schema[col] = models.ColumnNull
			}
		}
	}

	for col, typ := range schema {
		st := models.ColumnStats{Type: typ}
		for _, row := range items {
			val, present := row[col]
			if !present || val == nil {
				st.Nulls++
				continue
			}
			st.NonNull++
			if num, ok := numericValue(val); ok {
				if st.Min == nil || num < *st.Min {
					v := num
					st.Min = &v
				}
				if st.Max == nil || num > *st.Max {
					v := num
					st.Max = &v
				}
			}
		}
		stats[col] = st
	}
	return schema, stats
}

func sniffType(val any) models.ColumnType {
	switch v := val.(type) {
	case nil:
		return models.ColumnNull
	case bool:
		return models.ColumnBoolean
	case float64, int, int64, json.Number:
		return models.ColumnNumber
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return models.ColumnDatetime
		}
		return models.ColumnString
	default:
		return models.ColumnString
	}
}

func numericValue(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
