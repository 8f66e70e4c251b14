package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolrelay/relay-engine/pkg/models"
)

// DefaultQueryLimit caps rows returned per dataset page when the caller does
// not set one.
const DefaultQueryLimit = 50

// Filter is a single row predicate. Numeric comparison operators coerce both
// sides to float64 and drop rows that do not coerce.
type Filter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// QueryResult is one page of filtered dataset rows.
type QueryResult struct {
	DatasetID  string           `json:"dataset_id"`
	Items      []map[string]any `json:"items"`
	Cursor     int              `json:"cursor"`
	NextCursor *int             `json:"next_cursor,omitempty"`
	Matched    int              `json:"matched"`
	TotalItems int              `json:"total_items"`
}

// Query applies filters then pages through the matches with an offset cursor.
func (s *DatasetService) Query(ctx context.Context, accountID uuid.UUID, datasetID string, filters []Filter, cursor, limit int) (*QueryResult, error) {
	ds, err := s.Load(ctx, accountID, datasetID)
	if err != nil {
		return nil, err
	}

	matched, err := applyFilters(ds.Items, filters)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if cursor < 0 {
		cursor = 0
	}

	res := &QueryResult{
		DatasetID:  ds.ID,
		Cursor:     cursor,
		Matched:    len(matched),
		TotalItems: len(ds.Items),
		Items:      []map[string]any{},
	}
	if cursor >= len(matched) {
		return res, nil
	}
	end := cursor + limit
	if end > len(matched) {
		end = len(matched)
	}
	res.Items = matched[cursor:end]
	if end < len(matched) {
		next := end
		res.NextCursor = &next
	}
	return res, nil
}

func applyFilters(items []map[string]any, filters []Filter) ([]map[string]any, error) {
	if len(filters) == 0 {
		return items, nil
	}
	for _, f := range filters {
		switch f.Op {
		case "eq", "contains", "prefix", "gt", "gte", "lt", "lte":
		default:
			return nil, fmt.Errorf("unknown filter operator %q", f.Op)
		}
	}

	out := make([]map[string]any, 0, len(items))
	for _, row := range items {
		keep := true
		for _, f := range filters {
			if !matchFilter(row[f.Field], f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out, nil
}

func matchFilter(val any, f Filter) bool {
	switch f.Op {
	case "eq":
		return stringify(val) == stringify(f.Value)
	case "contains":
		return strings.Contains(strings.ToLower(stringify(val)), strings.ToLower(stringify(f.Value)))
	case "prefix":
		return strings.HasPrefix(strings.ToLower(stringify(val)), strings.ToLower(stringify(f.Value)))
	case "gt", "gte", "lt", "lte":
		left, ok := numericValue(val)
		if !ok {
			return false
		}
		right, ok := numericValue(f.Value)
		if !ok {
			if s, isStr := f.Value.(string); isStr {
				parsed, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return false
				}
				right = parsed
			} else {
				return false
			}
		}
		switch f.Op {
		case "gt":
			return left > right
		case "gte":
			return left >= right
		case "lt":
			return left < right
		default:
			return left <= right
		}
	}
	return false
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// AggregateMetric is one requested computation over the grouped rows.
type AggregateMetric struct {
	Field    string `json:"field,omitempty"`
	Function string `json:"function"`
	Alias    string `json:"alias,omitempty"`
}

// name is the output key the metric's value appears under in each group.
func (m AggregateMetric) name() string {
	if m.Alias != "" {
		return m.Alias
	}
	if m.Field == "" {
		return m.Function
	}
	return m.Function + "_" + m.Field
}

// AggregateResult is the outcome of a group-by aggregation. Each group holds
// the group column values plus one entry per metric.
type AggregateResult struct {
	DatasetID string           `json:"dataset_id"`
	GroupBy   []string         `json:"group_by"`
	Groups    []map[string]any `json:"groups"`
}

// Aggregate groups rows by zero or more columns and computes the requested
// metrics over each group. No group columns means one group spanning the whole
// dataset. An unknown function is a hard error; non-numeric values are skipped
// silently.
func (s *DatasetService) Aggregate(ctx context.Context, accountID uuid.UUID, datasetID string, groupBy []string, metrics []AggregateMetric) (*AggregateResult, error) {
	if len(metrics) == 0 {
		return nil, fmt.Errorf("at least one metric is required")
	}
	for _, m := range metrics {
		switch m.Function {
		case "count", "sum", "avg", "min", "max":
		default:
			return nil, fmt.Errorf("unknown aggregation function %q", m.Function)
		}
		if m.Function != "count" && m.Field == "" {
			return nil, fmt.Errorf("aggregation %q requires a field", m.Function)
		}
	}

	ds, err := s.Load(ctx, accountID, datasetID)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		keys   []any
		count  int
		values [][]float64
	}
	buckets := make(map[string]*bucket)
	order := make([]string, 0)
	for _, row := range ds.Items {
		parts := make([]string, len(groupBy))
		keys := make([]any, len(groupBy))
		for i, col := range groupBy {
			parts[i] = stringify(row[col])
			keys[i] = row[col]
		}
		id := strings.Join(parts, "\x00")
		b, ok := buckets[id]
		if !ok {
			b = &bucket{keys: keys, values: make([][]float64, len(metrics))}
			buckets[id] = b
			order = append(order, id)
		}
		b.count++
		for i, m := range metrics {
			if m.Function == "count" {
				continue
			}
			if num, ok := numericValue(row[m.Field]); ok {
				b.values[i] = append(b.values[i], num)
			}
		}
	}
	sort.Strings(order)

	res := &AggregateResult{
		DatasetID: ds.ID,
		GroupBy:   groupBy,
		Groups:    make([]map[string]any, 0, len(order)),
	}
	for _, id := range order {
		b := buckets[id]
		group := make(map[string]any, len(groupBy)+len(metrics))
		for i, col := range groupBy {
			group[col] = b.keys[i]
		}
		for i, m := range metrics {
			group[m.name()] = metricValue(m.Function, b.count, b.values[i])
		}
		res.Groups = append(res.Groups, group)
	}
	return res, nil
}

func metricValue(fn string, count int, values []float64) float64 {
	switch fn {
	case "count":
		return float64(count)
	case "sum":
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case "avg":
		if len(values) == 0 {
			return 0
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case "min":
		if len(values) == 0 {
			return 0
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	default:
		if len(values) == 0 {
			return 0
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	}
}

// Sample returns n rows picked by the given mode: first, last, random, or
// stride (every k-th row so that about n rows come back).
func (s *DatasetService) Sample(ctx context.Context, accountID uuid.UUID, datasetID, mode string, n int) ([]map[string]any, error) {
	ds, err := s.Load(ctx, accountID, datasetID)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 10
	}
	if n >= len(ds.Items) {
		return ds.Items, nil
	}

	switch mode {
	case "", "first":
		return ds.Items[:n], nil
	case "last":
		return ds.Items[len(ds.Items)-n:], nil
	case "random":
		perm := rand.Perm(len(ds.Items))[:n]
		sort.Ints(perm)
		out := make([]map[string]any, 0, n)
		for _, i := range perm {
			out = append(out, ds.Items[i])
		}
		return out, nil
	case "stride":
		step := len(ds.Items) / n
		if step < 1 {
			step = 1
		}
		out := make([]map[string]any, 0, n)
		for i := 0; i < len(ds.Items) && len(out) < n; i += step {
			out = append(out, ds.Items[i])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown sampling mode %q", mode)
	}
}

// ExportResult points at a rendered export object.
type ExportResult struct {
	DatasetID string `json:"dataset_id"`
	Format    string `json:"format"`
	URL       string `json:"url"`
	Rows      int    `json:"rows"`
	Bytes     int    `json:"bytes"`
}

// Export renders the dataset as csv, json, or jsonl, stores the artifact next
// to the dataset, and returns a time-limited download link.
func (s *DatasetService) Export(ctx context.Context, accountID uuid.UUID, datasetID, format string) (*ExportResult, error) {
	ds, err := s.Load(ctx, accountID, datasetID)
	if err != nil {
		return nil, err
	}

	var payload []byte
	var contentType string
	switch format {
	case "csv":
		payload, err = renderCSV(ds)
		contentType = "text/csv"
	case "json":
		payload, err = json.Marshal(ds.Items)
		contentType = "application/json"
	case "jsonl":
		payload, err = renderJSONL(ds.Items)
		contentType = "application/x-ndjson"
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render export: %w", err)
	}

	key := fmt.Sprintf("%sexports/%s.%s", datasetPrefix(accountID, ds.ID), uuid.New().String(), format)
	if err := s.store.Put(ctx, key, payload, contentType); err != nil {
		return nil, fmt.Errorf("failed to store export: %w", err)
	}
	url, err := s.store.PresignGet(ctx, key, s.exportExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign export link: %w", err)
	}

	s.logger.Info("Exported dataset",
		zap.String("dataset_id", ds.ID),
		zap.String("format", format),
		zap.Int("rows", len(ds.Items)),
	)
	return &ExportResult{
		DatasetID: ds.ID,
		Format:    format,
		URL:       url,
		Rows:      len(ds.Items),
		Bytes:     len(payload),
	}, nil
}

func renderCSV(ds *models.Dataset) ([]byte, error) {
	cols := make([]string, 0, len(ds.Schema))
	for col := range ds.Schema {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	record := make([]string, len(cols))
	for _, row := range ds.Items {
		for i, col := range cols {
			record[i] = stringify(row[col])
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func renderJSONL(items []map[string]any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	for _, row := range items {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return []byte(sb.String()), nil
}
