package tools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/toolrelay/relay-engine/pkg/models"
	"github.com/toolrelay/relay-engine/pkg/services"
)

// registerDatasetTools adds the tools that operate on materialized dataset
// handles produced by fetch_all.
func (r *Registry) registerDatasetTools(srv *server.MCPServer, key *models.AgentKey) {
	r.registerQueryDataset(srv, key)
	r.registerAggregateDataset(srv, key)
	r.registerSampleDataset(srv, key)
	r.registerExportDataset(srv, key)
	r.registerDatasetInfo(srv, key)
	r.registerCloseDataset(srv, key)
}

// datasetHandler wraps the shared dataset tool plumbing: permission re-check,
// required dataset_id, and error mapping.
func (r *Registry) datasetHandler(
	key *models.AgentKey,
	toolName string,
	fn func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error),
) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if denied := r.checkAccess(key, toolName, models.ToolDataset); denied != nil {
			return NewErrorResult("permission_denied", denied.Error()), nil
		}
		datasetID, err := req.RequireString("dataset_id")
		if err != nil {
			return nil, err
		}
		result, err := fn(ctx, datasetID, requestArgs(req))
		if err != nil {
			if appResult := appErrorResult(err); appResult != nil {
				return appResult, nil
			}
			return nil, err
		}
		return result, nil
	}
}

func (r *Registry) registerQueryDataset(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"query_dataset",
		mcp.WithDescription(
			"Page through a materialized dataset with optional filters. "+
				"Filters are objects with field, op (eq, contains, prefix, gt, gte, lt, lte), and value. "+
				"Use the returned next_cursor to continue.",
		),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithArray("filters", mcp.Description("Row predicates, all of which must match")),
		mcp.WithNumber("cursor", mcp.Description("Offset cursor from a previous page")),
		mcp.WithNumber("limit", mcp.Description("Rows per page")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "query_dataset",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			filters, errResult := parseFilters(args)
			if errResult != nil {
				return errResult, nil
			}
			result, err := r.Datasets.Query(ctx, key.AccountID, datasetID, filters,
				optionalInt(args, "cursor"), optionalInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			return jsonResult(result)
		}))
}

func (r *Registry) registerAggregateDataset(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"aggregate_dataset",
		mcp.WithDescription(
			"Group dataset rows by zero or more columns and compute metrics over each group. "+
				"A metric is an object with function (count, sum, avg, min, max), field "+
				"(required except for count), and an optional alias. Non-numeric values are skipped.",
		),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithArray("group_by", mcp.Description("Columns to group rows by; empty aggregates the whole dataset")),
		mcp.WithArray("metrics", mcp.Required(), mcp.Description("Computations to run per group")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "aggregate_dataset",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			metrics, errResult := parseMetrics(args)
			if errResult != nil {
				return errResult, nil
			}
			result, err := r.Datasets.Aggregate(ctx, key.AccountID, datasetID,
				optionalStringSlice(args, "group_by"), metrics)
			if err != nil {
				if appResult := appErrorResult(err); appResult != nil {
					return appResult, nil
				}
				return NewErrorResult("invalid_aggregation", err.Error()), nil
			}
			return jsonResult(result)
		}))
}

func (r *Registry) registerSampleDataset(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"sample_dataset",
		mcp.WithDescription("Return a small sample of dataset rows: first, last, random, or stride."),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithString("mode", mcp.Description("first (default), last, random, or stride")),
		mcp.WithNumber("n", mcp.Description("Sample size, default 10")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "sample_dataset",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			rows, err := r.Datasets.Sample(ctx, key.AccountID, datasetID,
				optionalString(args, "mode"), optionalInt(args, "n"))
			if err != nil {
				if appResult := appErrorResult(err); appResult != nil {
					return appResult, nil
				}
				return NewErrorResult("invalid_sample", err.Error()), nil
			}
			return jsonResult(map[string]any{"dataset_id": datasetID, "rows": rows, "count": len(rows)})
		}))
}

func (r *Registry) registerExportDataset(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"export_dataset",
		mcp.WithDescription("Render the dataset as csv, json, or jsonl and return a time-limited download link."),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithString("format", mcp.Required(), mcp.Description("csv, json, or jsonl")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "export_dataset",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			result, err := r.Datasets.Export(ctx, key.AccountID, datasetID, optionalString(args, "format"))
			if err != nil {
				if appResult := appErrorResult(err); appResult != nil {
					return appResult, nil
				}
				return NewErrorResult("invalid_export", err.Error()), nil
			}
			return jsonResult(result)
		}))
}

func (r *Registry) registerDatasetInfo(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"dataset_info",
		mcp.WithDescription("Return dataset metadata: size, schema, per-column stats, provenance, and expiry."),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "dataset_info",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			info, err := r.Datasets.Info(ctx, key.AccountID, datasetID)
			if err != nil {
				return nil, err
			}
			return jsonResult(info)
		}))
}

func (r *Registry) registerCloseDataset(srv *server.MCPServer, key *models.AgentKey) {
	tool := mcp.NewTool(
		"close_dataset",
		mcp.WithDescription("Delete a dataset and its exports before the TTL reaps them."),
		mcp.WithString("dataset_id", mcp.Required(), mcp.Description("Dataset handle returned by fetch_all")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	srv.AddTool(tool, r.datasetHandler(key, "close_dataset",
		func(ctx context.Context, datasetID string, args map[string]any) (*mcp.CallToolResult, error) {
			if err := r.Datasets.Close(ctx, key.AccountID, datasetID); err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"dataset_id": datasetID, "closed": true})
		}))
}

// parseMetrics decodes the metrics argument for aggregate_dataset.
func parseMetrics(args map[string]any) ([]services.AggregateMetric, *mcp.CallToolResult) {
	raw, ok := args["metrics"].([]any)
	if !ok || len(raw) == 0 {
		return nil, NewErrorResult("invalid_metrics",
			"metrics must be a non-empty array of objects with function, field, and optional alias")
	}
	metrics := make([]services.AggregateMetric, 0, len(raw))
	for _, el := range raw {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, NewErrorResult("invalid_metrics", "each metric must be an object")
		}
		metrics = append(metrics, services.AggregateMetric{
			Field:    optionalString(m, "field"),
			Function: optionalString(m, "function"),
			Alias:    optionalString(m, "alias"),
		})
	}
	return metrics, nil
}

// parseFilters decodes the filters argument. A malformed entry is an
// actionable error, not a server failure.
func parseFilters(args map[string]any) ([]services.Filter, *mcp.CallToolResult) {
	raw, ok := args["filters"].([]any)
	if !ok {
		return nil, nil
	}
	filters := make([]services.Filter, 0, len(raw))
	for _, el := range raw {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, NewErrorResult("invalid_filter", "each filter must be an object with field, op, and value")
		}
		f := services.Filter{
			Field: optionalString(m, "field"),
			Op:    optionalString(m, "op"),
			Value: m["value"],
		}
		if f.Field == "" || f.Op == "" {
			return nil, NewErrorResult("invalid_filter", "each filter needs a field and an op")
		}
		filters = append(filters, f)
	}
	return filters, nil
}
