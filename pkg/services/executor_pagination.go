package services

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/toolrelay/relay-engine/pkg/models"
)

// discoverySampleRows caps how many rows a discovery response shows.
const discoverySampleRows = 3

// emptyPageTolerance is how many consecutive empty pages fetch-all accepts
// before concluding the collection is exhausted. Some systems return sparse
// pages when rows are deleted between requests.
const emptyPageTolerance = 3

// executePaginated dispatches a paginated action to one of its three modes:
// no paging argument means discovery, an explicit page returns that page in
// full, and fetch_all materializes the whole collection into a dataset.
func (e *Executor) executePaginated(ctx context.Context, cc *callContext) (*Outcome, error) {
	if boolArg(cc.inv.Args, argFetchAll) {
		return e.fetchAll(ctx, cc)
	}
	if page, ok := intArg(cc.inv.Args, argPage); ok {
		return e.fetchPage(ctx, cc, page)
	}
	return e.discover(ctx, cc)
}

// pageFetch is one downstream page with its paging hints decoded.
type pageFetch struct {
	items      []map[string]any
	totalPages *int
	lastPage   *bool
	status     int
	raw        []byte
}

// requestPage fetches one downstream page. downstreamPage is already in the
// system's own numbering. A non-nil error means the request could not be
// assembled; downstream refusals come back as a Failure.
func (e *Executor) requestPage(ctx context.Context, cc *callContext, downstreamPage, size int) (*pageFetch, *Failure, error) {
	p := cc.inv.Spec.Action.Pagination
	args := make(map[string]any, len(cc.args)+2)
	for k, v := range cc.args {
		args[k] = v
	}
	args[p.PageParam] = downstreamPage
	if p.SizeParam != "" && size > 0 {
		args[p.SizeParam] = size
	}

	status, body, raw, err := e.callDownstream(ctx, cc, args)
	if err != nil {
		var setup *setupError
		if errors.As(err, &setup) {
			return nil, nil, setup.err
		}
		return nil, &Failure{Status: 0, Body: err.Error(), Params: cc.inv.Args,
			HasRefreshToken: cc.creds.refreshToken != ""}, nil
	}
	if status >= 400 {
		return nil, &Failure{Status: status, Body: string(raw), Params: cc.inv.Args,
			HasRefreshToken: cc.creds.refreshToken != "", RetryAfter: cc.lastRetryAfter}, nil
	}

	fetch := &pageFetch{status: status, raw: raw}
	fetch.items = extractItems(body, p.ItemsField)
	if m, ok := body.(map[string]any); ok {
		if p.TotalPagesField != "" {
			if n, ok := numericValue(m[p.TotalPagesField]); ok {
				total := int(n)
				fetch.totalPages = &total
			}
		}
		if p.LastPageField != "" {
			if b, ok := m[p.LastPageField].(bool); ok {
				fetch.lastPage = &b
			}
		}
	}
	return fetch, nil, nil
}

func (e *Executor) pageSize(cc *callContext) int {
	p := cc.inv.Spec.Action.Pagination
	size := p.DefaultSize
	if requested, ok := intArg(cc.inv.Args, argPageSize); ok && requested > 0 {
		size = requested
	}
	if p.MaxSize > 0 && size > p.MaxSize {
		size = p.MaxSize
	}
	return size
}

// discover summarizes the endpoint: columns, a few sample rows, and paging
// hints from the first page. It never returns the full page.
func (e *Executor) discover(ctx context.Context, cc *callContext) (*Outcome, error) {
	p := cc.inv.Spec.Action.Pagination
	size := e.pageSize(cc)
	fetch, failure, err := e.requestPage(ctx, cc, p.StartIndex, size)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return e.reportFailure(ctx, cc, *failure, ""), nil
	}
	e.confirmSystem(ctx, cc.system)

	d := &Discovery{
		Columns:    columnNames(fetch.items),
		PageSize:   size,
		ItemsSeen:  len(fetch.items),
		TotalPages: fetch.totalPages,
		LastPage:   fetch.lastPage,
		Sample:     fetch.items,
	}
	if len(d.Sample) > discoverySampleRows {
		d.Sample = d.Sample[:discoverySampleRows]
	}
	return &Outcome{OK: true, Status: fetch.status, Discovery: d}, nil
}

// fetchPage returns one logical page in full. Caller pages are 1-based
// regardless of how the downstream counts.
func (e *Executor) fetchPage(ctx context.Context, cc *callContext, page int) (*Outcome, error) {
	p := cc.inv.Spec.Action.Pagination
	if page < 1 {
		page = 1
	}
	size := e.pageSize(cc)
	fetch, failure, err := e.requestPage(ctx, cc, p.StartIndex+page-1, size)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return e.reportFailure(ctx, cc, *failure, ""), nil
	}
	e.confirmSystem(ctx, cc.system)

	hasMore := size > 0 && len(fetch.items) == size
	if fetch.lastPage != nil {
		hasMore = !*fetch.lastPage
	}
	if fetch.totalPages != nil {
		hasMore = page < *fetch.totalPages
	}
	return &Outcome{OK: true, Status: fetch.status, Page: &PagePayload{
		Page:    page,
		Items:   fetch.items,
		Count:   len(fetch.items),
		HasMore: hasMore,
	}}, nil
}

// fetchAll walks every page within the configured budgets and materializes
// the rows into a dataset. A mid-loop failure still persists what was
// collected so far as a partial dataset.
func (e *Executor) fetchAll(ctx context.Context, cc *callContext) (*Outcome, error) {
	p := cc.inv.Spec.Action.Pagination
	size := e.pageSize(cc)
	deadline := e.now().Add(e.datasetCfg.MaxFetchDuration())

	var (
		items     []map[string]any
		pages     int
		empties   int
		truncated bool
	)
	for downstreamPage := p.StartIndex; ; downstreamPage++ {
		if pages >= e.datasetCfg.MaxPages || len(items) >= e.datasetCfg.MaxItems || e.now().After(deadline) {
			truncated = true
			break
		}

		fetch, failure, err := e.requestPage(ctx, cc, downstreamPage, size)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			partialID := e.persistPartial(ctx, cc, items, pages)
			return e.reportFailure(ctx, cc, *failure, partialID), nil
		}
		pages++
		items = append(items, fetch.items...)

		if fetch.lastPage != nil && *fetch.lastPage {
			break
		}
		if fetch.totalPages != nil && pages >= *fetch.totalPages {
			break
		}
		if len(fetch.items) == 0 {
			empties++
			if empties >= emptyPageTolerance || fetch.lastPage != nil || fetch.totalPagesKnown() {
				break
			}
			continue
		}
		empties = 0
		if size > 0 && len(fetch.items) < size && fetch.lastPage == nil && fetch.totalPages == nil {
			// A short page with no explicit hints is the end of the collection.
			break
		}
	}
	e.confirmSystem(ctx, cc.system)

	if len(items) > e.datasetCfg.MaxItems {
		items = items[:e.datasetCfg.MaxItems]
		truncated = true
	}
	ds, err := e.datasets.Materialize(ctx, cc.inv.AccountID, items, models.DatasetProvenance{
		SystemAlias:  cc.inv.SystemAlias,
		ToolName:     cc.inv.ToolName,
		FetchedPages: pages,
		TotalItems:   len(items),
		Truncated:    truncated,
		FetchedAt:    e.now(),
	})
	if err != nil {
		return nil, err
	}
	info, err := e.datasets.Info(ctx, cc.inv.AccountID, ds.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{OK: true, Status: 200, DatasetInfo: info}, nil
}

// persistPartial stores what a failed fetch-all collected so far. Returns the
// dataset id, or empty when nothing was collected or persistence failed.
func (e *Executor) persistPartial(ctx context.Context, cc *callContext, items []map[string]any, pages int) string {
	if len(items) == 0 {
		return ""
	}
	ds, err := e.datasets.Materialize(ctx, cc.inv.AccountID, items, models.DatasetProvenance{
		SystemAlias:  cc.inv.SystemAlias,
		ToolName:     cc.inv.ToolName,
		FetchedPages: pages,
		TotalItems:   len(items),
		Truncated:    true,
		FetchedAt:    e.now(),
	})
	if err != nil {
		return ""
	}
	return ds.ID
}

func (f *pageFetch) totalPagesKnown() bool {
	return f.totalPages != nil
}

// extractItems pulls the row array out of a page response. A named items
// field is honored first; otherwise the first array of objects found by an
// ordered walk over the response tree wins. A bare top-level array is taken
// as-is.
func extractItems(body any, itemsField string) []map[string]any {
	switch v := body.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if itemsField != "" {
			if arr, ok := v[itemsField].([]any); ok {
				return toRows(arr)
			}
			return nil
		}
		if arr := findFirstArray(v); arr != nil {
			return toRows(arr)
		}
	}
	return nil
}

// findFirstArray walks the map breadth-first in sorted key order and returns
// the first array value.
func findFirstArray(m map[string]any) []any {
	queue := []map[string]any{m}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		keys := make([]string, 0, len(current))
		for k := range current {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if arr, ok := current[k].([]any); ok {
				return arr
			}
		}
		for _, k := range keys {
			if child, ok := current[k].(map[string]any); ok {
				queue = append(queue, child)
			}
		}
	}
	return nil
}

// toRows coerces array elements to row objects. Scalar elements are wrapped
// so every row is addressable by column.
func toRows(arr []any) []map[string]any {
	rows := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		if row, ok := el.(map[string]any); ok {
			rows = append(rows, row)
		} else {
			rows = append(rows, map[string]any{"value": el})
		}
	}
	return rows
}

// columnNames is the sorted union of keys across the sampled rows.
func columnNames(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func intArg(args map[string]any, name string) (int, bool) {
	val, ok := args[name]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func boolArg(args map[string]any, name string) bool {
	val, ok := args[name]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
