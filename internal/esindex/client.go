// Package esindex provides the Elasticsearch-backed index store: windowed
// per-source item queries and idempotent result-document upserts.
package esindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/rotisserie/eris"

	"github.com/inventoryops/stocktake/internal/model"
	"github.com/inventoryops/stocktake/internal/resilience"
)

// fetchPageSize bounds a single source query. Matches the upstream snapshot
// job, which never writes more than a few thousand items per window. A full
// page is treated as an error rather than a silently truncated read: items
// dropped here would be misreported as absent downstream.
const fetchPageSize = 10000

// Client defines the index-store operations used by the reconciliation
// engine.
type Client interface {
	// FetchItems returns the item snapshots for one source within the run
	// window, sorted by modification time ascending. The backing index may
	// hold history per item; deduplication is the reader's job.
	FetchItems(ctx context.Context, source model.Source, window model.Window) ([]model.ItemRecord, error)

	// UpsertResults writes result documents keyed by {item_id, run_id}.
	// Re-running for the same run_id overwrites the same documents, so the
	// write is idempotent. Per-document failures are reported, not fatal.
	UpsertResults(ctx context.Context, runID string, results []model.DiscrepancyResult) (*BulkReport, error)
}

// BulkReport holds the per-document outcome of a bulk upsert.
type BulkReport struct {
	Indexed int
	// Failed maps item_id to the index-side failure reason.
	Failed map[string]string
}

// Config holds connection parameters and index names.
type Config struct {
	Addresses []string
	Username  string
	Password  string

	// IDKey is the document field used as the item identifier.
	IDKey string

	// SourceIndices maps each source to its backing index.
	SourceIndices map[model.Source]string

	// ResultsIndex receives discrepancy result documents.
	ResultsIndex string

	// Timeout bounds every query and bulk call.
	Timeout time.Duration
}

type esClient struct {
	es  *elasticsearch.Client
	cfg Config
}

// New creates an Elasticsearch-backed index client.
func New(cfg Config) (Client, error) {
	if cfg.IDKey == "" {
		cfg.IDKey = "item_id"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, eris.Wrap(err, "esindex: create client")
	}
	return &esClient{es: es, cfg: cfg}, nil
}

func (c *esClient) FetchItems(ctx context.Context, source model.Source, window model.Window) ([]model.ItemRecord, error) {
	if !source.Known() {
		return nil, eris.Errorf("esindex: unknown source %q", source)
	}
	index, ok := c.cfg.SourceIndices[source]
	if !ok || index == "" {
		return nil, eris.Errorf("esindex: no index configured for source %s", source)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"range": map[string]any{
						"mod_time": map[string]any{
							"gte": window.From.UTC().Format(time.RFC3339),
							"lte": window.To.UTC().Format(time.RFC3339),
						},
					}},
				},
			},
		},
		"sort": []any{map[string]any{"mod_time": map[string]any{"order": "asc"}}},
		"size": fetchPageSize,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, eris.Wrap(err, "esindex: marshal query")
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "esindex: search %s", index), 0)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		err := eris.Errorf("esindex: search %s: status %d: %s", index, res.StatusCode, string(msg))
		if resilience.IsTransientHTTPStatus(res.StatusCode) {
			return nil, resilience.NewTransientError(err, res.StatusCode)
		}
		return nil, err
	}

	var r struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, eris.Wrapf(err, "esindex: decode search response for %s", index)
	}

	if len(r.Hits.Hits) >= fetchPageSize {
		return nil, eris.Errorf("esindex: %s returned %d documents, exceeding the single-query limit; narrow the run window", index, len(r.Hits.Hits))
	}

	records := make([]model.ItemRecord, 0, len(r.Hits.Hits))
	for _, hit := range r.Hits.Hits {
		rec, err := c.toRecord(source, hit.Source)
		if err != nil {
			return nil, eris.Wrapf(err, "esindex: document %s in %s", hit.ID, index)
		}
		records = append(records, rec)
	}
	return records, nil
}

// toRecord maps a raw document onto an ItemRecord. A missing or non-numeric
// quantity is preserved as HasQuantity=false so the evaluator can record the
// exclusion instead of silently reading zero.
func (c *esClient) toRecord(source model.Source, doc map[string]any) (model.ItemRecord, error) {
	id, ok := doc[c.cfg.IDKey].(string)
	if !ok || id == "" {
		return model.ItemRecord{}, eris.Errorf("missing or non-string %s field", c.cfg.IDKey)
	}

	rec := model.ItemRecord{
		ItemID: id,
		Source: source,
	}

	if raw, ok := doc["quantity"]; ok {
		if q, ok := raw.(float64); ok {
			rec.Quantity = q
			rec.HasQuantity = true
		}
	}

	if raw, ok := doc["mod_time"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.ModTime = t
		}
	}

	attrs := make(map[string]any)
	for k, v := range doc {
		switch k {
		case c.cfg.IDKey, "quantity", "mod_time", "source":
			continue
		}
		attrs[k] = v
	}
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}
	return rec, nil
}

// resultDoc is the indexed form of a discrepancy result, carrying the run
// identifier alongside the evaluation so {item_id, run_id} is recoverable
// from the document body as well as its _id.
type resultDoc struct {
	model.DiscrepancyResult
	RunID string `json:"run_id"`
}

// DocID returns the deterministic document id for an item within a run.
func DocID(itemID, runID string) string {
	return fmt.Sprintf("%s:%s", itemID, runID)
}

func (c *esClient) UpsertResults(ctx context.Context, runID string, results []model.DiscrepancyResult) (*BulkReport, error) {
	if len(results) == 0 {
		return &BulkReport{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var buf bytes.Buffer
	for _, r := range results {
		action := map[string]any{"index": map[string]any{
			"_index": c.cfg.ResultsIndex,
			"_id":    DocID(r.ItemID, runID),
		}}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return nil, eris.Wrap(err, "esindex: encode bulk action")
		}
		if err := json.NewEncoder(&buf).Encode(resultDoc{DiscrepancyResult: r, RunID: runID}); err != nil {
			return nil, eris.Wrap(err, "esindex: encode result document")
		}
	}

	res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "esindex: bulk upsert"), 0)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		err := eris.Errorf("esindex: bulk upsert: status %d: %s", res.StatusCode, string(msg))
		if resilience.IsTransientHTTPStatus(res.StatusCode) {
			return nil, resilience.NewTransientError(err, res.StatusCode)
		}
		return nil, err
	}

	var br struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, eris.Wrap(err, "esindex: decode bulk response")
	}

	report := &BulkReport{Failed: make(map[string]string)}
	for i, item := range br.Items {
		if i >= len(results) {
			break
		}
		outcome, ok := item["index"]
		if !ok {
			continue
		}
		if outcome.Error != nil {
			report.Failed[results[i].ItemID] = fmt.Sprintf("%s: %s", outcome.Error.Type, outcome.Error.Reason)
			continue
		}
		report.Indexed++
	}
	return report, nil
}
