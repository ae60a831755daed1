package client

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/graph/querybuilder"
)

// DefaultBatchSize is the number of records sent per UNWIND statement.
const DefaultBatchSize = 10000

// LoadOption tunes a single Load or LoadMatchLinks call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	batchSize int
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) LoadOption {
	return func(o *loadOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// Load merges records as nodes of schema and attaches every declared
// relationship. kwargs supplies lastupdated and the values of any
// kwarg-sourced property or matcher. Records and kwargs are checked before
// anything is written; a missing key fails with model.ErrMissingKey.
func Load(ctx context.Context, session Session, schema model.NodeSchema, records []map[string]any, kwargs map[string]any, opts ...LoadOption) error {
	if len(records) == 0 {
		return nil
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	if err := model.CheckKwargs(schema.Label, kwargs, schema.RequiredKwargs()); err != nil {
		return err
	}
	if err := model.CheckRecords(schema.Label, records, schema.RequiredRecordKeys()); err != nil {
		return err
	}

	indexes, err := querybuilder.BuildCreateIndexQueries(schema)
	if err != nil {
		return err
	}
	if err := runIndexes(ctx, session, indexes); err != nil {
		return fmt.Errorf("failed to ensure indexes for %s: %w", schema.Label, err)
	}

	query, err := querybuilder.BuildIngestionQuery(schema)
	if err != nil {
		return err
	}
	if err := writeBatches(ctx, session, query, records, kwargs, opts); err != nil {
		return fmt.Errorf("failed to load %s: %w", schema.Label, err)
	}
	return nil
}

// LoadMatchLinks connects existing nodes. Records whose endpoints are not in
// the graph are skipped by the MATCH clauses.
func LoadMatchLinks(ctx context.Context, session Session, ml model.MatchLinkSchema, records []map[string]any, kwargs map[string]any, opts ...LoadOption) error {
	if len(records) == 0 {
		return nil
	}
	if err := ml.Validate(); err != nil {
		return err
	}
	if err := model.CheckKwargs(ml.RelLabel, kwargs, ml.RequiredKwargs()); err != nil {
		return err
	}
	if err := model.CheckRecords(ml.RelLabel, records, ml.RequiredRecordKeys()); err != nil {
		return err
	}

	indexes, err := querybuilder.BuildCreateIndexQueriesForMatchLink(ml)
	if err != nil {
		return err
	}
	if err := runIndexes(ctx, session, indexes); err != nil {
		return fmt.Errorf("failed to ensure indexes for %s: %w", ml.RelLabel, err)
	}

	query, err := querybuilder.BuildMatchLinkQuery(ml)
	if err != nil {
		return err
	}
	if err := writeBatches(ctx, session, query, records, kwargs, opts); err != nil {
		return fmt.Errorf("failed to load %s matchlinks: %w", ml.RelLabel, err)
	}
	return nil
}

// EnsureIndexes creates the indexes a schema relies on without loading data.
func EnsureIndexes(ctx context.Context, session Session, schemas ...model.NodeSchema) error {
	for _, s := range schemas {
		queries, err := querybuilder.BuildCreateIndexQueries(s)
		if err != nil {
			return err
		}
		if err := runIndexes(ctx, session, queries); err != nil {
			return fmt.Errorf("failed to ensure indexes for %s: %w", s.Label, err)
		}
	}
	return nil
}

// EnsureMatchLinkIndexes creates the endpoint and sub-resource indexes of
// each matchlink without loading data.
func EnsureMatchLinkIndexes(ctx context.Context, session Session, links ...model.MatchLinkSchema) error {
	for _, ml := range links {
		queries, err := querybuilder.BuildCreateIndexQueriesForMatchLink(ml)
		if err != nil {
			return err
		}
		if err := runIndexes(ctx, session, queries); err != nil {
			return fmt.Errorf("failed to ensure indexes for %s: %w", ml.RelLabel, err)
		}
	}
	return nil
}

// runIndexes skips statements an IndexTracker session has already run.
func runIndexes(ctx context.Context, session Session, queries []string) error {
	var set *IndexSet
	if tracker, ok := session.(IndexTracker); ok {
		set = tracker.Indexes()
	}
	for _, q := range queries {
		if set != nil && set.has(q) {
			continue
		}
		if _, err := session.Write(ctx, q, nil); err != nil {
			return err
		}
		if set != nil {
			set.add(q)
		}
	}
	return nil
}

func writeBatches(ctx context.Context, session Session, query string, records []map[string]any, kwargs map[string]any, opts []LoadOption) error {
	o := loadOptions{batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}

	for start := 0; start < len(records); start += o.batchSize {
		end := min(start+o.batchSize, len(records))

		// The driver packs []any of maps; a typed []map[string]any is not guaranteed.
		batch := make([]any, 0, end-start)
		for _, r := range records[start:end] {
			batch = append(batch, r)
		}
		params := make(map[string]any, len(kwargs)+1)
		for k, v := range kwargs {
			params[k] = v
		}
		params[model.ParamDictList] = batch

		if _, err := session.Write(ctx, query, params); err != nil {
			return err
		}
	}
	return nil
}
