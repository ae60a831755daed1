// Package job runs GraphJobs: ordered lists of Cypher statements used for
// stale-data cleanup and for analysis passes over the finished graph.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartography/internal/client"
	"github.com/xkilldash9x/cartography/internal/graph/model"
	"github.com/xkilldash9x/cartography/internal/graph/querybuilder"
)

// ErrMissingParameter is returned when a job is built without the parameters
// its queries reference.
var ErrMissingParameter = errors.New("missing job parameter")

// DefaultIterationSize bounds how many elements a single iterative statement deletes.
const DefaultIterationSize = 100

// Statement is one Cypher query of a job.
type Statement struct {
	Query         string         `json:"query"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Iterative     bool           `json:"iterative,omitempty"`
	IterationSize int            `json:"iterationsize,omitempty"`
}

// Run executes the statement. Iterative statements are repeated with
// $LIMIT_SIZE until a pass reports no updates.
func (s Statement) Run(ctx context.Context, session client.Session) (client.Summary, error) {
	params := make(map[string]any, len(s.Parameters)+1)
	for k, v := range s.Parameters {
		params[k] = v
	}
	if !s.Iterative {
		return session.Write(ctx, s.Query, params)
	}

	size := s.IterationSize
	if size <= 0 {
		size = DefaultIterationSize
	}
	params[model.ParamLimitSize] = size

	var total client.Summary
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		summary, err := session.Write(ctx, s.Query, params)
		if err != nil {
			return total, err
		}
		total = total.Add(summary)
		if !summary.ContainsUpdates() {
			return total, nil
		}
	}
}

// GraphJob is a named, ordered list of statements.
type GraphJob struct {
	Name       string      `json:"name"`
	Statements []Statement `json:"statements"`
	// ShortName identifies the job in logs; usually the file or schema it came from.
	ShortName string `json:"-"`
}

// Run executes the statements in order and stops at the first failure.
func (j GraphJob) Run(ctx context.Context, session client.Session, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("job", j.displayName()))
	log.Debug("Starting job.", zap.Int("statements", len(j.Statements)))
	start := time.Now()

	var total client.Summary
	for i, stmt := range j.Statements {
		summary, err := stmt.Run(ctx, session)
		if err != nil {
			return fmt.Errorf("job %s statement %d failed: %w", j.displayName(), i, err)
		}
		total = total.Add(summary)
	}

	log.Info("Finished job.",
		zap.Int("nodes_deleted", total.NodesDeleted),
		zap.Int("relationships_deleted", total.RelationshipsDeleted),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j GraphJob) displayName() string {
	if j.ShortName != "" {
		return j.ShortName
	}
	return j.Name
}

// FromNodeSchema builds the cleanup job for schema. params must hold
// UPDATE_TAG and, for scoped cleanup, every sub resource kwarg.
func FromNodeSchema(schema model.NodeSchema, params map[string]any, iterationSize int) (GraphJob, error) {
	queries, err := querybuilder.BuildCleanupQueries(schema)
	if err != nil {
		return GraphJob{}, err
	}

	required := []string{model.ParamUpdateTag}
	if schema.SubResourceRelationship != nil && !schema.UnscopedCleanup {
		for _, k := range schema.SubResourceRelationship.TargetNodeMatcher.SortedKeys() {
			required = append(required, schema.SubResourceRelationship.TargetNodeMatcher[k].Name)
		}
	}
	if err := requireParams(schema.Label, params, required); err != nil {
		return GraphJob{}, err
	}

	return GraphJob{
		Name:       fmt.Sprintf("Cleanup %s", schema.Label),
		ShortName:  schema.Label + "_cleanup",
		Statements: iterativeStatements(queries, params, iterationSize),
	}, nil
}

// FromMatchLink builds the cleanup job for relationships written by
// client.LoadMatchLinks under the given sub resource.
func FromMatchLink(ml model.MatchLinkSchema, subResourceLabel, subResourceID string, params map[string]any, iterationSize int) (GraphJob, error) {
	query, err := querybuilder.BuildMatchLinkCleanupQuery(ml)
	if err != nil {
		return GraphJob{}, err
	}
	if err := requireParams(ml.RelLabel, params, []string{model.ParamUpdateTag}); err != nil {
		return GraphJob{}, err
	}
	if subResourceLabel == "" || subResourceID == "" {
		return GraphJob{}, fmt.Errorf("%w: %s matchlink cleanup needs a sub resource", ErrMissingParameter, ml.RelLabel)
	}

	scoped := make(map[string]any, len(params)+2)
	for k, v := range params {
		scoped[k] = v
	}
	scoped[model.PropSubResourceLabel] = subResourceLabel
	scoped[model.PropSubResourceID] = subResourceID

	return GraphJob{
		Name:       fmt.Sprintf("Cleanup %s between %s and %s", ml.RelLabel, ml.SourceNodeLabel, ml.TargetNodeLabel),
		ShortName:  ml.RelLabel + "_matchlink_cleanup",
		Statements: iterativeStatements([]string{query}, scoped, iterationSize),
	}, nil
}

// FromJSON parses a job document:
//
//	{"name": "...", "statements": [{"query": "...", "iterative": true, "iterationsize": 100}]}
//
// params are merged into every statement, statement parameters winning.
func FromJSON(blob []byte, params map[string]any, shortName string) (GraphJob, error) {
	var j GraphJob
	if err := json.Unmarshal(blob, &j); err != nil {
		return GraphJob{}, fmt.Errorf("failed to parse job %s: %w", shortName, err)
	}
	if len(j.Statements) == 0 {
		return GraphJob{}, fmt.Errorf("job %s has no statements", shortName)
	}
	for i := range j.Statements {
		if strings.TrimSpace(j.Statements[i].Query) == "" {
			return GraphJob{}, fmt.Errorf("job %s statement %d has an empty query", shortName, i)
		}
		merged := make(map[string]any, len(params)+len(j.Statements[i].Parameters))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range j.Statements[i].Parameters {
			merged[k] = v
		}
		j.Statements[i].Parameters = merged
	}
	j.ShortName = shortName
	return j, nil
}

// FromFile loads a job document from disk. The short name is the file name
// without its extension.
func FromFile(path string, params map[string]any) (GraphJob, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return GraphJob{}, fmt.Errorf("failed to read job file: %w", err)
	}
	short := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return FromJSON(blob, params, short)
}

func iterativeStatements(queries []string, params map[string]any, size int) []Statement {
	stmts := make([]Statement, 0, len(queries))
	for _, q := range queries {
		stmts = append(stmts, Statement{
			Query:         q,
			Parameters:    params,
			Iterative:     true,
			IterationSize: size,
		})
	}
	return stmts
}

func requireParams(owner string, params map[string]any, keys []string) error {
	for _, k := range keys {
		if v, ok := params[k]; !ok || v == nil {
			return fmt.Errorf("%w: %s cleanup needs %q", ErrMissingParameter, owner, k)
		}
	}
	return nil
}
