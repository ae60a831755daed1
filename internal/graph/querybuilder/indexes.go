package querybuilder

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/cartography/internal/graph/model"
)

// BuildCreateIndexQueries returns the CREATE INDEX statements that keep the
// ingestion query's MERGE and MATCH clauses off full label scans.
func BuildCreateIndexQueries(schema model.NodeSchema) ([]string, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	idx := indexSet{}

	for _, label := range append([]string{schema.Label}, schema.ExtraNodeLabels...) {
		idx.node(label, model.PropID)
		idx.node(label, model.PropLastUpdated)
	}
	for k, ref := range schema.Properties {
		if ref.ExtraIndex {
			idx.node(schema.Label, k)
		}
	}
	for _, rel := range schema.Relationships() {
		for k := range rel.TargetNodeMatcher {
			idx.node(rel.TargetNodeLabel, k)
		}
	}
	return idx.sorted(), nil
}

// BuildCreateIndexQueriesForMatchLink covers both matchers plus the
// relationship properties used by matchlink cleanup.
func BuildCreateIndexQueriesForMatchLink(ml model.MatchLinkSchema) ([]string, error) {
	if err := ml.Validate(); err != nil {
		return nil, err
	}
	idx := indexSet{}
	for k := range ml.SourceNodeMatcher {
		idx.node(ml.SourceNodeLabel, k)
	}
	for k := range ml.TargetNodeMatcher {
		idx.node(ml.TargetNodeLabel, k)
	}
	idx[fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS FOR ()-[r:%s]-() ON (r.%s, r.%s, r.%s);",
		ml.RelLabel, model.PropLastUpdated, model.PropSubResourceLabel, model.PropSubResourceID,
	)] = struct{}{}
	return idx.sorted(), nil
}

type indexSet map[string]struct{}

func (s indexSet) node(label, prop string) {
	s[fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (n:%s) ON (n.%s);", label, prop)] = struct{}{}
}

func (s indexSet) sorted() []string {
	out := make([]string, 0, len(s))
	for q := range s {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
