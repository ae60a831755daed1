package querybuilder

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/cartography/internal/graph/model"
)

// BuildCleanupQueries returns the statements that remove stale data written
// under schema: stale nodes first, then stale relationships hanging off nodes
// that survived. Each statement deletes at most $LIMIT_SIZE elements so the
// caller can run it iteratively.
func BuildCleanupQueries(schema model.NodeSchema) ([]string, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if schema.SubResourceRelationship == nil || schema.UnscopedCleanup {
		return unscopedCleanupQueries(schema), nil
	}

	sub := *schema.SubResourceRelationship
	for _, ref := range sub.TargetNodeMatcher {
		if !ref.SetInKwargs {
			return nil, fmt.Errorf("%w: %s sub resource matcher %s must come from kwargs for scoped cleanup",
				model.ErrInvalidSchema, schema.Label, ref.Name)
		}
	}

	scope := fmt.Sprintf("MATCH (n:%s)%s", schema.Label, subResourcePattern(sub))

	queries := []string{
		staleNodeQuery(scope),
		staleRelQuery(scope, "s"),
	}
	for _, rel := range schema.OtherRelationships {
		queries = append(queries, staleRelQuery(scope+"\n"+otherRelMatch(rel), "r"))
	}
	return queries, nil
}

func unscopedCleanupQueries(schema model.NodeSchema) []string {
	scope := fmt.Sprintf("MATCH (n:%s)", schema.Label)
	queries := []string{staleNodeQuery(scope)}
	for _, rel := range schema.Relationships() {
		queries = append(queries, staleRelQuery(scope+"\n"+otherRelMatch(rel), "r"))
	}
	return queries
}

// BuildMatchLinkCleanupQuery removes stale matchlink relationships written under
// the scope passed as $_sub_resource_label / $_sub_resource_id.
func BuildMatchLinkCleanupQuery(ml model.MatchLinkSchema) (string, error) {
	if err := ml.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "MATCH %s\n", relPatternWithLabels("from", ml.SourceNodeLabel, "to", ml.TargetNodeLabel, ml.RelLabel, ml.Direction))
	fmt.Fprintf(&b, "WHERE r.%s <> $%s\n", model.PropLastUpdated, model.ParamUpdateTag)
	fmt.Fprintf(&b, "    AND r.%s = $%s\n", model.PropSubResourceLabel, model.PropSubResourceLabel)
	fmt.Fprintf(&b, "    AND r.%s = $%s\n", model.PropSubResourceID, model.PropSubResourceID)
	fmt.Fprintf(&b, "WITH r LIMIT $%s\n", model.ParamLimitSize)
	b.WriteString("DELETE r;")
	return b.String(), nil
}

func subResourcePattern(sub model.RelSchema) string {
	keys := sub.TargetNodeMatcher.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, sub.TargetNodeMatcher[k].Parametrized()))
	}
	target := fmt.Sprintf("(:%s{%s})", sub.TargetNodeLabel, strings.Join(parts, ", "))
	if sub.Direction == model.Outward {
		return fmt.Sprintf("-[s:%s]->%s", sub.RelLabel, target)
	}
	return fmt.Sprintf("<-[s:%s]-%s", sub.RelLabel, target)
}

func otherRelMatch(rel model.RelSchema) string {
	if rel.Direction == model.Outward {
		return fmt.Sprintf("MATCH (n)-[r:%s]->(:%s)", rel.RelLabel, rel.TargetNodeLabel)
	}
	return fmt.Sprintf("MATCH (n)<-[r:%s]-(:%s)", rel.RelLabel, rel.TargetNodeLabel)
}

func relPatternWithLabels(from, fromLabel, to, toLabel, relLabel string, dir model.LinkDirection) string {
	if dir == model.Outward {
		return fmt.Sprintf("(%s:%s)-[r:%s]->(%s:%s)", from, fromLabel, relLabel, to, toLabel)
	}
	return fmt.Sprintf("(%s:%s)<-[r:%s]-(%s:%s)", from, fromLabel, relLabel, to, toLabel)
}

func staleNodeQuery(scope string) string {
	return fmt.Sprintf("%s\nWHERE n.%s <> $%s\nWITH n LIMIT $%s\nDETACH DELETE n;",
		scope, model.PropLastUpdated, model.ParamUpdateTag, model.ParamLimitSize)
}

func staleRelQuery(scope, rel string) string {
	return fmt.Sprintf("%s\nWHERE %s.%s <> $%s\nWITH %s LIMIT $%s\nDELETE %s;",
		scope, rel, model.PropLastUpdated, model.ParamUpdateTag, rel, model.ParamLimitSize, rel)
}
