// Package querybuilder compiles declarative schemas into the Cypher used by the
// load engine. Every builder validates its schema first and renders properties in
// sorted order, so the same schema always produces the same query text.
package querybuilder

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/cartography/internal/graph/model"
)

const (
	nodeAlias   = "i"
	targetAlias = "j"
	relAlias    = "r"
)

// BuildIngestionQuery returns the UNWIND/MERGE query that upserts a batch of
// records for schema. The batch is passed as $DictList; kwargs are passed as
// top level parameters.
func BuildIngestionQuery(schema model.NodeSchema) (string, error) {
	if err := schema.Validate(); err != nil {
		return "", err
	}

	idRef := schema.Properties[model.PropID]

	var b strings.Builder
	fmt.Fprintf(&b, "UNWIND $%s AS item\n", model.ParamDictList)
	fmt.Fprintf(&b, "    MERGE (%s:%s{id: %s})\n", nodeAlias, schema.Label, idRef.Parametrized())
	fmt.Fprintf(&b, "    ON CREATE SET %s.%s = timestamp()\n", nodeAlias, model.PropFirstSeen)
	b.WriteString("    SET\n")
	b.WriteString(setPropertiesStatement(nodeAlias, schema.Properties, model.PropID, "        "))

	if len(schema.ExtraNodeLabels) > 0 {
		fmt.Fprintf(&b, "\n    SET %s:%s", nodeAlias, strings.Join(schema.ExtraNodeLabels, ":"))
	}

	rels := schema.Relationships()
	if len(rels) > 0 {
		subqueries := make([]string, 0, len(rels))
		for _, rel := range rels {
			subqueries = append(subqueries, attachRelationshipSubquery(rel))
		}
		fmt.Fprintf(&b, "\n    WITH %s, item\n", nodeAlias)
		b.WriteString("    CALL {\n")
		b.WriteString(strings.Join(subqueries, "\n        UNION\n"))
		b.WriteString("\n    }")
	}
	return b.String(), nil
}

// attachRelationshipSubquery renders one branch of the CALL block. A target that
// does not exist yet is skipped rather than created.
func attachRelationshipSubquery(rel model.RelSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "        WITH %s, item\n", nodeAlias)
	fmt.Fprintf(&b, "        OPTIONAL MATCH %s\n", matchClause(targetAlias, rel.TargetNodeLabel, rel.TargetNodeMatcher))
	fmt.Fprintf(&b, "        WITH %s, item, %s WHERE %s IS NOT NULL\n", nodeAlias, targetAlias, targetAlias)
	fmt.Fprintf(&b, "        MERGE %s\n", relPattern(nodeAlias, targetAlias, relAlias, rel.RelLabel, rel.Direction))
	fmt.Fprintf(&b, "        ON CREATE SET %s.%s = timestamp()\n", relAlias, model.PropFirstSeen)
	b.WriteString("        SET\n")
	b.WriteString(setPropertiesStatement(relAlias, rel.Properties, "", "            "))
	return b.String()
}

// BuildMatchLinkQuery returns the query that links pre-existing nodes. Rows whose
// endpoints are missing produce no relationship.
func BuildMatchLinkQuery(ml model.MatchLinkSchema) (string, error) {
	if err := ml.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "UNWIND $%s AS item\n", model.ParamDictList)
	fmt.Fprintf(&b, "    MATCH %s\n", matchClause("from", ml.SourceNodeLabel, ml.SourceNodeMatcher))
	fmt.Fprintf(&b, "    MATCH %s\n", matchClause("to", ml.TargetNodeLabel, ml.TargetNodeMatcher))
	fmt.Fprintf(&b, "    MERGE %s\n", relPattern("from", "to", relAlias, ml.RelLabel, ml.Direction))
	fmt.Fprintf(&b, "    ON CREATE SET %s.%s = timestamp()\n", relAlias, model.PropFirstSeen)
	b.WriteString("    SET\n")
	b.WriteString(setPropertiesStatement(relAlias, ml.Properties, "", "        "))
	return b.String(), nil
}

// matchClause renders a node pattern. Plain equality matchers use the map form so
// the planner can use an index; ignore-case and one-to-many matchers need WHERE.
func matchClause(alias, label string, matcher model.Properties) string {
	needsWhere := false
	for _, ref := range matcher {
		if ref.IgnoreCase || ref.OneToMany {
			needsWhere = true
			break
		}
	}

	keys := matcher.SortedKeys()
	if !needsWhere {
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, matcher[k].Parametrized()))
		}
		return fmt.Sprintf("(%s:%s{%s})", alias, label, strings.Join(parts, ", "))
	}

	conds := make([]string, 0, len(keys))
	for _, k := range keys {
		ref := matcher[k]
		switch {
		case ref.OneToMany:
			conds = append(conds, fmt.Sprintf("%s.%s IN %s", alias, k, ref.Parametrized()))
		case ref.IgnoreCase:
			conds = append(conds, fmt.Sprintf("toLower(%s.%s) = toLower(%s)", alias, k, ref.Parametrized()))
		default:
			conds = append(conds, fmt.Sprintf("%s.%s = %s", alias, k, ref.Parametrized()))
		}
	}
	return fmt.Sprintf("(%s:%s) WHERE %s", alias, label, strings.Join(conds, " AND "))
}

func relPattern(from, to, rel, relLabel string, dir model.LinkDirection) string {
	if dir == model.Outward {
		return fmt.Sprintf("(%s)-[%s:%s]->(%s)", from, rel, relLabel, to)
	}
	return fmt.Sprintf("(%s)<-[%s:%s]-(%s)", from, rel, relLabel, to)
}

func setPropertiesStatement(alias string, props model.Properties, skip, indent string) string {
	lines := make([]string, 0, len(props))
	for _, k := range props.SortedKeys() {
		if k == skip {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s%s.%s = %s", indent, alias, k, props[k].Parametrized()))
	}
	return strings.Join(lines, ",\n")
}
