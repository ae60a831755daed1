// Package model holds the declarative node and relationship schemas that drive
// every load and cleanup query. A provider module describes what it writes with a
// NodeSchema or MatchLinkSchema; the querybuilder and job packages turn those
// descriptions into Cypher.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	// ErrInvalidSchema is returned when a schema cannot be compiled into Cypher.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrMissingKey is returned when a record or the caller's kwargs lack a value
	// that the schema needs to merge a node or match a relationship target.
	ErrMissingKey = errors.New("missing required key")
)

// Reserved property and parameter names shared by the load and cleanup engines.
const (
	PropID               = "id"
	PropLastUpdated      = "lastupdated"
	PropFirstSeen        = "firstseen"
	PropSubResourceLabel = "_sub_resource_label"
	PropSubResourceID    = "_sub_resource_id"

	ParamUpdateTag = "UPDATE_TAG"
	ParamLimitSize = "LIMIT_SIZE"
	ParamDictList  = "DictList"
)

// LinkDirection is the direction of a relationship relative to the node the schema describes.
type LinkDirection int

const (
	// Inward means (:Node)<-[:REL]-(:Target).
	Inward LinkDirection = iota
	// Outward means (:Node)-[:REL]->(:Target).
	Outward
)

func (d LinkDirection) String() string {
	if d == Outward {
		return "OUTWARD"
	}
	return "INWARD"
}

// PropertyRef says where a property value comes from: the key of the same name
// on each record, or a caller supplied keyword argument shared by all records.
type PropertyRef struct {
	Name        string
	SetInKwargs bool
	// ExtraIndex asks the index builder to create an index on this property.
	ExtraIndex bool
	// IgnoreCase makes a target matcher compare with toLower on both sides.
	IgnoreCase bool
	// OneToMany marks a matcher whose record value is a list; one relationship is
	// created per element.
	OneToMany bool
}

// Ref is a property read from the record key of the same name.
func Ref(name string) PropertyRef { return PropertyRef{Name: name} }

// KwargRef is a property supplied once by the caller for the whole batch.
func KwargRef(name string) PropertyRef { return PropertyRef{Name: name, SetInKwargs: true} }

// Indexed is a record property that also gets an index.
func Indexed(name string) PropertyRef { return PropertyRef{Name: name, ExtraIndex: true} }

// Parametrized renders the reference as it appears inside a generated query.
func (p PropertyRef) Parametrized() string {
	if p.SetInKwargs {
		return "$" + p.Name
	}
	return "item." + p.Name
}

// Properties maps a graph property name to its source.
type Properties map[string]PropertyRef

// SortedKeys returns the property names in a stable order so generated queries are deterministic.
func (p Properties) SortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RelSchema describes a relationship from the schema's node to a target node.
type RelSchema struct {
	TargetNodeLabel   string
	TargetNodeMatcher Properties
	Direction         LinkDirection
	RelLabel          string
	Properties        Properties
}

// Validate checks that the relationship can be rendered.
func (r RelSchema) Validate() error {
	if r.TargetNodeLabel == "" || r.RelLabel == "" {
		return fmt.Errorf("%w: relationship needs a target label and a rel label", ErrInvalidSchema)
	}
	if err := checkIdentifiers(r.TargetNodeLabel, r.RelLabel); err != nil {
		return err
	}
	if len(r.TargetNodeMatcher) == 0 {
		return fmt.Errorf("%w: relationship %s has no target matcher", ErrInvalidSchema, r.RelLabel)
	}
	if err := checkPropertyNames(r.TargetNodeMatcher); err != nil {
		return err
	}
	if err := checkPropertyNames(r.Properties); err != nil {
		return err
	}
	if _, ok := r.Properties[PropLastUpdated]; !ok {
		return fmt.Errorf("%w: relationship %s must declare %s", ErrInvalidSchema, r.RelLabel, PropLastUpdated)
	}
	oneToMany := 0
	for _, ref := range r.TargetNodeMatcher {
		if ref.OneToMany {
			oneToMany++
			if ref.SetInKwargs {
				return fmt.Errorf("%w: one-to-many matcher %s cannot come from kwargs", ErrInvalidSchema, ref.Name)
			}
		}
	}
	if oneToMany > 1 {
		return fmt.Errorf("%w: relationship %s has more than one one-to-many matcher", ErrInvalidSchema, r.RelLabel)
	}
	return nil
}

// IsOneToMany reports whether any target matcher expands a list.
func (r RelSchema) IsOneToMany() bool {
	for _, ref := range r.TargetNodeMatcher {
		if ref.OneToMany {
			return true
		}
	}
	return false
}

// NodeSchema is the declarative description of one node label.
type NodeSchema struct {
	Label      string
	Properties Properties
	// SubResourceRelationship anchors the node to its scope (account, tenant,
	// zone). Cleanup is partitioned by it.
	SubResourceRelationship *RelSchema
	OtherRelationships      []RelSchema
	ExtraNodeLabels         []string
	// UnscopedCleanup makes cleanup delete stale nodes of this label regardless
	// of scope. Only for labels shared across scopes (users, organizations).
	UnscopedCleanup bool
}

// Validate checks that the schema has the mandatory properties and sane relationships.
func (s NodeSchema) Validate() error {
	if s.Label == "" {
		return fmt.Errorf("%w: node schema has no label", ErrInvalidSchema)
	}
	if err := checkIdentifiers(append([]string{s.Label}, s.ExtraNodeLabels...)...); err != nil {
		return err
	}
	if err := checkPropertyNames(s.Properties); err != nil {
		return err
	}
	id, ok := s.Properties[PropID]
	if !ok {
		return fmt.Errorf("%w: %s must declare an %s property", ErrInvalidSchema, s.Label, PropID)
	}
	if id.SetInKwargs {
		return fmt.Errorf("%w: %s id must come from the record", ErrInvalidSchema, s.Label)
	}
	lu, ok := s.Properties[PropLastUpdated]
	if !ok || !lu.SetInKwargs {
		return fmt.Errorf("%w: %s must declare %s from kwargs", ErrInvalidSchema, s.Label, PropLastUpdated)
	}
	if s.SubResourceRelationship != nil {
		if err := s.SubResourceRelationship.Validate(); err != nil {
			return fmt.Errorf("%s sub resource: %w", s.Label, err)
		}
	}
	for _, rel := range s.OtherRelationships {
		if err := rel.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.Label, err)
		}
	}
	return nil
}

// Relationships returns the sub resource relationship (if any) followed by the others.
func (s NodeSchema) Relationships() []RelSchema {
	rels := make([]RelSchema, 0, len(s.OtherRelationships)+1)
	if s.SubResourceRelationship != nil {
		rels = append(rels, *s.SubResourceRelationship)
	}
	return append(rels, s.OtherRelationships...)
}

// RequiredRecordKeys lists the record keys without which a node cannot be merged.
func (s NodeSchema) RequiredRecordKeys() []string {
	return []string{s.Properties[PropID].Name}
}

// RequiredKwargs lists every kwarg referenced by the schema, sorted.
func (s NodeSchema) RequiredKwargs() []string {
	seen := map[string]struct{}{}
	collect := func(props Properties) {
		for _, ref := range props {
			if ref.SetInKwargs {
				seen[ref.Name] = struct{}{}
			}
		}
	}
	collect(s.Properties)
	for _, rel := range s.Relationships() {
		collect(rel.Properties)
		collect(rel.TargetNodeMatcher)
	}
	return sortedSet(seen)
}

// MatchLinkSchema connects two node types that some other module owns. The
// relationship carries the scope it was written under so cleanup can be partitioned.
type MatchLinkSchema struct {
	SourceNodeLabel   string
	SourceNodeMatcher Properties
	TargetNodeLabel   string
	TargetNodeMatcher Properties
	Direction         LinkDirection
	RelLabel          string
	Properties        Properties
}

// Validate checks that the matchlink declares the properties cleanup relies on.
func (m MatchLinkSchema) Validate() error {
	if m.SourceNodeLabel == "" || m.TargetNodeLabel == "" || m.RelLabel == "" {
		return fmt.Errorf("%w: matchlink needs source, target and rel labels", ErrInvalidSchema)
	}
	if err := checkIdentifiers(m.SourceNodeLabel, m.TargetNodeLabel, m.RelLabel); err != nil {
		return err
	}
	if len(m.SourceNodeMatcher) == 0 || len(m.TargetNodeMatcher) == 0 {
		return fmt.Errorf("%w: matchlink %s needs source and target matchers", ErrInvalidSchema, m.RelLabel)
	}
	for _, props := range []Properties{m.SourceNodeMatcher, m.TargetNodeMatcher, m.Properties} {
		if err := checkPropertyNames(props); err != nil {
			return err
		}
	}
	for _, name := range []string{PropLastUpdated, PropSubResourceLabel, PropSubResourceID} {
		ref, ok := m.Properties[name]
		if !ok || !ref.SetInKwargs {
			return fmt.Errorf("%w: matchlink %s must declare %s from kwargs", ErrInvalidSchema, m.RelLabel, name)
		}
	}
	for _, matcher := range []Properties{m.SourceNodeMatcher, m.TargetNodeMatcher} {
		for _, ref := range matcher {
			if ref.OneToMany {
				return fmt.Errorf("%w: matchlink %s does not support one-to-many matchers", ErrInvalidSchema, m.RelLabel)
			}
		}
	}
	return nil
}

// RequiredRecordKeys lists the record keys used to find both endpoints.
func (m MatchLinkSchema) RequiredRecordKeys() []string {
	seen := map[string]struct{}{}
	for _, matcher := range []Properties{m.SourceNodeMatcher, m.TargetNodeMatcher} {
		for _, ref := range matcher {
			if !ref.SetInKwargs {
				seen[ref.Name] = struct{}{}
			}
		}
	}
	return sortedSet(seen)
}

// RequiredKwargs lists every kwarg referenced by the matchlink, sorted.
func (m MatchLinkSchema) RequiredKwargs() []string {
	seen := map[string]struct{}{}
	for _, props := range []Properties{m.SourceNodeMatcher, m.TargetNodeMatcher, m.Properties} {
		for _, ref := range props {
			if ref.SetInKwargs {
				seen[ref.Name] = struct{}{}
			}
		}
	}
	return sortedSet(seen)
}

// CheckRecords returns ErrMissingKey for the first record lacking one of keys.
func CheckRecords(label string, records []map[string]any, keys []string) error {
	for i, rec := range records {
		for _, k := range keys {
			v, ok := rec[k]
			if !ok || v == nil {
				return fmt.Errorf("%w: %s record %d has no %q", ErrMissingKey, label, i, k)
			}
		}
	}
	return nil
}

// CheckKwargs returns ErrMissingKey when the caller did not supply a referenced kwarg.
func CheckKwargs(label string, kwargs map[string]any, keys []string) error {
	for _, k := range keys {
		if _, ok := kwargs[k]; !ok {
			return fmt.Errorf("%w: %s needs kwarg %q", ErrMissingKey, label, k)
		}
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be interpolated into Cypher as a label,
// relationship type or property key without quoting.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !ValidIdentifier(n) {
			return fmt.Errorf("%w: %q is not a valid identifier", ErrInvalidSchema, n)
		}
	}
	return nil
}

func checkPropertyNames(props Properties) error {
	for k, ref := range props {
		if err := checkIdentifiers(k, ref.Name); err != nil {
			return err
		}
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
