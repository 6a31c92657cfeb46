// Package filter provides connection filtering and dynamic group evaluation for fleet-plex.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"fleet-plex/internal/model"
)

// Filter represents a connection filter condition
type Filter interface {
	// Match returns true if the connection matches the filter condition
	Match(conn model.ServerConnection) bool
	// String returns a human-readable description of the filter
	String() string
}

var folder = cases.Fold()

// Wildcard is a compiled host pattern. '*' matches any run of characters,
// everything else is literal, and matching is anchored and case-insensitive.
type Wildcard struct {
	pattern string
	re      *regexp.Regexp
}

// CompileWildcard compiles a '*' wildcard pattern.
func CompileWildcard(pattern string) (*Wildcard, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("invalid pattern: empty")
	}
	parts := strings.Split(folder.String(pattern), "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &Wildcard{pattern: pattern, re: re}, nil
}

// MatchWildcard is a one-shot convenience; malformed patterns never match.
func MatchWildcard(pattern, s string) bool {
	w, err := CompileWildcard(pattern)
	if err != nil {
		return false
	}
	return w.Match(s)
}

// Match reports whether s matches the pattern.
func (w *Wildcard) Match(s string) bool {
	return w.re.MatchString(folder.String(s))
}

func (w *Wildcard) String() string {
	return w.pattern
}

// TagFilter filters connections by tags. Entries are "key" (tag present)
// or "key=value" (tag present with that value, compared case-insensitively).
type TagFilter struct {
	RequiredTags []string
	ExcludeTags  []string
}

// NewTagFilter creates a new tag-based filter
func NewTagFilter(required, excluded []string) *TagFilter {
	return &TagFilter{
		RequiredTags: required,
		ExcludeTags:  excluded,
	}
}

func hasTag(conn model.ServerConnection, spec string) bool {
	key, value, withValue := strings.Cut(spec, "=")
	for k, v := range conn.Tags {
		if !strings.EqualFold(k, key) {
			continue
		}
		if !withValue || strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Match checks if the connection has required tags and doesn't have excluded tags
func (f *TagFilter) Match(conn model.ServerConnection) bool {
	for _, required := range f.RequiredTags {
		if !hasTag(conn, required) {
			return false
		}
	}
	for _, excluded := range f.ExcludeTags {
		if hasTag(conn, excluded) {
			return false
		}
	}
	return true
}

// String returns a description of the tag filter
func (f *TagFilter) String() string {
	var parts []string
	if len(f.RequiredTags) > 0 {
		parts = append(parts, fmt.Sprintf("tags: %s", strings.Join(f.RequiredTags, ",")))
	}
	if len(f.ExcludeTags) > 0 {
		parts = append(parts, fmt.Sprintf("!tags: %s", strings.Join(f.ExcludeTags, ",")))
	}
	return strings.Join(parts, " AND ")
}

// PatternFilter matches a wildcard against the hostname OR the display name.
type PatternFilter struct {
	wildcard *Wildcard
}

// NewPatternFilter creates a new pattern filter
func NewPatternFilter(pattern string) (*PatternFilter, error) {
	w, err := CompileWildcard(pattern)
	if err != nil {
		return nil, err
	}
	return &PatternFilter{wildcard: w}, nil
}

// Match checks the hostname first, then the name
func (f *PatternFilter) Match(conn model.ServerConnection) bool {
	return f.wildcard.Match(conn.Hostname) || f.wildcard.Match(conn.Name)
}

// String returns a description of the pattern filter
func (f *PatternFilter) String() string {
	return fmt.Sprintf("pattern: %s", f.wildcard)
}

// RuleFilter evaluates a single dynamic group rule.
type RuleFilter struct {
	Rule     model.GroupRule
	wildcard *Wildcard
}

// NewRuleFilter validates and compiles a group rule
func NewRuleFilter(rule model.GroupRule) (*RuleFilter, error) {
	switch rule.Field {
	case model.FieldHostname, model.FieldName, model.FieldOS, model.FieldProvider:
	case model.FieldTag:
		if rule.Key == "" {
			return nil, fmt.Errorf("invalid rule: tag rule needs a key")
		}
	default:
		return nil, fmt.Errorf("invalid rule field %q", rule.Field)
	}

	f := &RuleFilter{Rule: rule}
	switch rule.Operator {
	case model.OpEquals, model.OpContains:
	case model.OpMatches:
		w, err := CompileWildcard(rule.Value)
		if err != nil {
			return nil, err
		}
		f.wildcard = w
	default:
		return nil, fmt.Errorf("invalid rule operator %q", rule.Operator)
	}
	return f, nil
}

func (f *RuleFilter) subject(conn model.ServerConnection) (string, bool) {
	switch f.Rule.Field {
	case model.FieldHostname:
		return conn.Hostname, true
	case model.FieldName:
		return conn.Name, true
	case model.FieldOS:
		return string(conn.OSType), true
	case model.FieldProvider:
		return conn.ProviderID, conn.ProviderID != ""
	case model.FieldTag:
		for k, v := range conn.Tags {
			if strings.EqualFold(k, f.Rule.Key) {
				return v, true
			}
		}
	}
	return "", false
}

// Match applies the rule's operator to the selected attribute
func (f *RuleFilter) Match(conn model.ServerConnection) bool {
	value, ok := f.subject(conn)
	if !ok {
		return false
	}
	switch f.Rule.Operator {
	case model.OpEquals:
		return strings.EqualFold(value, f.Rule.Value)
	case model.OpContains:
		return strings.Contains(folder.String(value), folder.String(f.Rule.Value))
	case model.OpMatches:
		return f.wildcard.Match(value)
	}
	return false
}

// String returns a description of the rule
func (f *RuleFilter) String() string {
	field := string(f.Rule.Field)
	if f.Rule.Field == model.FieldTag {
		field = "tag." + f.Rule.Key
	}
	return fmt.Sprintf("%s %s %s", field, f.Rule.Operator, f.Rule.Value)
}

// CompositeFilter combines multiple filters with AND/OR logic
type CompositeFilter struct {
	Filters []Filter
	Logic   string // "AND" or "OR"
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(logic string, filters ...Filter) *CompositeFilter {
	return &CompositeFilter{
		Filters: filters,
		Logic:   strings.ToUpper(logic),
	}
}

// Match evaluates all filters with the specified logic
func (f *CompositeFilter) Match(conn model.ServerConnection) bool {
	if len(f.Filters) == 0 {
		return true
	}

	switch f.Logic {
	case "AND":
		for _, filter := range f.Filters {
			if !filter.Match(conn) {
				return false
			}
		}
		return true
	case "OR":
		for _, filter := range f.Filters {
			if filter.Match(conn) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// String returns a description of the composite filter
func (f *CompositeFilter) String() string {
	if len(f.Filters) == 0 {
		return "no filters"
	}

	var descriptions []string
	for _, filter := range f.Filters {
		descriptions = append(descriptions, filter.String())
	}

	return fmt.Sprintf("(%s)", strings.Join(descriptions, " "+f.Logic+" "))
}

// GroupMatcher builds the filter for a dynamic group. A dynamic group with
// no rules matches nothing.
func GroupMatcher(group model.ConnectionGroup) (Filter, error) {
	if len(group.Rules) == 0 {
		return NewCompositeFilter("OR"), nil
	}
	filters := make([]Filter, 0, len(group.Rules))
	for _, rule := range group.Rules {
		f, err := NewRuleFilter(rule)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", group.ID, err)
		}
		filters = append(filters, f)
	}
	logic := "OR"
	if group.MatchAll {
		logic = "AND"
	}
	return NewCompositeFilter(logic, filters...), nil
}

// FilterConnections applies filters to a list of connections and returns matching ones
func FilterConnections(conns []model.ServerConnection, filters ...Filter) []model.ServerConnection {
	if len(filters) == 0 {
		return conns
	}

	var filtered []model.ServerConnection
	for _, conn := range conns {
		match := true
		for _, filter := range filters {
			if !filter.Match(conn) {
				match = false
				break
			}
		}
		if match {
			filtered = append(filtered, conn)
		}
	}

	return filtered
}

// GroupConnections buckets connections by the value of a tag
func GroupConnections(conns []model.ServerConnection, tagKey string) map[string][]model.ServerConnection {
	groups := make(map[string][]model.ServerConnection)

	for _, conn := range conns {
		groupKey := "untagged"
		for k, v := range conn.Tags {
			if strings.EqualFold(k, tagKey) {
				groupKey = v
				break
			}
		}
		groups[groupKey] = append(groups[groupKey], conn)
	}

	return groups
}

// ParseFilterExpression parses a filter expression string
// Format: "tag:role=web,prod !tag:canary host:*.example.com os:linux"
func ParseFilterExpression(expression string) ([]Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	var filters []Filter
	for _, part := range strings.Fields(expression) {
		switch {
		case strings.HasPrefix(part, "tag:"):
			tags := strings.Split(strings.TrimPrefix(part, "tag:"), ",")
			filters = append(filters, NewTagFilter(tags, nil))
		case strings.HasPrefix(part, "!tag:"):
			tags := strings.Split(strings.TrimPrefix(part, "!tag:"), ",")
			filters = append(filters, NewTagFilter(nil, tags))
		case strings.HasPrefix(part, "host:"):
			f, err := NewPatternFilter(strings.TrimPrefix(part, "host:"))
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		case strings.HasPrefix(part, "os:"):
			f, err := NewRuleFilter(model.GroupRule{
				Field:    model.FieldOS,
				Operator: model.OpEquals,
				Value:    strings.TrimPrefix(part, "os:"),
			})
			if err != nil {
				return nil, err
			}
			filters = append(filters, f)
		default:
			return nil, fmt.Errorf("invalid filter term %q", part)
		}
	}

	return filters, nil
}
