package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-plex/internal/model"
)

func TestMatchWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"web-*", "web-01", true},
		{"web-*", "WEB-01", true},
		{"WEB-*", "web-01", true},
		{"web-*", "db-01", false},
		{"web-*", "my-web-01", false},
		{"*.prod", "api.prod", true},
		{"*.prod", "apixprod", false},
		{"a.b", "axb", false},
		{"a+b", "a+b", true},
		{"a+b", "aab", false},
		{"(x)", "(x)", true},
		{"db?", "db1", false},
		{"*", "anything", true},
		{"*", "", true},
		{"web-0*-eu", "web-07-eu", true},
		{"", "web", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchWildcard(tt.pattern, tt.input))
		})
	}
}

func TestPatternFilterMatchesHostnameOrName(t *testing.T) {
	f, err := NewPatternFilter("web-*")
	require.NoError(t, err)

	assert.True(t, f.Match(model.ServerConnection{Name: "frontend", Hostname: "web-01"}))
	assert.True(t, f.Match(model.ServerConnection{Name: "web-02", Hostname: "10.0.0.2"}))
	assert.False(t, f.Match(model.ServerConnection{Name: "db-01", Hostname: "10.0.0.3"}))
}

func TestGroupMatcher(t *testing.T) {
	conns := []model.ServerConnection{
		{ID: "1", Name: "web-01", Hostname: "web-01.eu", OSType: model.OSLinux, Tags: map[string]string{"env": "prod"}},
		{ID: "2", Name: "web-02", Hostname: "web-02.us", OSType: model.OSLinux, Tags: map[string]string{"env": "staging"}},
		{ID: "3", Name: "dc-01", Hostname: "dc-01.eu", OSType: model.OSWindows, Tags: map[string]string{"env": "prod"}},
		{ID: "4", Name: "esx-01", Hostname: "esx-01.eu", OSType: model.OSESXi, ProviderID: "vc"},
	}
	ids := func(cs []model.ServerConnection) []string {
		out := []string{}
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	t.Run("match all", func(t *testing.T) {
		f, err := GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true, MatchAll: true, Rules: []model.GroupRule{
			{Field: model.FieldTag, Key: "env", Operator: model.OpEquals, Value: "PROD"},
			{Field: model.FieldOS, Operator: model.OpEquals, Value: "linux"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, ids(FilterConnections(conns, f)))
	})

	t.Run("match any", func(t *testing.T) {
		f, err := GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true, Rules: []model.GroupRule{
			{Field: model.FieldHostname, Operator: model.OpMatches, Value: "*.us"},
			{Field: model.FieldProvider, Operator: model.OpEquals, Value: "vc"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "4"}, ids(FilterConnections(conns, f)))
	})

	t.Run("contains", func(t *testing.T) {
		f, err := GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true, Rules: []model.GroupRule{
			{Field: model.FieldName, Operator: model.OpContains, Value: "WEB"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2"}, ids(FilterConnections(conns, f)))
	})

	t.Run("no rules matches nothing", func(t *testing.T) {
		f, err := GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true})
		require.NoError(t, err)
		assert.Empty(t, FilterConnections(conns, f))
	})

	t.Run("invalid rule", func(t *testing.T) {
		_, err := GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true, Rules: []model.GroupRule{
			{Field: "color", Operator: model.OpEquals, Value: "red"},
		}})
		assert.Error(t, err)

		_, err = GroupMatcher(model.ConnectionGroup{ID: "g", Dynamic: true, Rules: []model.GroupRule{
			{Field: model.FieldTag, Operator: model.OpEquals, Value: "red"},
		}})
		assert.Error(t, err)
	})
}

func TestParseFilterExpression(t *testing.T) {
	conns := []model.ServerConnection{
		{ID: "1", Hostname: "api.example.com", OSType: model.OSLinux, Tags: map[string]string{"role": "web"}},
		{ID: "2", Hostname: "db.example.com", OSType: model.OSLinux, Tags: map[string]string{"role": "db", "canary": "true"}},
		{ID: "3", Hostname: "dc.example.com", OSType: model.OSWindows, Tags: map[string]string{"role": "web"}},
	}

	filters, err := ParseFilterExpression("tag:role=web os:linux host:*.example.com")
	require.NoError(t, err)
	got := FilterConnections(conns, filters...)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	filters, err = ParseFilterExpression("!tag:canary")
	require.NoError(t, err)
	assert.Len(t, FilterConnections(conns, filters...), 2)

	_, err = ParseFilterExpression("bogus")
	assert.Error(t, err)

	filters, err = ParseFilterExpression("  ")
	require.NoError(t, err)
	assert.Nil(t, filters)
}

func TestGroupConnections(t *testing.T) {
	conns := []model.ServerConnection{
		{ID: "1", Tags: map[string]string{"env": "prod"}},
		{ID: "2", Tags: map[string]string{"ENV": "dev"}},
		{ID: "3"},
	}
	groups := GroupConnections(conns, "env")
	assert.Len(t, groups["prod"], 1)
	assert.Len(t, groups["dev"], 1)
	assert.Len(t, groups["untagged"], 1)
}
