package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/dcfsync/internal/dcf"
)

func TestMatch(t *testing.T) {
	prop := dcf.InterfaceProperty{ID: 7, Interface: 2, Name: "role", Type: "string", Value: "main"}

	tests := []struct {
		name   string
		filter PropertyFilter
		want   bool
	}{
		{"id", ByID(7), true},
		{"other id", ByID(8), false},
		{"id wins over fields", PropertyFilter{ID: 7, Name: "other"}, true},
		{"name and value", ByNameValue("role", "main"), true},
		{"value mismatch", ByNameValue("role", "backup"), false},
		{"value only", PropertyFilter{Value: "main"}, true},
		{"type only", PropertyFilter{Type: "int"}, false},
		{"all fields", PropertyFilter{Name: "role", Type: "string", Value: "main"}, true},
		{"zero", PropertyFilter{}, true},
		{"expr", PropertyFilter{Expr: `value startsWith "ma"`}, true},
		{"fields and expr", PropertyFilter{Name: "role", Expr: `id > 10`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.filter.Compile()
			require.NoError(t, err)
			got, err := m.Match(prop)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompileRejectsBadExpr(t *testing.T) {
	_, err := PropertyFilter{Name: "role", Expr: "value +"}.Compile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name=role")
}

func TestAny(t *testing.T) {
	m, err := ByNameValue("role", "backup").Compile()
	require.NoError(t, err)

	ok, err := m.Any([]dcf.InterfaceProperty{{Name: "role", Value: "main"}, {Name: "role", Value: "backup"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Any(nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	assert.Equal(t, "id=3", ByID(3).String())
	assert.Equal(t, "name=a,value=b", ByNameValue("a", "b").String())
	assert.Equal(t, "*", PropertyFilter{}.String())
	assert.True(t, PropertyFilter{}.IsZero())
}
