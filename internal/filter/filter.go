// Package filter selects interfaces by the properties attached to them.
package filter

import (
	"fmt"
	"strings"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/expr"
)

// PropertyFilter matches one interface property. A non-zero ID matches
// that property only. Otherwise every non-empty field among Name, Type and
// Value must be equal. Expr, when set, must also hold.
type PropertyFilter struct {
	ID    int    `yaml:"id,omitempty" json:"id,omitempty"`
	Name  string `yaml:"name,omitempty" json:"name,omitempty"`
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
	Expr  string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// ByID matches the property with the given ID.
func ByID(id int) PropertyFilter { return PropertyFilter{ID: id} }

// ByNameValue matches on name and value.
func ByNameValue(name, value string) PropertyFilter {
	return PropertyFilter{Name: name, Value: value}
}

// IsZero reports whether the filter has no criteria.
func (f PropertyFilter) IsZero() bool {
	return f == PropertyFilter{}
}

func (f PropertyFilter) String() string {
	if f.ID != 0 {
		return fmt.Sprintf("id=%d", f.ID)
	}
	var parts []string
	if f.Name != "" {
		parts = append(parts, "name="+f.Name)
	}
	if f.Type != "" {
		parts = append(parts, "type="+f.Type)
	}
	if f.Value != "" {
		parts = append(parts, "value="+f.Value)
	}
	if f.Expr != "" {
		parts = append(parts, "expr="+f.Expr)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}

// Matcher is a compiled PropertyFilter.
type Matcher struct {
	filter  PropertyFilter
	program *expr.Program
}

// Compile prepares f for matching. It fails only on an invalid Expr.
func (f PropertyFilter) Compile() (*Matcher, error) {
	m := &Matcher{filter: f}
	if f.Expr != "" {
		p, err := expr.Compile(f.Expr)
		if err != nil {
			return nil, fmt.Errorf("property filter %s: %w", f, err)
		}
		m.program = p
	}
	return m, nil
}

// Match reports whether p satisfies the filter.
func (m *Matcher) Match(p dcf.InterfaceProperty) (bool, error) {
	f := m.filter
	if f.ID != 0 {
		if p.ID != f.ID {
			return false, nil
		}
	} else {
		if f.Name != "" && p.Name != f.Name {
			return false, nil
		}
		if f.Type != "" && p.Type != f.Type {
			return false, nil
		}
		if f.Value != "" && p.Value != f.Value {
			return false, nil
		}
	}
	if m.program == nil {
		return true, nil
	}
	return expr.EvalBool(m.program, expr.Env{
		ID:        p.ID,
		Interface: p.Interface,
		Name:      p.Name,
		Type:      p.Type,
		Value:     p.Value,
	})
}

// Any reports whether at least one of props satisfies the filter.
func (m *Matcher) Any(props []dcf.InterfaceProperty) (bool, error) {
	for _, p := range props {
		ok, err := m.Match(p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
