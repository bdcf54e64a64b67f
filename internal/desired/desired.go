// Package desired reads the desired-state document a cycle applies, and
// drives an engine through it.
//
// A document names interfaces through links (an owner plus exactly one
// selector), so it stays valid as the host renumbers interfaces.
package desired

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/filter"
	"github.com/szaher/dcfsync/internal/reconcile"
)

// Document is the desired state of one cycle.
type Document struct {
	Connections         []Connection        `yaml:"connections"`
	InterfaceProperties []InterfaceProperty `yaml:"interface_properties"`
	Removals            Removals            `yaml:"removals"`
}

// Link selects interfaces of one element. Owner defaults to the local
// element; exactly one of All, Name, CustomName, Table and Group is set.
// Group with Key selects one table row.
type Link struct {
	Owner      string                 `yaml:"owner,omitempty"`
	All        bool                   `yaml:"all,omitempty"`
	Name       string                 `yaml:"name,omitempty"`
	CustomName string                 `yaml:"custom_name,omitempty"`
	Group      int                    `yaml:"group,omitempty"`
	Key        string                 `yaml:"key,omitempty"`
	Table      int                    `yaml:"table,omitempty"`
	Where      *filter.PropertyFilter `yaml:"where,omitempty"`
}

// Property is a named value to save.
type Property struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type,omitempty"`
	Value string `yaml:"value"`
}

// Connection is a wanted connection with its properties.
type Connection struct {
	Source      Link       `yaml:"source"`
	Destination Link       `yaml:"destination"`
	Name        string     `yaml:"name,omitempty"`
	Uniqueness  string     `yaml:"uniqueness,omitempty"`
	Filter      string     `yaml:"filter,omitempty"`
	Fixed       bool       `yaml:"fixed,omitempty"`
	NoReturn    bool       `yaml:"no_return,omitempty"`
	Properties  []Property `yaml:"properties,omitempty"`
	// Full removes managed properties of the connection that are not
	// listed.
	Full bool `yaml:"full,omitempty"`

	// Mirror copies the properties onto the return connection.
	Mirror bool `yaml:"mirror,omitempty"`
}

// InterfaceProperty sets properties on every interface a link selects.
type InterfaceProperty struct {
	Interface  Link       `yaml:"interface"`
	Properties []Property `yaml:"properties"`
	Full       bool       `yaml:"full,omitempty"`
	Fixed      bool       `yaml:"fixed,omitempty"`
}

// Removal deletes objects of one owner by ID.
type Removal struct {
	Owner string `yaml:"owner,omitempty"`
	IDs   []int  `yaml:"ids"`
	Force bool   `yaml:"force,omitempty"`
	// Both also removes return connections. Connections only.
	Both bool `yaml:"both,omitempty"`
}

// Removals groups explicit removals by category.
type Removals struct {
	Connections          []Removal `yaml:"connections"`
	InterfaceProperties  []Removal `yaml:"interface_properties"`
	ConnectionProperties []Removal `yaml:"connection_properties"`
}

// Load reads and validates the document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading desired state: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a document.
func Parse(data []byte) (*Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing desired state: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate reports every malformed entry.
func (d *Document) Validate() error {
	var errs []error
	for i, c := range d.Connections {
		if err := c.Source.validate(); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d].source: %w", i, err))
		}
		if err := c.Destination.validate(); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d].destination: %w", i, err))
		}
		if _, err := reconcile.ParseUniqueness(c.Uniqueness); err != nil {
			errs = append(errs, fmt.Errorf("connections[%d]: %w", i, err))
		}
		errs = append(errs, validateProperties(fmt.Sprintf("connections[%d]", i), c.Properties)...)
	}
	for i, p := range d.InterfaceProperties {
		if err := p.Interface.validate(); err != nil {
			errs = append(errs, fmt.Errorf("interface_properties[%d].interface: %w", i, err))
		}
		errs = append(errs, validateProperties(fmt.Sprintf("interface_properties[%d]", i), p.Properties)...)
	}
	for name, rs := range map[string][]Removal{
		"connections":           d.Removals.Connections,
		"interface_properties":  d.Removals.InterfaceProperties,
		"connection_properties": d.Removals.ConnectionProperties,
	} {
		for i, r := range rs {
			if err := validateOwner(r.Owner); err != nil {
				errs = append(errs, fmt.Errorf("removals.%s[%d]: %w", name, i, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validateProperties(where string, props []Property) []error {
	var errs []error
	for j, p := range props {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.properties[%d]: name is required", where, j))
		}
	}
	return errs
}

func validateOwner(owner string) error {
	_, err := dcf.ResolveElementKey(owner, dcf.ElementKey{})
	return err
}

func (l Link) validate() error {
	if err := validateOwner(l.Owner); err != nil {
		return err
	}
	n := 0
	for _, set := range []bool{l.All, l.Name != "", l.CustomName != "", l.Table != 0, l.Group != 0} {
		if set {
			n++
		}
	}
	switch {
	case n == 0:
		return errors.New("link needs one of all, name, custom_name, table or group")
	case n > 1:
		return errors.New("link has more than one selector")
	case l.Key != "" && l.Group == 0:
		return errors.New("link key needs a group")
	}
	if l.Where != nil {
		if _, err := l.Where.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// Resolve converts l for Engine.GetInterfaces. The document was validated,
// so only the owner can still fail to parse.
func (l Link) Resolve(local dcf.ElementKey) (reconcile.Link, error) {
	owner, err := dcf.ResolveElementKey(l.Owner, local)
	if err != nil {
		return reconcile.Link{}, err
	}
	var out reconcile.Link
	switch {
	case l.All:
		out = reconcile.All(owner)
	case l.Name != "":
		out = reconcile.ByName(l.Name)
	case l.CustomName != "":
		out = reconcile.ByCustomName(l.CustomName)
	case l.Table != 0:
		out = reconcile.ByTable(l.Table)
	case l.Key == "*":
		out = reconcile.ByTable(l.Group)
	case l.Key != "":
		out = reconcile.ByTableKey(l.Group, l.Key)
	default:
		out = reconcile.ByGroup(l.Group)
	}
	out = out.On(owner)
	if l.Where != nil {
		out = out.Where(*l.Where)
	}
	return out, nil
}
