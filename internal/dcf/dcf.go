// Package dcf defines the connectivity values exchanged with the host
// graph store: element keys, interfaces, connections and their properties.
package dcf

import (
	"fmt"
	"strconv"
	"strings"
)

// LocalAlias is accepted wherever an element key is parsed and resolves to
// the element the engine runs for.
const LocalAlias = "local"

// ElementKey identifies an element (the owner of interfaces, connections
// and properties) as "<dma>/<element>".
type ElementKey struct {
	DMA     int `json:"dma" yaml:"dma"`
	Element int `json:"element" yaml:"element"`
}

// Key builds an ElementKey.
func Key(dma, element int) ElementKey {
	return ElementKey{DMA: dma, Element: element}
}

// String renders the key in buffer form.
func (k ElementKey) String() string {
	return strconv.Itoa(k.DMA) + "/" + strconv.Itoa(k.Element)
}

// IsZero reports whether the key was never set.
func (k ElementKey) IsZero() bool {
	return k.DMA == 0 && k.Element == 0
}

// Less orders keys by DMA, then element.
func (k ElementKey) Less(o ElementKey) bool {
	if k.DMA != o.DMA {
		return k.DMA < o.DMA
	}
	return k.Element < o.Element
}

// ParseElementKey parses "<dma>/<element>". Extra segments are rejected.
func ParseElementKey(s string) (ElementKey, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return ElementKey{}, fmt.Errorf("element key %q: want <dma>/<element>", s)
	}
	dma, err := strconv.Atoi(parts[0])
	if err != nil {
		return ElementKey{}, fmt.Errorf("element key %q: dma: %w", s, err)
	}
	el, err := strconv.Atoi(parts[1])
	if err != nil {
		return ElementKey{}, fmt.Errorf("element key %q: element: %w", s, err)
	}
	return ElementKey{DMA: dma, Element: el}, nil
}

// ResolveElementKey parses s, mapping LocalAlias and "" to local.
func ResolveElementKey(s string, local ElementKey) (ElementKey, error) {
	if s == "" || s == LocalAlias {
		return local, nil
	}
	return ParseElementKey(s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ElementKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ElementKey) UnmarshalText(b []byte) error {
	parsed, err := ParseElementKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Interface is a connectivity endpoint exported by an element.
type Interface struct {
	ID         int        `json:"id"`
	Element    ElementKey `json:"element"`
	Name       string     `json:"name"`
	CustomName string     `json:"custom_name,omitempty"`
	// DynamicLink is the parameter group the interface was generated from.
	DynamicLink int `json:"dynamic_link,omitempty"`
	// DynamicPK is the table row key for table-backed parameter groups.
	DynamicPK string `json:"dynamic_pk,omitempty"`
}

// Ref returns "<dma>/<element>/<interface>".
func (i Interface) Ref() string {
	return i.Element.String() + "/" + strconv.Itoa(i.ID)
}

// Connection is a directed edge between two interfaces. It lives on the
// source element.
type Connection struct {
	ID                   int        `json:"id"`
	Name                 string     `json:"name"`
	Source               ElementKey `json:"source"`
	SourceInterface      int        `json:"source_interface"`
	Destination          ElementKey `json:"destination"`
	DestinationInterface int        `json:"destination_interface"`
	Filter               string     `json:"filter,omitempty"`
}

// Internal reports whether both ends live on the same element.
func (c Connection) Internal() bool {
	return c.Source == c.Destination
}

// SourceRef returns "<dma>/<element>/<interface>" for the source end.
func (c Connection) SourceRef() string {
	return c.Source.String() + "/" + strconv.Itoa(c.SourceInterface)
}

// DestinationRef returns "<dma>/<element>/<interface>" for the destination end.
func (c Connection) DestinationRef() string {
	return c.Destination.String() + "/" + strconv.Itoa(c.DestinationInterface)
}

// ConnectionProperty is a named attribute attached to a connection.
type ConnectionProperty struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// PropertyID returns the property ID.
func (p ConnectionProperty) PropertyID() int { return p.ID }

// PropertyName returns the property's identity within its connection.
func (p ConnectionProperty) PropertyName() string { return p.Name }

// SameContent reports whether name, type and value match.
func (p ConnectionProperty) SameContent(o ConnectionProperty) bool {
	return p.Name == o.Name && p.Type == o.Type && p.Value == o.Value
}

// InterfaceProperty is a named attribute attached to an interface.
type InterfaceProperty struct {
	ID        int        `json:"id"`
	Element   ElementKey `json:"element"`
	Interface int        `json:"interface"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Value     string     `json:"value"`
}

func (p InterfaceProperty) PropertyID() int { return p.ID }

func (p InterfaceProperty) PropertyName() string { return p.Name }

// SameContent reports whether name, type and value match.
func (p InterfaceProperty) SameContent(o InterfaceProperty) bool {
	return p.Name == o.Name && p.Type == o.Type && p.Value == o.Value
}

// InterfaceRef returns the "<dma>/<element>/<interface>" the property is attached to.
func (p InterfaceProperty) InterfaceRef() string {
	return p.Element.String() + "/" + strconv.Itoa(p.Interface)
}

// Property is implemented by both property kinds.
type Property interface {
	ConnectionProperty | InterfaceProperty
	PropertyID() int
	PropertyName() string
}
