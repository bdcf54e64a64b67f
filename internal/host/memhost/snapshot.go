package memhost

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/szaher/dcfsync/internal/dcf"
)

// Snapshot is the JSON form of a Store.
type Snapshot struct {
	Local    dcf.ElementKey    `json:"local"`
	Elements []ElementSnapshot `json:"elements"`
	Tables   []TableSnapshot   `json:"tables,omitempty"`
}

// ElementSnapshot is the JSON form of one element.
type ElementSnapshot struct {
	Key                  dcf.ElementKey          `json:"key"`
	State                string                  `json:"state"`
	StartupIncomplete    bool                    `json:"startup_incomplete,omitempty"`
	UnsafeData           bool                    `json:"unsafe_data,omitempty"`
	Interfaces           []dcf.Interface         `json:"interfaces,omitempty"`
	Connections          []dcf.Connection        `json:"connections,omitempty"`
	ConnectionProperties []ConnPropertySnapshot  `json:"connection_properties,omitempty"`
	InterfaceProperties  []dcf.InterfaceProperty `json:"interface_properties,omitempty"`
}

// ConnPropertySnapshot pairs a connection property with its connection.
type ConnPropertySnapshot struct {
	Connection int `json:"connection"`
	dcf.ConnectionProperty
}

// TableSnapshot is one column of a local table.
type TableSnapshot struct {
	Table  int      `json:"table"`
	Column int      `json:"column"`
	Values []string `json:"values"`
}

// Snapshot captures the store content in a stable order.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Local: s.local}
	keys := make([]dcf.ElementKey, 0, len(s.elements))
	for k := range s.elements {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b dcf.ElementKey) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	for _, k := range keys {
		el := s.elements[k]
		es := ElementSnapshot{
			Key:                 k,
			State:               el.State,
			StartupIncomplete:   !el.StartupComplete,
			UnsafeData:          el.UnsafeData,
			Interfaces:          sortedValues(el.interfaces, func(i dcf.Interface) int { return i.ID }),
			Connections:         sortedValues(el.connections, func(c dcf.Connection) int { return c.ID }),
			InterfaceProperties: sortedValues(el.ifaceProps, func(p dcf.InterfaceProperty) int { return p.ID }),
		}
		for _, p := range sortedValues(el.connProps, func(p connProperty) int { return p.ID }) {
			es.ConnectionProperties = append(es.ConnectionProperties, ConnPropertySnapshot{Connection: p.Conn, ConnectionProperty: p.ConnectionProperty})
		}
		snap.Elements = append(snap.Elements, es)
	}
	for key, values := range s.tables {
		snap.Tables = append(snap.Tables, TableSnapshot{Table: key[0], Column: key[1], Values: slices.Clone(values)})
	}
	slices.SortFunc(snap.Tables, func(a, b TableSnapshot) int {
		if a.Table != b.Table {
			return a.Table - b.Table
		}
		return a.Column - b.Column
	})
	return snap
}

// FromSnapshot builds a store from snap.
func FromSnapshot(snap Snapshot) *Store {
	s := &Store{
		local:    snap.Local,
		elements: make(map[dcf.ElementKey]*Element),
		tables:   make(map[[2]int][]string),
	}
	for _, es := range snap.Elements {
		el := s.ensure(es.Key)
		el.State = es.State
		el.StartupComplete = !es.StartupIncomplete
		el.UnsafeData = es.UnsafeData
		for _, i := range es.Interfaces {
			i.Element = es.Key
			el.interfaces[i.ID] = i
		}
		for _, c := range es.Connections {
			c.Source = es.Key
			el.connections[c.ID] = c
			el.reserve(c.ID)
		}
		for _, p := range es.ConnectionProperties {
			el.connProps[p.ID] = connProperty{Conn: p.Connection, ConnectionProperty: p.ConnectionProperty}
			el.reserve(p.ID)
		}
		for _, p := range es.InterfaceProperties {
			p.Element = es.Key
			el.ifaceProps[p.ID] = p
			el.reserve(p.ID)
		}
	}
	if _, ok := s.elements[s.local]; !ok {
		s.ensure(s.local)
	}
	for _, t := range snap.Tables {
		s.tables[[2]int{t.Table, t.Column}] = slices.Clone(t.Values)
	}
	return s
}

// Load reads a snapshot file.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode host snapshot %s: %w", path, err)
	}
	return FromSnapshot(snap), nil
}

// Save writes the store to path.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0644)
}
