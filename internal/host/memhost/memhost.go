// Package memhost is an in-memory host. It backs the tests and the
// offline simulation mode of the CLI, where its content is loaded from and
// saved to a JSON snapshot.
package memhost

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/host"
)

func init() {
	host.Register("memory", func(_ context.Context, cfg host.Config) (host.Host, error) {
		if cfg.Snapshot != "" {
			s, err := Load(cfg.Snapshot)
			if err != nil {
				return nil, err
			}
			if !cfg.Local.IsZero() {
				s.local = cfg.Local
			}
			return s, nil
		}
		return New(cfg.Local), nil
	})
}

// Op names a host call for fault injection and call recording.
type Op string

const (
	OpAddConnection        Op = "add_connection"
	OpUpdateConnection     Op = "update_connection"
	OpDeleteConnection     Op = "delete_connection"
	OpAddConnProperty      Op = "add_connection_property"
	OpUpdateConnProperty   Op = "update_connection_property"
	OpDeleteConnProperty   Op = "delete_connection_property"
	OpAddIfaceProperty     Op = "add_interface_property"
	OpUpdateIfaceProperty  Op = "update_interface_property"
	OpDeleteIfaceProperty  Op = "delete_interface_property"
	OpConnections          Op = "connections"
	OpInterfaces           Op = "interfaces"
	OpElementState         Op = "element_state"
	OpConnectionProperties Op = "connection_properties"
	OpInterfaceProperties  Op = "interface_properties"
)

// Call is one recorded host call. ID is the targeted object, or 0.
type Call struct {
	Op    Op
	Owner dcf.ElementKey
	ID    int
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s/%d", c.Op, c.Owner, c.ID)
}

// FaultFunc is consulted before every call. A non-nil error fails the call
// without side effects.
type FaultFunc func(Call) error

// Element is one element of the store.
type Element struct {
	Key             dcf.ElementKey
	State           string
	StartupComplete bool
	UnsafeData      bool

	interfaces  map[int]dcf.Interface
	connections map[int]dcf.Connection
	connProps   map[int]connProperty
	ifaceProps  map[int]dcf.InterfaceProperty
	nextID      int
}

type connProperty struct {
	Conn int
	dcf.ConnectionProperty
}

// Store is a thread-safe in-memory host.
type Store struct {
	mu       sync.Mutex
	local    dcf.ElementKey
	elements map[dcf.ElementKey]*Element
	tables   map[[2]int][]string
	fault    FaultFunc
	calls    []Call
	// AddDelay makes blocking adds wait before completing.
	AddDelay time.Duration
}

// New returns an empty store whose local element is active.
func New(local dcf.ElementKey) *Store {
	s := &Store{
		local:    local,
		elements: make(map[dcf.ElementKey]*Element),
		tables:   make(map[[2]int][]string),
	}
	s.AddElement(local)
	return s
}

// Local returns the engine's element.
func (s *Store) Local() dcf.ElementKey { return s.local }

// AddElement creates an active, started element. Existing elements are
// returned unchanged.
func (s *Store) AddElement(key dcf.ElementKey) *Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(key)
}

func (s *Store) ensure(key dcf.ElementKey) *Element {
	if el, ok := s.elements[key]; ok {
		return el
	}
	el := &Element{
		Key:             key,
		State:           host.StateActive,
		StartupComplete: true,
		interfaces:      make(map[int]dcf.Interface),
		connections:     make(map[int]dcf.Connection),
		connProps:       make(map[int]connProperty),
		ifaceProps:      make(map[int]dcf.InterfaceProperty),
		nextID:          1,
	}
	s.elements[key] = el
	return el
}

// SetState changes an element's lifecycle state. StateDeleted removes it.
func (s *Store) SetState(key dcf.ElementKey, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == host.StateDeleted {
		delete(s.elements, key)
		return
	}
	s.ensure(key).State = state
}

// SetReadiness sets the startup and unsafe-data signals of an element.
func (s *Store) SetReadiness(key dcf.ElementKey, startupComplete, unsafeData bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.ensure(key)
	el.StartupComplete = startupComplete
	el.UnsafeData = unsafeData
}

// AddInterface registers an interface, replacing one with the same ID.
func (s *Store) AddInterface(iface dcf.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(iface.Element).interfaces[iface.ID] = iface
}

// SetColumn sets a column of a local table.
func (s *Store) SetColumn(table, column int, values ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[[2]int{table, column}] = slices.Clone(values)
}

// InjectFault installs f. Pass nil to clear.
func (s *Store) InjectFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// FailOn returns a FaultFunc failing every call to op on owner whose ID is
// in ids, or every such call when ids is empty.
func FailOn(op Op, owner dcf.ElementKey, ids ...int) FaultFunc {
	return func(c Call) error {
		if c.Op != op || c.Owner != owner {
			return nil
		}
		if len(ids) == 0 || slices.Contains(ids, c.ID) {
			return fmt.Errorf("injected failure: %s", c)
		}
		return nil
	}
}

// Calls returns the recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallsOf returns the recorded calls of one kind.
func (s *Store) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call record.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// record logs the call and applies the fault hook. Callers hold mu.
func (s *Store) record(op Op, owner dcf.ElementKey, id int) error {
	c := Call{Op: op, Owner: owner, ID: id}
	s.calls = append(s.calls, c)
	if s.fault != nil {
		return s.fault(c)
	}
	return nil
}

func (s *Store) element(key dcf.ElementKey) (*Element, error) {
	el, ok := s.elements[key]
	if !ok {
		return nil, fmt.Errorf("element %s: %w", key, host.ErrNotFound)
	}
	return el, nil
}

// waitAdd simulates the build time of a blocking add.
func (s *Store) waitAdd(ctx context.Context, async bool) error {
	if async || s.AddDelay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("add timed out: %w", ctx.Err())
	case <-time.After(s.AddDelay):
		return nil
	}
}

// Interfaces returns the element's interfaces ordered by ID.
func (s *Store) Interfaces(_ context.Context, owner dcf.ElementKey) ([]dcf.Interface, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpInterfaces, owner, 0); err != nil {
		return nil, err
	}
	el, err := s.element(owner)
	if err != nil {
		return nil, err
	}
	return sortedValues(el.interfaces, func(i dcf.Interface) int { return i.ID }), nil
}

func (s *Store) InterfaceProperties(_ context.Context, owner dcf.ElementKey, iface int) ([]dcf.InterfaceProperty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpInterfaceProperties, owner, iface); err != nil {
		return nil, err
	}
	el, err := s.element(owner)
	if err != nil {
		return nil, err
	}
	var out []dcf.InterfaceProperty
	for _, p := range sortedValues(el.ifaceProps, func(p dcf.InterfaceProperty) int { return p.ID }) {
		if p.Interface == iface {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) AddInterfaceProperty(ctx context.Context, p dcf.InterfaceProperty, async bool) (int, error) {
	if err := s.waitAdd(ctx, async); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpAddIfaceProperty, p.Element, p.Interface); err != nil {
		return 0, err
	}
	el, err := s.element(p.Element)
	if err != nil {
		return 0, err
	}
	if _, ok := el.interfaces[p.Interface]; !ok {
		return 0, fmt.Errorf("interface %s: %w", p.InterfaceRef(), host.ErrNotFound)
	}
	p.ID = el.allocate()
	el.ifaceProps[p.ID] = p
	return p.ID, nil
}

func (s *Store) UpdateInterfaceProperty(_ context.Context, p dcf.InterfaceProperty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpUpdateIfaceProperty, p.Element, p.ID); err != nil {
		return err
	}
	el, err := s.element(p.Element)
	if err != nil {
		return err
	}
	if _, ok := el.ifaceProps[p.ID]; !ok {
		return fmt.Errorf("interface property %d: %w", p.ID, host.ErrNotFound)
	}
	el.ifaceProps[p.ID] = p
	return nil
}

func (s *Store) DeleteInterfaceProperty(_ context.Context, owner dcf.ElementKey, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpDeleteIfaceProperty, owner, id); err != nil {
		return err
	}
	el, err := s.element(owner)
	if err != nil {
		return err
	}
	if _, ok := el.ifaceProps[id]; !ok {
		return fmt.Errorf("interface property %d: %w", id, host.ErrNotFound)
	}
	delete(el.ifaceProps, id)
	return nil
}

// Connections returns the connections whose source is owner.
func (s *Store) Connections(_ context.Context, owner dcf.ElementKey) ([]dcf.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpConnections, owner, 0); err != nil {
		return nil, err
	}
	el, err := s.element(owner)
	if err != nil {
		return nil, err
	}
	return sortedValues(el.connections, func(c dcf.Connection) int { return c.ID }), nil
}

func (s *Store) AddConnection(ctx context.Context, c dcf.Connection, withReturn bool) (dcf.Connection, *dcf.Connection, error) {
	if err := s.waitAdd(ctx, false); err != nil {
		return dcf.Connection{}, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpAddConnection, c.Source, c.SourceInterface); err != nil {
		return dcf.Connection{}, nil, err
	}
	src, err := s.element(c.Source)
	if err != nil {
		return dcf.Connection{}, nil, err
	}
	dst, err := s.element(c.Destination)
	if err != nil {
		return dcf.Connection{}, nil, err
	}
	c.ID = src.allocate()
	src.connections[c.ID] = c

	if c.Internal() || !withReturn {
		return c, nil, nil
	}
	ret := returnOf(c)
	ret.ID = dst.allocate()
	dst.connections[ret.ID] = ret
	return c, &ret, nil
}

func (s *Store) UpdateConnection(_ context.Context, c dcf.Connection, withReturn bool) (*dcf.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpUpdateConnection, c.Source, c.ID); err != nil {
		return nil, err
	}
	src, err := s.element(c.Source)
	if err != nil {
		return nil, err
	}
	old, ok := src.connections[c.ID]
	if !ok {
		return nil, fmt.Errorf("connection %d: %w", c.ID, host.ErrNotFound)
	}
	src.connections[c.ID] = c

	if c.Internal() || !withReturn {
		return nil, nil
	}
	dst, err := s.element(c.Destination)
	if err != nil {
		return nil, err
	}
	ret := returnOf(c)
	if prev, ok := findReturn(s.elements[old.Destination], old); ok {
		if old.Destination == c.Destination {
			ret.ID = prev.ID
		} else {
			delete(s.elements[old.Destination].connections, prev.ID)
		}
	}
	if ret.ID == 0 {
		ret.ID = dst.allocate()
	}
	dst.connections[ret.ID] = ret
	return &ret, nil
}

func (s *Store) DeleteConnection(_ context.Context, owner dcf.ElementKey, id int, both bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpDeleteConnection, owner, id); err != nil {
		return err
	}
	el, err := s.element(owner)
	if err != nil {
		return err
	}
	c, ok := el.connections[id]
	if !ok {
		return fmt.Errorf("connection %d: %w", id, host.ErrNotFound)
	}
	el.dropConnection(id)
	if both && !c.Internal() {
		if dst, ok := s.elements[c.Destination]; ok {
			if ret, ok := findReturn(dst, c); ok {
				dst.dropConnection(ret.ID)
			}
		}
	}
	return nil
}

func (s *Store) ConnectionProperties(_ context.Context, owner dcf.ElementKey, conn int) ([]dcf.ConnectionProperty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpConnectionProperties, owner, conn); err != nil {
		return nil, err
	}
	el, err := s.element(owner)
	if err != nil {
		return nil, err
	}
	if _, ok := el.connections[conn]; !ok {
		return nil, fmt.Errorf("connection %d: %w", conn, host.ErrNotFound)
	}
	var out []dcf.ConnectionProperty
	for _, p := range sortedValues(el.connProps, func(p connProperty) int { return p.ID }) {
		if p.Conn == conn {
			out = append(out, p.ConnectionProperty)
		}
	}
	return out, nil
}

func (s *Store) AddConnectionProperty(ctx context.Context, owner dcf.ElementKey, conn int, p dcf.ConnectionProperty, async bool) (int, error) {
	if err := s.waitAdd(ctx, async); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpAddConnProperty, owner, conn); err != nil {
		return 0, err
	}
	el, err := s.element(owner)
	if err != nil {
		return 0, err
	}
	if _, ok := el.connections[conn]; !ok {
		return 0, fmt.Errorf("connection %d: %w", conn, host.ErrNotFound)
	}
	p.ID = el.allocate()
	el.connProps[p.ID] = connProperty{Conn: conn, ConnectionProperty: p}
	return p.ID, nil
}

func (s *Store) UpdateConnectionProperty(_ context.Context, owner dcf.ElementKey, conn int, p dcf.ConnectionProperty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpUpdateConnProperty, owner, p.ID); err != nil {
		return err
	}
	el, err := s.element(owner)
	if err != nil {
		return err
	}
	old, ok := el.connProps[p.ID]
	if !ok || old.Conn != conn {
		return fmt.Errorf("connection property %d: %w", p.ID, host.ErrNotFound)
	}
	el.connProps[p.ID] = connProperty{Conn: conn, ConnectionProperty: p}
	return nil
}

func (s *Store) DeleteConnectionProperty(_ context.Context, owner dcf.ElementKey, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpDeleteConnProperty, owner, id); err != nil {
		return err
	}
	el, err := s.element(owner)
	if err != nil {
		return err
	}
	if _, ok := el.connProps[id]; !ok {
		return fmt.Errorf("connection property %d: %w", id, host.ErrNotFound)
	}
	delete(el.connProps, id)
	return nil
}

// ElementState returns the state, or "" for an element that does not exist.
func (s *Store) ElementState(_ context.Context, owner dcf.ElementKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpElementState, owner, 0); err != nil {
		return "", err
	}
	el, ok := s.elements[owner]
	if !ok {
		return host.StateDeleted, nil
	}
	return el.State, nil
}

func (s *Store) StartupComplete(_ context.Context, owner dcf.ElementKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.element(owner)
	if err != nil {
		return false, err
	}
	return el.StartupComplete, nil
}

func (s *Store) UnsafeData(_ context.Context, owner dcf.ElementKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, err := s.element(owner)
	if err != nil {
		return false, err
	}
	return el.UnsafeData, nil
}

// Column returns a copy of a local table column. Unknown columns are empty.
func (s *Store) Column(_ context.Context, table, column int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tables[[2]int{table, column}]), nil
}

// HasConnection reports whether owner holds connection id.
func (s *Store) HasConnection(owner dcf.ElementKey, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[owner]
	if !ok {
		return false
	}
	_, ok = el.connections[id]
	return ok
}

// HasConnectionProperty reports whether owner holds connection property id.
func (s *Store) HasConnectionProperty(owner dcf.ElementKey, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[owner]
	if !ok {
		return false
	}
	_, ok = el.connProps[id]
	return ok
}

// HasInterfaceProperty reports whether owner holds interface property id.
func (s *Store) HasInterfaceProperty(owner dcf.ElementKey, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[owner]
	if !ok {
		return false
	}
	_, ok = el.ifaceProps[id]
	return ok
}

// SeedConnection stores c as-is, allocating an ID when c.ID is 0. It
// bypasses fault injection and call recording.
func (s *Store) SeedConnection(c dcf.Connection) dcf.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.ensure(c.Source)
	if c.ID == 0 {
		c.ID = el.allocate()
	} else {
		el.reserve(c.ID)
	}
	el.connections[c.ID] = c
	return c
}

// SeedConnectionProperty stores p on connection conn of owner.
func (s *Store) SeedConnectionProperty(owner dcf.ElementKey, conn int, p dcf.ConnectionProperty) dcf.ConnectionProperty {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.ensure(owner)
	if p.ID == 0 {
		p.ID = el.allocate()
	} else {
		el.reserve(p.ID)
	}
	el.connProps[p.ID] = connProperty{Conn: conn, ConnectionProperty: p}
	return p
}

// SeedInterfaceProperty stores p on its interface.
func (s *Store) SeedInterfaceProperty(p dcf.InterfaceProperty) dcf.InterfaceProperty {
	s.mu.Lock()
	defer s.mu.Unlock()
	el := s.ensure(p.Element)
	if p.ID == 0 {
		p.ID = el.allocate()
	} else {
		el.reserve(p.ID)
	}
	el.ifaceProps[p.ID] = p
	return p
}

// allocate returns the next free object ID of the element. IDs are shared
// across object kinds so a test can tell any two objects apart.
func (el *Element) allocate() int {
	id := el.nextID
	el.nextID++
	return id
}

func (el *Element) reserve(id int) {
	if id >= el.nextID {
		el.nextID = id + 1
	}
}

func (el *Element) dropConnection(id int) {
	delete(el.connections, id)
	maps.DeleteFunc(el.connProps, func(_ int, p connProperty) bool { return p.Conn == id })
}

func returnOf(c dcf.Connection) dcf.Connection {
	return dcf.Connection{
		Name:                 c.Name + ReturnSuffix,
		Source:               c.Destination,
		SourceInterface:      c.DestinationInterface,
		Destination:          c.Source,
		DestinationInterface: c.SourceInterface,
		Filter:               c.Filter,
	}
}

// ReturnSuffix is appended to a connection name to name its return
// connection.
const ReturnSuffix = " -RETURN"

// findReturn locates the return connection of c on dst.
func findReturn(dst *Element, c dcf.Connection) (dcf.Connection, bool) {
	if dst == nil {
		return dcf.Connection{}, false
	}
	for _, r := range sortedValues(dst.connections, func(r dcf.Connection) int { return r.ID }) {
		if r.Destination == c.Source && r.DestinationInterface == c.SourceInterface &&
			r.SourceInterface == c.DestinationInterface && strings.HasSuffix(r.Name, ReturnSuffix) {
			return r, true
		}
	}
	return dcf.Connection{}, false
}

func sortedValues[V any](m map[int]V, id func(V) int) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b V) int { return id(a) - id(b) })
	return out
}
