package desired

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/reconcile"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// Report summarizes what Apply did. Problems lists entries that could not
// be applied; per-object host failures are also logged by the engine.
type Report struct {
	ConnectionsSaved   int      `json:"connections_saved"`
	ConnectionsChanged int      `json:"connections_changed"`
	PropertiesSaved    int      `json:"properties_saved"`
	Removed            int      `json:"removed"`
	Problems           []string `json:"problems,omitempty"`
}

// OK reports whether every entry was applied.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Engine is the part of reconcile.Engine that Apply drives.
type Engine interface {
	Local() dcf.ElementKey
	GetInterfaces(ctx context.Context, refresh bool, links ...reconcile.Link) []reconcile.LinkResult
	SaveConnections(ctx context.Context, forceRefresh bool, reqs ...reconcile.ConnectionRequest) []reconcile.ConnectionResult
	SaveConnectionProperties(ctx context.Context, conn *dcf.Connection, opts reconcile.SaveOptions, props ...dcf.ConnectionProperty) reconcile.SaveResult
	SaveInterfaceProperties(ctx context.Context, iface *dcf.Interface, opts reconcile.SaveOptions, props ...dcf.InterfaceProperty) reconcile.SaveResult
	RemoveOwnerConnections(ctx context.Context, owner dcf.ElementKey, both, force bool, ids ...int) bool
	RemoveOwnerInterfaceProperties(ctx context.Context, owner dcf.ElementKey, force bool, ids ...int) bool
	RemoveOwnerConnectionProperties(ctx context.Context, owner dcf.ElementKey, force bool, ids ...int) bool
}

// Apply saves every connection and property of d, then runs the explicit
// removals. Interface lists are refreshed once at the start.
func Apply(ctx context.Context, e Engine, d *Document, logger *slog.Logger) *Report {
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}
	r := &Report{}
	a := applier{engine: e, logger: logger, report: r, refresh: true}
	a.connections(ctx, d.Connections)
	a.interfaceProperties(ctx, d.InterfaceProperties)
	a.removals(ctx, d.Removals)
	return r
}

type applier struct {
	engine  Engine
	logger  *slog.Logger
	report  *Report
	refresh bool
}

// resolve returns the interfaces of each link, aligned with links. A link
// that cannot be resolved yields nil.
func (a *applier) resolve(ctx context.Context, links []Link) [][]dcf.Interface {
	out := make([][]dcf.Interface, len(links))
	var (
		resolved []reconcile.Link
		index    []int
	)
	for i, l := range links {
		rl, err := l.Resolve(a.engine.Local())
		if err != nil {
			a.report.problem("link %d: %v", i, err)
			continue
		}
		resolved = append(resolved, rl)
		index = append(index, i)
	}
	if len(resolved) == 0 {
		return out
	}
	results := a.engine.GetInterfaces(ctx, a.refresh, resolved...)
	a.refresh = false
	for j, res := range results {
		out[index[j]] = res.Interfaces
	}
	return out
}

func (a *applier) connections(ctx context.Context, conns []Connection) {
	if len(conns) == 0 {
		return
	}
	links := make([]Link, 0, 2*len(conns))
	for _, c := range conns {
		links = append(links, c.Source, c.Destination)
	}
	ifaces := a.resolve(ctx, links)

	var (
		reqs  []reconcile.ConnectionRequest
		specs []Connection
	)
	for i, c := range conns {
		src, dst := ifaces[2*i], ifaces[2*i+1]
		if len(src) == 0 || len(dst) == 0 {
			a.report.problem("connection %d (%s): source or destination interface not found", i, c.Name)
			continue
		}
		u, _ := reconcile.ParseUniqueness(c.Uniqueness)
		reqs = append(reqs, reconcile.ConnectionRequest{
			Source:      &src[0],
			Destination: &dst[0],
			Name:        c.Name,
			Filter:      c.Filter,
			Uniqueness:  u,
			Fixed:       c.Fixed,
			NoReturn:    c.NoReturn,
		})
		specs = append(specs, c)
	}
	if len(reqs) == 0 {
		return
	}

	results := a.engine.SaveConnections(ctx, false, reqs...)
	for i, res := range results {
		spec := specs[i]
		if res.Source == nil {
			a.report.problem("connection %q was not saved", connectionName(spec, reqs[i]))
			continue
		}
		a.report.ConnectionsSaved++
		if res.Updated {
			a.report.ConnectionsChanged++
		}
		if len(spec.Properties) == 0 && !spec.Full {
			continue
		}
		props := make([]dcf.ConnectionProperty, len(spec.Properties))
		for j, p := range spec.Properties {
			props[j] = dcf.ConnectionProperty{Name: p.Name, Type: p.Type, Value: p.Value}
		}
		saved := a.engine.SaveConnectionProperties(ctx, res.Source, reconcile.SaveOptions{
			Full:   spec.Full,
			Fixed:  spec.Fixed,
			Mirror: spec.Mirror,
		}, props...)
		a.countProperties(saved, "connection "+res.Source.Name)
	}
}

func connectionName(c Connection, req reconcile.ConnectionRequest) string {
	if c.Name != "" {
		return c.Name
	}
	return req.Source.Name + "->" + req.Destination.Name
}

func (a *applier) interfaceProperties(ctx context.Context, entries []InterfaceProperty) {
	if len(entries) == 0 {
		return
	}
	links := make([]Link, len(entries))
	for i, p := range entries {
		links[i] = p.Interface
	}
	ifaces := a.resolve(ctx, links)

	for i, entry := range entries {
		if len(ifaces[i]) == 0 {
			a.report.problem("interface_properties %d: no interface found", i)
			continue
		}
		props := make([]dcf.InterfaceProperty, len(entry.Properties))
		for j, p := range entry.Properties {
			props[j] = dcf.InterfaceProperty{Name: p.Name, Type: p.Type, Value: p.Value}
		}
		for _, iface := range ifaces[i] {
			saved := a.engine.SaveInterfaceProperties(ctx, &iface, reconcile.SaveOptions{
				Full:  entry.Full,
				Fixed: entry.Fixed,
			}, props...)
			a.countProperties(saved, "interface "+iface.Ref())
		}
	}
}

func (a *applier) countProperties(res reconcile.SaveResult, parent string) {
	for _, id := range res.IDs {
		if id >= 0 {
			a.report.PropertiesSaved++
		}
	}
	if !res.OK {
		a.report.problem("properties of %s were not all saved", parent)
	}
}

func (a *applier) removals(ctx context.Context, rm Removals) {
	run := func(kind string, rs []Removal, remove func(owner dcf.ElementKey, r Removal) bool) {
		for i, r := range rs {
			owner, err := dcf.ResolveElementKey(r.Owner, a.engine.Local())
			if err != nil {
				a.report.problem("removals.%s[%d]: %v", kind, i, err)
				continue
			}
			if !remove(owner, r) {
				a.report.problem("removals.%s[%d]: not every object of %s was removed", kind, i, owner)
				continue
			}
			a.report.Removed += len(r.IDs)
		}
	}
	run("connections", rm.Connections, func(owner dcf.ElementKey, r Removal) bool {
		return a.engine.RemoveOwnerConnections(ctx, owner, r.Both, r.Force, r.IDs...)
	})
	run("interface_properties", rm.InterfaceProperties, func(owner dcf.ElementKey, r Removal) bool {
		return a.engine.RemoveOwnerInterfaceProperties(ctx, owner, r.Force, r.IDs...)
	})
	run("connection_properties", rm.ConnectionProperties, func(owner dcf.ElementKey, r Removal) bool {
		return a.engine.RemoveOwnerConnectionProperties(ctx, owner, r.Force, r.IDs...)
	})
	a.logger.Debug("desired state applied", "saved_connections", a.report.ConnectionsSaved,
		"saved_properties", a.report.PropertiesSaved, "removed", a.report.Removed, "problems", len(a.report.Problems))
}
