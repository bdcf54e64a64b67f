package reconcile

import (
	"context"
	"slices"

	"github.com/szaher/dcfsync/internal/cache"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// SaveOptions tunes a property save.
type SaveOptions struct {
	// Full declares the batch complete: managed properties of the same
	// parent that are not in the batch are removed afterwards.
	Full bool
	// Fixed exempts the saved properties from the end-of-polling sweep.
	Fixed bool
	// Async returns the provisional ID of an add without waiting.
	Async bool
	// Mirror also saves connection properties onto the return connection
	// of an external connection.
	Mirror bool
}

// SaveResult is the outcome of a property save. IDs is aligned with the
// input; a failed item is -1.
type SaveResult struct {
	IDs []int
	OK  bool
}

func failedResult(n int) SaveResult {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = -1
	}
	return SaveResult{IDs: ids}
}

// SaveConnectionProperties adds or updates props on conn by name and
// registers their IDs as observed on the connection's source element.
func (e *Engine) SaveConnectionProperties(ctx context.Context, conn *dcf.Connection, opts SaveOptions, props ...dcf.ConnectionProperty) SaveResult {
	return e.saveConnectionProperties(ctx, conn, opts, false, props)
}

func (e *Engine) saveConnectionProperties(ctx context.Context, conn *dcf.Connection, opts SaveOptions, alreadyMirrored bool, props []dcf.ConnectionProperty) SaveResult {
	const kind = "connection_property"
	if conn == nil {
		e.logger.Error("save connection properties: connection is nil")
		return failedResult(len(props))
	}
	e.mu.Lock()
	g, ok := e.generation(mapping.ConnectionProperties, "save connection properties")
	e.mu.Unlock()
	if !ok {
		return failedResult(len(props))
	}

	ctx, span := e.tracer.Start(ctx, "reconcile.SaveConnectionProperties")
	defer span.End()
	span.SetAttributes(telemetry.OwnerAttr(conn.Source.String()))

	owner := conn.Source
	if e.refuseUnloaded(owner, "save connection properties") {
		return failedResult(len(props))
	}
	log := e.logger.With("owner", owner.String(), "connection", conn.ID)
	existing, err := e.cache.ConnectionProperties(ctx, owner, conn.ID)
	if err != nil {
		log.Error("save connection properties", "error", err)
		return failedResult(len(props))
	}

	res := SaveResult{IDs: make([]int, len(props)), OK: true}
	for i, p := range props {
		res.IDs[i] = -1
		if p.Name == "" {
			log.Error("connection property without a name")
			res.OK = false
			continue
		}
		plog := log.With("property", p.Name)

		var id int
		if cur, found := existing.ByName(p.Name); found {
			id = cur.ID
			if cur.SameContent(p) {
				plog.Debug("connection property unchanged", "id", id)
				e.recordSave(kind, "unchanged", owner, id)
			} else {
				cur.Type, cur.Value = p.Type, p.Value
				if err := e.host.UpdateConnectionProperty(ctx, owner, conn.ID, cur); err != nil {
					plog.Error("update connection property failed, property may not have been updated", "id", id, "error", err)
					e.recordSave(kind, "failed", owner, id)
					res.OK = false
					continue
				}
				existing.Put(cur)
				plog.Debug("connection property updated", "id", id)
				e.recordSave(kind, "updated", owner, id)
			}
		} else {
			actx, cancel := e.addContext(ctx, opts.Async)
			id, err = e.host.AddConnectionProperty(actx, owner, conn.ID, p, opts.Async)
			cancel()
			if err != nil {
				plog.Error("add connection property failed, property may not have been added", "async", opts.Async, "error", err)
				e.recordSave(kind, "failed", owner, 0)
				res.OK = false
				continue
			}
			p.ID = id
			existing.Put(p)
			plog.Debug("connection property added", "id", id)
			e.recordSave(kind, "added", owner, id)
		}

		res.IDs[i] = id
		e.mu.Lock()
		g.Register(owner, id, opts.Fixed)
		e.mu.Unlock()
	}

	// A partial batch says nothing reliable about what is stale.
	if opts.Full && res.OK {
		stale := except(existing.IDs(), res.IDs)
		if len(stale) > 0 && !e.RemoveConnectionProperties(ctx, conn, false, stale...) {
			res.OK = false
		}
	}

	if opts.Mirror && !conn.Internal() && !alreadyMirrored {
		e.mirror(ctx, conn, opts, props)
	}
	return res
}

// mirror applies the same save to the return connections of an external
// connection. The result of the mirrored saves does not change the
// caller's result.
func (e *Engine) mirror(ctx context.Context, conn *dcf.Connection, opts SaveOptions, props []dcf.ConnectionProperty) {
	if e.refuseUnloaded(conn.Destination, "mirror connection properties") {
		return
	}
	conns, err := e.cache.Connections(ctx, conn.Destination, false)
	if err != nil {
		e.logger.Error("load return connections", "connection", conn.Name, "error", err)
		return
	}
	returns := conns.Find(cache.ByDestination, conn.SourceRef())
	if len(returns) == 0 {
		e.logger.Error("could not locate return connection for external connection", "connection", conn.Name, "destination", conn.Destination.String())
		return
	}
	for _, ret := range returns {
		e.saveConnectionProperties(ctx, &ret, opts, true, props)
	}
}

// SaveInterfaceProperties adds or updates props on iface by name and
// registers their IDs as observed on the interface's element.
func (e *Engine) SaveInterfaceProperties(ctx context.Context, iface *dcf.Interface, opts SaveOptions, props ...dcf.InterfaceProperty) SaveResult {
	const kind = "interface_property"
	if iface == nil {
		e.logger.Error("save interface properties: interface is nil")
		return failedResult(len(props))
	}
	e.mu.Lock()
	g, ok := e.generation(mapping.InterfaceProperties, "save interface properties")
	e.mu.Unlock()
	if !ok {
		return failedResult(len(props))
	}

	ctx, span := e.tracer.Start(ctx, "reconcile.SaveInterfaceProperties")
	defer span.End()
	span.SetAttributes(telemetry.OwnerAttr(iface.Element.String()))

	owner := iface.Element
	if e.refuseUnloaded(owner, "save interface properties") {
		return failedResult(len(props))
	}
	log := e.logger.With("interface", iface.Ref())
	existing, err := e.cache.InterfaceProperties(ctx, owner, iface.ID)
	if err != nil {
		log.Error("save interface properties", "error", err)
		return failedResult(len(props))
	}

	res := SaveResult{IDs: make([]int, len(props)), OK: true}
	for i, p := range props {
		res.IDs[i] = -1
		if p.Name == "" {
			log.Error("interface property without a name")
			res.OK = false
			continue
		}
		p.Element, p.Interface = owner, iface.ID
		plog := log.With("property", p.Name)

		var id int
		if cur, found := existing.ByName(p.Name); found {
			id = cur.ID
			if cur.SameContent(p) {
				plog.Debug("interface property unchanged", "id", id)
				e.recordSave(kind, "unchanged", owner, id)
			} else {
				cur.Type, cur.Value = p.Type, p.Value
				if err := e.host.UpdateInterfaceProperty(ctx, cur); err != nil {
					plog.Error("update interface property failed, property may not have been updated", "id", id, "error", err)
					e.recordSave(kind, "failed", owner, id)
					res.OK = false
					continue
				}
				existing.Put(cur)
				e.cache.PutInterfaceProperty(cur)
				plog.Debug("interface property updated", "id", id)
				e.recordSave(kind, "updated", owner, id)
			}
		} else {
			actx, cancel := e.addContext(ctx, opts.Async)
			id, err = e.host.AddInterfaceProperty(actx, p, opts.Async)
			cancel()
			if err != nil {
				plog.Error("add interface property failed, property may not have been added", "async", opts.Async, "error", err)
				e.recordSave(kind, "failed", owner, 0)
				res.OK = false
				continue
			}
			p.ID = id
			existing.Put(p)
			e.cache.PutInterfaceProperty(p)
			plog.Debug("interface property added", "id", id)
			e.recordSave(kind, "added", owner, id)
		}

		res.IDs[i] = id
		e.mu.Lock()
		g.Register(owner, id, opts.Fixed)
		e.mu.Unlock()
	}

	if opts.Full && res.OK {
		stale := except(existing.IDs(), res.IDs)
		if len(stale) > 0 && !e.RemoveInterfaceProperties(ctx, iface, false, stale...) {
			res.OK = false
		}
	}
	return res
}

func (e *Engine) recordSave(kind, outcome string, owner dcf.ElementKey, id int) {
	e.metrics.RecordSave(kind, outcome)
	e.emit(events.New(events.SaveItem, e.correlationID, e.cycleID).
		WithData("kind", kind).
		WithData("owner", owner.String()).
		WithData("id", id).
		WithData("outcome", outcome))
}

// except returns the values of all that are not in saved, in order.
func except(all, saved []int) []int {
	var out []int
	for _, id := range all {
		if !slices.Contains(saved, id) {
			out = append(out, id)
		}
	}
	return out
}
