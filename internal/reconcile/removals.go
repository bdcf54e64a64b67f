package reconcile

import (
	"context"
	"errors"

	"github.com/szaher/dcfsync/internal/apply"
	"github.com/szaher/dcfsync/internal/cache"
	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/events"
	"github.com/szaher/dcfsync/internal/host"
	"github.com/szaher/dcfsync/internal/mapping"
	"github.com/szaher/dcfsync/internal/telemetry"
)

// RemoveConnections deletes connections of the element owning iface.
// Without force only managed connections are touched. With both set the
// return connection of an external connection is removed too.
func (e *Engine) RemoveConnections(ctx context.Context, iface *dcf.Interface, both, force bool, ids ...int) bool {
	if iface == nil {
		e.logger.Error("remove connections: interface is nil")
		return false
	}
	return e.removeConnections(ctx, iface.Element, both, force, ids)
}

// RemoveConnectionsByName deletes the connections of iface with the given
// names. Unknown names are ignored.
func (e *Engine) RemoveConnectionsByName(ctx context.Context, iface *dcf.Interface, both, force bool, names ...string) bool {
	if iface == nil {
		e.logger.Error("remove connections by name: interface is nil")
		return false
	}
	conns, err := e.cache.Connections(ctx, iface.Element, false)
	if err != nil {
		e.logger.Error("remove connections by name", "interface", iface.Ref(), "error", err)
		return false
	}
	var ids []int
	for _, name := range names {
		for _, c := range conns.Find(cache.ByName, name) {
			if c.SourceInterface == iface.ID {
				ids = append(ids, c.ID)
			}
		}
	}
	return e.removeConnections(ctx, iface.Element, both, force, ids)
}

// RemoveConnectionsByValue resolves a table search value registered by
// InternalInterfaces and removes the named connections of that interface.
func (e *Engine) RemoveConnectionsByValue(ctx context.Context, searchValue string, both, force bool, names ...string) bool {
	iface, ok := e.cache.SearchValue(searchValue)
	if !ok {
		e.logger.Error("remove connections: unknown search value", "value", searchValue)
		return false
	}
	return e.RemoveConnectionsByName(ctx, &iface, both, force, names...)
}

// RemoveOwnerConnections deletes connections of owner by ID. Unloaded
// owners are refused.
func (e *Engine) RemoveOwnerConnections(ctx context.Context, owner dcf.ElementKey, both, force bool, ids ...int) bool {
	if e.refuseUnloaded(owner, "remove connections") {
		return false
	}
	return e.removeConnections(ctx, owner, both, force, ids)
}

func (e *Engine) removeConnections(ctx context.Context, owner dcf.ElementKey, both, force bool, ids []int) bool {
	return e.remove(ctx, mapping.Connections, owner, force, ids, func(id int) error {
		return e.host.DeleteConnection(ctx, owner, id, both)
	})
}

// RemoveConnectionProperties deletes properties of conn. The mapping is
// keyed by the connection's source element.
func (e *Engine) RemoveConnectionProperties(ctx context.Context, conn *dcf.Connection, force bool, ids ...int) bool {
	if conn == nil {
		e.logger.Error("remove connection properties: connection is nil")
		return false
	}
	return e.removeByCategory(ctx, mapping.ConnectionProperties, conn.Source, force, ids)
}

// RemoveOwnerConnectionProperties deletes connection properties of owner
// by ID. Unloaded owners are refused.
func (e *Engine) RemoveOwnerConnectionProperties(ctx context.Context, owner dcf.ElementKey, force bool, ids ...int) bool {
	if e.refuseUnloaded(owner, "remove connection properties") {
		return false
	}
	return e.removeByCategory(ctx, mapping.ConnectionProperties, owner, force, ids)
}

// RemoveInterfaceProperties deletes properties of iface.
func (e *Engine) RemoveInterfaceProperties(ctx context.Context, iface *dcf.Interface, force bool, ids ...int) bool {
	if iface == nil {
		e.logger.Error("remove interface properties: interface is nil")
		return false
	}
	return e.removeByCategory(ctx, mapping.InterfaceProperties, iface.Element, force, ids)
}

// RemoveOwnerInterfaceProperties deletes interface properties of owner by
// ID. Unloaded owners are refused.
func (e *Engine) RemoveOwnerInterfaceProperties(ctx context.Context, owner dcf.ElementKey, force bool, ids ...int) bool {
	if e.refuseUnloaded(owner, "remove interface properties") {
		return false
	}
	return e.removeByCategory(ctx, mapping.InterfaceProperties, owner, force, ids)
}

func (e *Engine) removeByCategory(ctx context.Context, cat mapping.Category, owner dcf.ElementKey, force bool, ids []int) bool {
	return e.remove(ctx, cat, owner, force, ids, func(id int) error {
		return apply.Delete(ctx, e.host, cat, owner, id)
	})
}

// remove deletes ids through del. A successful delete forgets both
// markers of the ID in both generations. A failure is logged and the
// remaining IDs are still processed.
func (e *Engine) remove(ctx context.Context, cat mapping.Category, owner dcf.ElementKey, force bool, ids []int, del func(id int) error) bool {
	ctx, span := e.tracer.Start(ctx, "reconcile.Remove")
	defer span.End()
	span.SetAttributes(telemetry.OwnerAttr(owner.String()))

	e.mu.Lock()
	g, ok := e.generation(cat, "remove")
	e.mu.Unlock()
	if !ok {
		return false
	}

	success := true
	for _, id := range ids {
		log := e.logger.With("category", cat.String(), "owner", owner.String(), "id", id)
		e.mu.Lock()
		managed := g.Manages(owner, id)
		e.mu.Unlock()
		if !force && !managed {
			log.Debug("not managed, not removing")
			continue
		}

		err := del(id)
		if errors.Is(err, host.ErrNotFound) {
			err = nil
		}
		e.metrics.RecordRemoval(cat.String(), err == nil)
		ev := events.New(events.RemoveItem, e.correlationID, e.cycleID).
			WithData("category", cat.String()).
			WithData("owner", owner.String()).
			WithData("id", id).
			WithData("forced", force)
		if err != nil {
			log.Error("remove failed, object may not have been removed", "error", err)
			e.emit(ev.WithData("error", err.Error()))
			success = false
			continue
		}
		e.emit(ev)
		log.Debug("removed")

		e.mu.Lock()
		g.Forget(owner, id)
		e.mu.Unlock()
		e.forgetCached(cat, owner, id)
	}
	return success
}

func (e *Engine) refuseUnloaded(owner dcf.ElementKey, op string) bool {
	if !e.IsUnloaded(owner) {
		return false
	}
	e.logger.Error("ignoring "+op+": unloaded element", "owner", owner.String())
	return true
}

// DeleteAllManaged deletes every managed object of every loaded owner and
// clears those owners from both generations. Unloaded owners are skipped
// and stay in the generations, as do IDs whose delete failed.
func (e *Engine) DeleteAllManaged(ctx context.Context) bool {
	ctx, span := e.tracer.Start(ctx, "reconcile.DeleteAllManaged")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	success := true
	for _, cat := range mapping.Categories {
		g, ok := e.gens[cat]
		if !ok {
			continue
		}
		for _, owner := range g.Owners() {
			log := e.logger.With("category", cat.String(), "owner", owner.String())
			if e.unloaded.Has(owner) {
				log.Error("ignoring cleanup: unloaded element")
				continue
			}
			union := g.Current.Clone()
			union.Merge(g.Pending)

			// An ID can be held both fixed and normal; a failed delete
			// keeps every form.
			var values []int
			tagged := make(map[int][]mapping.ID)
			for _, id := range union.IDs(owner) {
				if _, ok := tagged[id.Value]; !ok {
					values = append(values, id.Value)
				}
				tagged[id.Value] = append(tagged[id.Value], id)
			}

			var failed []mapping.ID
			for _, value := range values {
				err := apply.Delete(ctx, e.host, cat, owner, value)
				e.metrics.RecordRemoval(cat.String(), err == nil)
				if err != nil {
					log.Error("delete managed object", "id", value, "error", err)
					failed = append(failed, tagged[value]...)
					success = false
					continue
				}
				e.forgetCached(cat, owner, value)
			}
			g.DropOwner(owner)
			if len(failed) > 0 {
				g.Current.Add(owner, failed...)
			}
		}
	}
	e.logger.Info("deleted all managed objects", "ok", success)
	return success
}
