package reconcile

import (
	"context"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/mapping"
)

// Uniqueness selects how an existing connection is matched to a request.
// Every key is also prefixed with whether the connection is internal or
// external.
type Uniqueness int

const (
	// UniqueName matches on the connection name.
	UniqueName Uniqueness = iota
	// UniqueDestination matches on the destination interface.
	UniqueDestination
	// UniqueSource matches on the source interface.
	UniqueSource
	// UniqueSourceAndDestination matches on both interfaces.
	UniqueSourceAndDestination
)

func (u Uniqueness) String() string {
	switch u {
	case UniqueName:
		return "name"
	case UniqueDestination:
		return "destination"
	case UniqueSource:
		return "source"
	case UniqueSourceAndDestination:
		return "source-and-destination"
	default:
		return fmt.Sprintf("uniqueness(%d)", int(u))
	}
}

// ParseUniqueness is the inverse of String. An empty string selects
// UniqueName.
func ParseUniqueness(s string) (Uniqueness, error) {
	if s == "" {
		return UniqueName, nil
	}
	for _, u := range []Uniqueness{UniqueName, UniqueDestination, UniqueSource, UniqueSourceAndDestination} {
		if u.String() == s {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown uniqueness %q", s)
}

// ConnectionRequest describes one wanted connection.
type ConnectionRequest struct {
	Source      *dcf.Interface
	Destination *dcf.Interface
	// Name defaults to "<source name>-><destination name>".
	Name       string
	Filter     string
	Uniqueness Uniqueness
	// Fixed exempts the connection from the end-of-polling sweep.
	Fixed bool
	// NoReturn skips the return connection of an external connection.
	NoReturn bool
}

// ConnectionResult is the outcome of one request. Source is nil when the
// request was skipped or failed.
type ConnectionResult struct {
	Source      *dcf.Connection
	Destination *dcf.Connection
	Internal    bool
	// Updated is false when an existing connection already matched.
	Updated bool
}

func connectionScope(internal bool) string {
	if internal {
		return "I"
	}
	return "E"
}

func connectionKey(u Uniqueness, c dcf.Connection) string {
	prefix := connectionScope(c.Internal()) + "_"
	switch u {
	case UniqueDestination:
		return prefix + c.DestinationRef()
	case UniqueSource:
		return prefix + strconv.Itoa(c.SourceInterface)
	case UniqueSourceAndDestination:
		return prefix + strconv.Itoa(c.SourceInterface) + "/" + c.DestinationRef()
	default:
		return prefix + c.Name
	}
}

func uniquenessIndex(u Uniqueness) string {
	return "unique/" + u.String()
}

func sameConnection(a, b dcf.Connection) bool {
	return a.Name == b.Name &&
		a.Source == b.Source && a.SourceInterface == b.SourceInterface &&
		a.Destination == b.Destination && a.DestinationInterface == b.DestinationInterface &&
		a.Filter == b.Filter
}

// SaveConnections creates or updates the requested connections and
// registers them as observed on their source element. With forceRefresh
// set, each source element's connection list is reloaded once. The result
// is aligned with reqs.
func (e *Engine) SaveConnections(ctx context.Context, forceRefresh bool, reqs ...ConnectionRequest) []ConnectionResult {
	results := make([]ConnectionResult, len(reqs))
	e.mu.Lock()
	g, ok := e.generation(mapping.Connections, "save connections")
	e.mu.Unlock()
	if !ok {
		return results
	}

	ctx, span := e.tracer.Start(ctx, "reconcile.SaveConnections")
	defer span.End()

	refreshed := sets.New[dcf.ElementKey]()
	for i, req := range reqs {
		if req.Source == nil || req.Destination == nil {
			e.logger.Error("connection request has no source or destination, the interfaces might not exist")
			continue
		}
		src, dst := *req.Source, *req.Destination
		if e.refuseUnloaded(src.Element, "connection request: source") ||
			e.refuseUnloaded(dst.Element, "connection request: destination") {
			continue
		}

		want := dcf.Connection{
			Name:                 req.Name,
			Source:               src.Element,
			SourceInterface:      src.ID,
			Destination:          dst.Element,
			DestinationInterface: dst.ID,
			Filter:               req.Filter,
		}
		if want.Name == "" {
			want.Name = src.Name + "->" + dst.Name
		}
		internal := want.Internal()
		withReturn := !internal && !req.NoReturn
		log := e.logger.With("connection", want.Name, "source", want.SourceRef(), "destination", want.DestinationRef(), "internal", internal)

		reload := forceRefresh && !refreshed.Has(src.Element)
		conns, err := e.cache.Connections(ctx, src.Element, reload)
		if err != nil {
			log.Error("connection list unavailable", "error", err)
			continue
		}
		if reload {
			refreshed.Insert(src.Element)
		}
		u := req.Uniqueness
		conns.AddIndex(uniquenessIndex(u), func(c dcf.Connection) string { return connectionKey(u, c) })

		res := ConnectionResult{Internal: internal}
		match, found := conns.First(uniquenessIndex(u), connectionKey(u, want))
		switch {
		case !found:
			actx, cancel := e.addContext(ctx, false)
			created, ret, err := e.host.AddConnection(actx, want, withReturn)
			cancel()
			if err != nil {
				log.Error("add connection failed, connection may not have been added", "error", err)
				e.recordSave("connection", "failed", src.Element, 0)
				continue
			}
			e.cache.AddConnection(created)
			if ret != nil {
				e.cache.AddConnection(*ret)
			}
			res.Source, res.Destination, res.Updated = &created, ret, true
			log.Info("connection added", "id", created.ID)
			e.recordSave("connection", "added", src.Element, created.ID)

		case sameConnection(match, want):
			res.Source = &match
			log.Debug("connection unchanged", "id", match.ID)
			e.recordSave("connection", "unchanged", src.Element, match.ID)

		default:
			want.ID = match.ID
			actx, cancel := e.addContext(ctx, false)
			ret, err := e.host.UpdateConnection(actx, want, withReturn)
			cancel()
			if err != nil {
				log.Error("update connection failed, connection may not have been updated", "id", match.ID, "error", err)
				e.recordSave("connection", "failed", src.Element, match.ID)
				continue
			}
			e.cache.AddConnection(want)
			if ret != nil {
				e.cache.AddConnection(*ret)
			}
			res.Source, res.Destination, res.Updated = &want, ret, true
			log.Info("connection updated", "id", want.ID)
			e.recordSave("connection", "updated", src.Element, want.ID)
		}

		e.mu.Lock()
		g.Register(src.Element, res.Source.ID, req.Fixed)
		e.mu.Unlock()
		results[i] = res
	}
	return results
}

// SaveInternalConnection saves one connection between two interfaces of
// the same element.
func (e *Engine) SaveInternalConnection(ctx context.Context, in, out *dcf.Interface, name string) *dcf.Connection {
	res := e.SaveConnections(ctx, false, ConnectionRequest{Source: in, Destination: out, Name: name})
	return res[0].Source
}

// SaveExternalConnection saves one connection to another element. With
// saveOnBoth set the return connection is saved too.
func (e *Engine) SaveExternalConnection(ctx context.Context, in, out *dcf.Interface, name string, saveOnBoth bool) (*dcf.Connection, *dcf.Connection) {
	res := e.SaveConnections(ctx, false, ConnectionRequest{Source: in, Destination: out, Name: name, NoReturn: !saveOnBoth})
	return res[0].Source, res[0].Destination
}

// SaveInternalConnectionByValue resolves both ends through search values
// registered by InternalInterfaces.
func (e *Engine) SaveInternalConnectionByValue(ctx context.Context, inValue, outValue, name string) *dcf.Connection {
	in, out, ok := e.searchPair(inValue, outValue)
	if !ok {
		return nil
	}
	return e.SaveInternalConnection(ctx, &in, &out, name)
}

// SaveExternalConnectionByValue is SaveExternalConnection with both ends
// resolved through search values.
func (e *Engine) SaveExternalConnectionByValue(ctx context.Context, inValue, outValue, name string, saveOnBoth bool) (*dcf.Connection, *dcf.Connection) {
	in, out, ok := e.searchPair(inValue, outValue)
	if !ok {
		return nil, nil
	}
	return e.SaveExternalConnection(ctx, &in, &out, name, saveOnBoth)
}

func (e *Engine) searchPair(inValue, outValue string) (in, out dcf.Interface, ok bool) {
	in, inOK := e.cache.SearchValue(inValue)
	out, outOK := e.cache.SearchValue(outValue)
	if !inOK || !outOK {
		e.logger.Error("unknown search value", "input", inValue, "input_found", inOK, "output", outValue, "output_found", outOK)
		return in, out, false
	}
	return in, out, true
}
