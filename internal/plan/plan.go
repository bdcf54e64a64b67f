// Package plan computes the end-of-polling sweep: which managed IDs are
// no longer wanted and must be deleted from their owners.
package plan

import (
	"cmp"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/mapping"
)

// ActionType represents what the sweep does with one ID.
type ActionType string

const (
	// ActionDelete removes an ID that was managed last cycle but not
	// observed in this one.
	ActionDelete ActionType = "delete"
	// ActionSkip leaves an ID alone because its owner is unloaded.
	ActionSkip ActionType = "skip"
)

// Action describes the planned handling of one managed ID.
type Action struct {
	Category mapping.Category
	Owner    dcf.ElementKey
	ID       int
	Type     ActionType
	Reason   string
}

// Ref renders "<owner>/<id>".
func (a Action) Ref() string {
	return a.Owner.String() + "/" + mapping.Normal(a.ID).String()
}

// Plan is the sweep of one commit.
type Plan struct {
	Actions    []Action
	HasChanges bool
	// Kept counts IDs per category that survive the sweep, fixed ones
	// included.
	Kept map[mapping.Category]int
	// Fixed counts fixed IDs per category.
	Fixed map[mapping.Category]int
}

// Deletes returns the delete actions in plan order.
func (p *Plan) Deletes() []Action {
	return p.filter(ActionDelete)
}

// Skipped returns the actions skipped for unloaded owners.
func (p *Plan) Skipped() []Action {
	return p.filter(ActionSkip)
}

func (p *Plan) filter(t ActionType) []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Compute plans the sweep for the given generations. An ID is swept when
// it is in Current, not fixed, and not in Pending with either marker.
// IDs under an unloaded owner are reported as skipped. Categories missing
// from gens are not swept. Actions are ordered by category, then owner,
// then ID.
func Compute(gens map[mapping.Category]*mapping.Generation, unloaded sets.Set[dcf.ElementKey]) *Plan {
	p := &Plan{
		Kept:  make(map[mapping.Category]int),
		Fixed: make(map[mapping.Category]int),
	}
	for _, cat := range mapping.Categories {
		g, ok := gens[cat]
		if !ok || g == nil {
			continue
		}
		for _, owner := range g.Current.Owners() {
			for _, id := range g.Current.IDs(owner) {
				switch {
				case id.Fixed:
					p.Fixed[cat]++
					p.Kept[cat]++
				case g.Pending.Manages(owner, id.Value):
					p.Kept[cat]++
				case unloaded.Has(owner):
					p.Kept[cat]++
					p.Actions = append(p.Actions, Action{
						Category: cat, Owner: owner, ID: id.Value,
						Type: ActionSkip, Reason: "owner unloaded",
					})
				default:
					p.Actions = append(p.Actions, Action{
						Category: cat, Owner: owner, ID: id.Value,
						Type: ActionDelete, Reason: "not observed this cycle",
					})
					p.HasChanges = true
				}
			}
		}
		// Pending IDs unknown to Current survive too.
		for _, owner := range g.Pending.Owners() {
			for _, id := range g.Pending.IDs(owner) {
				if !g.Current.Manages(owner, id.Value) {
					p.Kept[cat]++
					if id.Fixed {
						p.Fixed[cat]++
					}
				}
			}
		}
	}
	sortActions(p.Actions)
	return p
}

func sortActions(actions []Action) {
	slices.SortStableFunc(actions, func(a, b Action) int {
		return cmp.Or(
			cmp.Compare(categoryRank(a.Category), categoryRank(b.Category)),
			cmp.Compare(a.Owner.DMA, b.Owner.DMA),
			cmp.Compare(a.Owner.Element, b.Owner.Element),
			cmp.Compare(a.ID, b.ID),
		)
	})
}

func categoryRank(c mapping.Category) int {
	return slices.Index(mapping.Categories, c)
}
