package plan

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
	"github.com/szaher/dcfsync/internal/mapping"
)

var (
	owner  = dcf.Key(1, 10)
	remote = dcf.Key(2, 20)
)

func gen(current, pending string) *mapping.Generation {
	c, _ := mapping.Parse(current)
	p, _ := mapping.Parse(pending)
	return &mapping.Generation{Current: c, Pending: p}
}

func sample() *Plan {
	gens := map[mapping.Category]*mapping.Generation{
		mapping.Connections:          gen("1/10/5/7/-9;2/20/4", "1/10/7"),
		mapping.InterfaceProperties:  mapping.NewGeneration(),
		mapping.ConnectionProperties: gen("1/10/11", "1/10/11/12"),
	}
	return Compute(gens, sets.New(remote))
}

func TestComputeSweep(t *testing.T) {
	gens := map[mapping.Category]*mapping.Generation{
		mapping.Connections: gen("1/10/5/7/-9", "1/10/7"),
	}
	p := Compute(gens, sets.New[dcf.ElementKey]())

	require.True(t, p.HasChanges)
	require.Len(t, p.Deletes(), 1)
	assert.Equal(t, Action{
		Category: mapping.Connections, Owner: owner, ID: 5,
		Type: ActionDelete, Reason: "not observed this cycle",
	}, p.Deletes()[0])
	assert.Equal(t, 2, p.Kept[mapping.Connections])
	assert.Equal(t, 1, p.Fixed[mapping.Connections])
}

func TestComputeUnloadedOwner(t *testing.T) {
	gens := map[mapping.Category]*mapping.Generation{
		mapping.Connections: gen("1/10/5/7/-9", "1/10/7"),
	}
	p := Compute(gens, sets.New(owner))

	assert.False(t, p.HasChanges)
	assert.Empty(t, p.Deletes())
	require.Len(t, p.Skipped(), 1)
	assert.Equal(t, 5, p.Skipped()[0].ID)
}

func TestComputePendingMarkerIgnored(t *testing.T) {
	gens := map[mapping.Category]*mapping.Generation{
		mapping.Connections: gen("1/10/5", "1/10/-5"),
	}
	p := Compute(gens, nil)
	assert.Empty(t, p.Deletes(), "re-observed as fixed")
}

func TestComputeOrder(t *testing.T) {
	gens := map[mapping.Category]*mapping.Generation{
		mapping.ConnectionProperties: gen("1/10/3", ""),
		mapping.Connections:          gen("2/20/1;1/10/8/2", ""),
	}
	var refs []string
	for _, a := range Compute(gens, nil).Actions {
		refs = append(refs, a.Category.String()+":"+a.Ref())
	}
	assert.Equal(t, []string{
		"connections:1/10/2",
		"connections:1/10/8",
		"connections:2/20/1",
		"connection_properties:1/10/3",
	}, refs)
}

func TestComputeSkipsMissingCategories(t *testing.T) {
	p := Compute(map[mapping.Category]*mapping.Generation{mapping.Connections: nil}, nil)
	assert.False(t, p.HasChanges)
	assert.Empty(t, p.Actions)
}

func TestFormatText(t *testing.T) {
	g := goldie.New(t)
	g.Assert(t, "sweep_text", []byte(FormatText(sample())))
}

func TestFormatTextNoChanges(t *testing.T) {
	g := goldie.New(t)
	p := Compute(map[mapping.Category]*mapping.Generation{
		mapping.Connections: gen("1/10/-9", "1/10/-9"),
	}, nil)
	g.Assert(t, "sweep_text_empty", []byte(FormatText(p)))
}

func TestFormatJSON(t *testing.T) {
	out, err := FormatJSON(sample())
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, "sweep_json", []byte(out))
}
