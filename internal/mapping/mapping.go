// Package mapping holds the per-owner sets of managed resource IDs and
// their string buffer form.
//
// The buffer is a ';'-separated list of owner records, each of the form
// "<dma>/<element>/<id>/<id>/...". Fixed IDs are written negative. An owner
// with no IDs is written as its bare key.
package mapping

import (
	"slices"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/szaher/dcfsync/internal/dcf"
)

// ID is a managed resource ID together with its fixed marker. Fixed IDs are
// never swept; only an explicit removal drops them.
type ID struct {
	Value int
	Fixed bool
}

// Normal returns a sweepable ID.
func Normal(v int) ID { return ID{Value: v} }

// Fixed returns an ID exempt from sweeping.
func Fixed(v int) ID { return ID{Value: v, Fixed: true} }

// Of returns Fixed(v) or Normal(v).
func Of(v int, fixed bool) ID { return ID{Value: v, Fixed: fixed} }

// FromSigned decodes the buffer representation.
func FromSigned(n int) ID {
	if n < 0 {
		return Fixed(-n)
	}
	return Normal(n)
}

// Signed encodes the ID for the buffer.
func (id ID) Signed() int {
	if id.Fixed {
		return -id.Value
	}
	return id.Value
}

func (id ID) String() string { return strconv.Itoa(id.Signed()) }

// Mapping maps owners to the IDs managed under them.
type Mapping map[dcf.ElementKey]sets.Set[ID]

// New returns an empty mapping.
func New() Mapping { return make(Mapping) }

// Ensure returns the owner's set, creating an empty one if needed.
func (m Mapping) Ensure(owner dcf.ElementKey) sets.Set[ID] {
	s, ok := m[owner]
	if !ok {
		s = sets.New[ID]()
		m[owner] = s
	}
	return s
}

// Add inserts ids under owner.
func (m Mapping) Add(owner dcf.ElementKey, ids ...ID) {
	m.Ensure(owner).Insert(ids...)
}

// Has reports whether the exact tagged id is present.
func (m Mapping) Has(owner dcf.ElementKey, id ID) bool {
	return m[owner].Has(id)
}

// Manages reports whether value is present with either marker.
func (m Mapping) Manages(owner dcf.ElementKey, value int) bool {
	s := m[owner]
	return s.Has(Normal(value)) || s.Has(Fixed(value))
}

// Forget drops value with both markers. The owner entry is kept even when
// it becomes empty.
func (m Mapping) Forget(owner dcf.ElementKey, value int) {
	s := m.Ensure(owner)
	s.Delete(Normal(value), Fixed(value))
}

// Delete drops the exact tagged id.
func (m Mapping) Delete(owner dcf.ElementKey, id ID) {
	if s, ok := m[owner]; ok {
		s.Delete(id)
	}
}

// Owners returns the owners in key order.
func (m Mapping) Owners() []dcf.ElementKey {
	owners := make([]dcf.ElementKey, 0, len(m))
	for o := range m {
		owners = append(owners, o)
	}
	slices.SortFunc(owners, compareKeys)
	return owners
}

// IDs returns the owner's IDs ordered by signed value.
func (m Mapping) IDs(owner dcf.ElementKey) []ID {
	return sortedIDs(m[owner])
}

// Merge unions other into m.
func (m Mapping) Merge(other Mapping) {
	for owner, ids := range other {
		m.Ensure(owner).Insert(ids.UnsortedList()...)
	}
}

// CopyFixed inserts every fixed ID of from into m.
func (m Mapping) CopyFixed(from Mapping) {
	for owner, ids := range from {
		for id := range ids {
			if id.Fixed {
				m.Add(owner, id)
			}
		}
	}
}

// Clone returns a deep copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for owner, ids := range m {
		out[owner] = ids.Clone()
	}
	return out
}

// Equal compares owners and IDs, including owners with empty sets.
func (m Mapping) Equal(o Mapping) bool {
	if len(m) != len(o) {
		return false
	}
	for owner, ids := range m {
		other, ok := o[owner]
		if !ok || !ids.Equal(other) {
			return false
		}
	}
	return true
}

// Len counts IDs across all owners.
func (m Mapping) Len() int {
	n := 0
	for _, ids := range m {
		n += ids.Len()
	}
	return n
}

// Count returns the number of fixed and normal IDs.
func (m Mapping) Count() (normal, fixed int) {
	for _, ids := range m {
		for id := range ids {
			if id.Fixed {
				fixed++
			} else {
				normal++
			}
		}
	}
	return normal, fixed
}

// Format serializes m. Owners and IDs are ordered so equal mappings
// produce equal buffers.
func Format(m Mapping) string {
	var sb strings.Builder
	for _, owner := range m.Owners() {
		sb.WriteString(owner.String())
		for _, id := range sortedIDs(m[owner]) {
			sb.WriteByte('/')
			sb.WriteString(strconv.Itoa(id.Signed()))
		}
		sb.WriteByte(';')
	}
	return strings.TrimRight(sb.String(), ";")
}

// Parse reads a buffer. It never fails: records without a valid owner key
// are skipped, and a record with an unparsable ID yields an empty set for
// its owner. The skipped return lists the offending records.
func Parse(buf string) (m Mapping, skipped []string) {
	m = New()
	for _, record := range strings.Split(buf, ";") {
		if record == "" {
			continue
		}
		ownerPart, idsPart := splitRecord(record)
		owner, err := dcf.ParseElementKey(ownerPart)
		if err != nil {
			skipped = append(skipped, record)
			continue
		}
		set := m.Ensure(owner)
		if idsPart == "" {
			continue
		}
		ids, ok := parseIDs(idsPart)
		if !ok {
			skipped = append(skipped, record)
			continue
		}
		set.Insert(ids...)
	}
	return m, skipped
}

// splitRecord cuts a record after the second '/'.
func splitRecord(record string) (owner, ids string) {
	first := strings.IndexByte(record, '/')
	if first < 0 {
		return record, ""
	}
	second := strings.IndexByte(record[first+1:], '/')
	if second < 0 {
		return record, ""
	}
	cut := first + 1 + second
	return record[:cut], record[cut+1:]
}

func parseIDs(s string) ([]ID, bool) {
	var ids []ID
	for _, tok := range strings.Split(s, "/") {
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, false
		}
		ids = append(ids, FromSigned(n))
	}
	return ids, true
}

func sortedIDs(s sets.Set[ID]) []ID {
	ids := s.UnsortedList()
	slices.SortFunc(ids, func(a, b ID) int { return a.Signed() - b.Signed() })
	return ids
}

func compareKeys(a, b dcf.ElementKey) int {
	if a.DMA != b.DMA {
		return a.DMA - b.DMA
	}
	return a.Element - b.Element
}
