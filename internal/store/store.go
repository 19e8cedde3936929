// Package store holds the value kinds that exist only as extension points
// in the snapshot format: List, Set, SortedSet and Hash. None of these are
// exposed at the command surface — the keyspace engine only ever stores
// BulkBytes and Stream values — but the snapshot codec must still be able
// to read and write them so that dumps produced by other implementations
// of the same format round-trip cleanly.
package store

// List is an ordered sequence of byte strings.
type List struct {
	Items [][]byte
}

// NewList builds a List from the given items, copying each one.
func NewList(items [][]byte) *List {
	l := &List{Items: make([][]byte, len(items))}
	for i, item := range items {
		l.Items[i] = append([]byte(nil), item...)
	}
	return l
}

// Len reports the number of elements.
func (l *List) Len() int { return len(l.Items) }

// Set is an unordered collection of distinct byte strings.
type Set struct {
	members map[string][]byte
}

// NewSet builds a Set from the given members, deduplicating by content.
func NewSet(members [][]byte) *Set {
	s := &Set{members: make(map[string][]byte, len(members))}
	for _, m := range members {
		s.members[string(m)] = append([]byte(nil), m...)
	}
	return s
}

// Len reports the number of distinct members.
func (s *Set) Len() int { return len(s.members) }

// Members returns every member in unspecified order.
func (s *Set) Members() [][]byte {
	out := make([][]byte, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	return out
}

// SortedSetEntry is one (member, score) pair of a SortedSet.
type SortedSetEntry struct {
	Member []byte
	Score  float64
}

// SortedSet is an unordered collection of (member, score) pairs; ordering
// by score is a command-surface concern this package does not implement.
type SortedSet struct {
	Entries []SortedSetEntry
}

// NewSortedSet builds a SortedSet from the given entries, copying members.
func NewSortedSet(entries []SortedSetEntry) *SortedSet {
	z := &SortedSet{Entries: make([]SortedSetEntry, len(entries))}
	for i, e := range entries {
		z.Entries[i] = SortedSetEntry{Member: append([]byte(nil), e.Member...), Score: e.Score}
	}
	return z
}

// Len reports the number of entries.
func (z *SortedSet) Len() int { return len(z.Entries) }

// HashFieldValue is one field/value pair of a Hash.
type HashFieldValue struct {
	Field []byte
	Value []byte
}

// Hash is an unordered collection of field/value pairs under one key.
type Hash struct {
	fields []HashFieldValue
}

// NewHash builds a Hash from the given field/value pairs, copying each.
func NewHash(pairs []HashFieldValue) *Hash {
	h := &Hash{fields: make([]HashFieldValue, len(pairs))}
	for i, p := range pairs {
		h.fields[i] = HashFieldValue{Field: append([]byte(nil), p.Field...), Value: append([]byte(nil), p.Value...)}
	}
	return h
}

// Len reports the number of fields.
func (h *Hash) Len() int { return len(h.fields) }

// Fields returns every field/value pair in insertion order.
func (h *Hash) Fields() []HashFieldValue { return h.fields }
