// Package merge implements the conflict-resolving snapshot merge shared by the
// server gateway and the client reconciler. It is pure: no I/O, no shared
// state, and it never fails: malformed input degrades to empty defaults.
package merge

// entity is anything that lives in a snapshot collection.
type entity interface {
	key() string
	stamp() int64
}

// Merge combines two snapshots into one:
//
//   - tombstones take the elementwise maximum timestamp per id,
//   - each collection is merged by id-union, the larger updatedAt winning,
//   - an instance whose merged tombstone is >= its updatedAt is dropped
//     (deletion beats a stale concurrent update; a strictly newer update
//     resurrects the entity),
//   - edges are additionally dropped when either endpoint node is tombstoned
//     at or after the edge's updatedAt,
//   - the theme is always taken from current, never incoming.
//
// Collections and tombstones merge commutatively and idempotently; the theme
// rule is the one deliberate exception.
func Merge(current, incoming Snapshot) Snapshot {
	cur := Normalize(current)
	inc := Normalize(incoming)

	tombs := Tombstones{
		Nodes:     maxStamps(cur.Tombstones.Nodes, inc.Tombstones.Nodes),
		Edges:     maxStamps(cur.Tombstones.Edges, inc.Tombstones.Edges),
		Drawings:  maxStamps(cur.Tombstones.Drawings, inc.Tombstones.Drawings),
		TextBoxes: maxStamps(cur.Tombstones.TextBoxes, inc.Tombstones.TextBoxes),
	}

	merged := Snapshot{
		Nodes:      mergeCollection(cur.Nodes, inc.Nodes, tombs.Nodes),
		Edges:      mergeCollection(cur.Edges, inc.Edges, tombs.Edges),
		Drawings:   mergeCollection(cur.Drawings, inc.Drawings, tombs.Drawings),
		TextBoxes:  mergeCollection(cur.TextBoxes, inc.TextBoxes, tombs.TextBoxes),
		Theme:      cur.Theme,
		Tombstones: tombs,
	}
	merged.Edges = filterEdges(merged.Edges, tombs.Nodes)
	return merged
}

func maxStamps(a, b map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(a)+len(b))
	for id, ts := range a {
		out[id] = ts
	}
	for id, ts := range b {
		if ts > out[id] {
			out[id] = ts
		}
	}
	return out
}

func mergeCollection[T entity](cur, inc []T, tombs map[string]int64) []T {
	byID := make(map[string]T, len(cur)+len(inc))
	for _, e := range cur {
		byID[e.key()] = e
	}
	for _, e := range inc {
		if prev, ok := byID[e.key()]; !ok || e.stamp() > prev.stamp() {
			byID[e.key()] = e
		}
	}

	out := make([]T, 0, len(byID))
	for id, e := range byID {
		if ts, dead := tombs[id]; dead && ts >= e.stamp() {
			continue
		}
		out = append(out, e)
	}
	return sortedCopy(out)
}

// filterEdges drops edges whose source or target node is tombstoned at a
// timestamp >= the edge's own updatedAt.
func filterEdges(edges []Edge, nodeTombs map[string]int64) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if ts, dead := nodeTombs[e.Source]; dead && ts >= e.UpdatedAt {
			continue
		}
		if ts, dead := nodeTombs[e.Target]; dead && ts >= e.UpdatedAt {
			continue
		}
		out = append(out, e)
	}
	return out
}
