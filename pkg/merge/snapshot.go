package merge

import "sort"

// Node is a canvas node (box on the board).
type Node struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Label     string  `json:"label,omitempty"`
	Color     string  `json:"color,omitempty"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Point is a single coordinate in a freehand drawing.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Drawing is a freehand stroke on the canvas.
type Drawing struct {
	ID        string  `json:"id"`
	Points    []Point `json:"points"`
	Color     string  `json:"color,omitempty"`
	Width     float64 `json:"width,omitempty"`
	UpdatedAt int64   `json:"updatedAt"`
}

// TextBox is a free-floating text element.
type TextBox struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Text      string  `json:"text"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Tombstones records logical deletions per collection: id -> deletedAt timestamp.
// Entries are never removed and their timestamp only ever increases.
type Tombstones struct {
	Nodes     map[string]int64 `json:"nodes"`
	Edges     map[string]int64 `json:"edges"`
	Drawings  map[string]int64 `json:"drawings"`
	TextBoxes map[string]int64 `json:"textBoxes"`
}

// Snapshot is a complete copy of a document's collaborative state.
type Snapshot struct {
	Nodes      []Node     `json:"nodes"`
	Edges      []Edge     `json:"edges"`
	Drawings   []Drawing  `json:"drawings"`
	TextBoxes  []TextBox  `json:"textBoxes"`
	Theme      string     `json:"theme,omitempty"`
	Tombstones Tombstones `json:"tombstones"`
}

func (n Node) key() string     { return n.ID }
func (n Node) stamp() int64    { return n.UpdatedAt }
func (e Edge) key() string     { return e.ID }
func (e Edge) stamp() int64    { return e.UpdatedAt }
func (d Drawing) key() string  { return d.ID }
func (d Drawing) stamp() int64 { return d.UpdatedAt }
func (t TextBox) key() string  { return t.ID }
func (t TextBox) stamp() int64 { return t.UpdatedAt }

// Normalize returns a copy of s with nil slices and maps replaced by empty ones
// and every collection sorted by id. Normalized snapshots compare well with
// reflect.DeepEqual and are the fixed points of Merge.
func Normalize(s Snapshot) Snapshot {
	return Snapshot{
		Nodes:     sortedCopy(s.Nodes),
		Edges:     sortedCopy(s.Edges),
		Drawings:  sortedCopy(s.Drawings),
		TextBoxes: sortedCopy(s.TextBoxes),
		Theme:     s.Theme,
		Tombstones: Tombstones{
			Nodes:     copyStamps(s.Tombstones.Nodes),
			Edges:     copyStamps(s.Tombstones.Edges),
			Drawings:  copyStamps(s.Tombstones.Drawings),
			TextBoxes: copyStamps(s.Tombstones.TextBoxes),
		},
	}
}

func sortedCopy[T entity](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func copyStamps(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for id, ts := range in {
		out[id] = ts
	}
	return out
}
