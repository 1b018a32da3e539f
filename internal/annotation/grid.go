// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package annotation

const (
	// gridShift bucketizes coordinates into 1024-pixel cells.
	gridShift = 10
	// gridBits is the bit width reserved for the x cell index in a key.
	gridBits = 20
)

// cellKey maps a point to its grid cell. The grid is a coarse bucketing
// scheme keyed on an annotation's first point; it only has to make
// exact-duplicate lookup cheap for sparse, spread-out annotations, not be a
// precise spatial index.
func cellKey(p Point) uint64 {
	x := int64(p.X)
	y := int64(p.Y)
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return uint64(y>>gridShift)<<gridBits | uint64(x>>gridShift)
}

// grid buckets annotations by the cell of their first point.
type grid struct {
	cells map[uint64][]*Annotation
}

func newGrid() *grid {
	return &grid{cells: make(map[uint64][]*Annotation)}
}

func (g *grid) insert(a *Annotation) {
	key := cellKey(a.Points[0])
	g.cells[key] = append(g.cells[key], a)
}

func (g *grid) remove(a *Annotation) {
	key := cellKey(a.Points[0])
	bucket := g.cells[key]
	for i, other := range bucket {
		if other == a {
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
	}
	if len(bucket) == 0 {
		delete(g.cells, key)
	} else {
		g.cells[key] = bucket
	}
}

// bucketFor returns the annotations sharing p's grid cell.
func (g *grid) bucketFor(p Point) []*Annotation {
	return g.cells[cellKey(p)]
}
