// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

// Package annotation implements the annotation data model and the in-memory
// store that owns it: marker and region geometry, a coarse grid index for
// duplicate lookup, id allocation, and the conflict rules applied on every
// add and update.
//
// The store hands out clones, never live references, so consumers (rendering,
// list views) cannot corrupt store invariants by mutating what they receive.
package annotation

// Point is an image-pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Comment is a single remark attached to an annotation.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Annotation is a marker (one point) or region (closed polygon, two or more
// points) placed on a slide at a given focus level.
type Annotation struct {
	// Points is the ordered point sequence; length 1 means marker, length
	// >= 2 means region. Regions are implicitly closed.
	Points []Point `json:"points"`

	// Z is the focus level at time of placement.
	Z int `json:"z"`

	// MClass is the annotation class; must name a configured class.
	MClass string `json:"mclass"`

	// ID is unique within a session. Assigned by the adding client unless
	// it collides, in which case a fresh id is minted and the requested one
	// is preserved in OriginalID.
	ID int `json:"id"`

	// OriginalID records a requested id that collided and was reassigned.
	OriginalID *int `json:"originalId,omitempty"`

	// Centroid and Diameter are derived from Points and recomputed on every
	// point mutation; input values are never trusted.
	Centroid Point   `json:"centroid"`
	Diameter float64 `json:"diameter"`

	Bookmarked bool `json:"bookmarked"`

	// Author is set once at creation and immutable thereafter.
	Author string `json:"author"`

	Comments []Comment `json:"comments"`

	// Prediction is an optional model score. Never auto-populated here.
	Prediction *float64 `json:"prediction,omitempty"`
}

// IsMarker reports whether the annotation is a single-point marker.
func (a *Annotation) IsMarker() bool {
	return len(a.Points) == 1
}

// IsRegion reports whether the annotation is a multi-point region.
func (a *Annotation) IsRegion() bool {
	return len(a.Points) >= 2
}

// Clone returns a deep copy of the annotation.
func (a *Annotation) Clone() Annotation {
	out := *a
	out.Points = make([]Point, len(a.Points))
	copy(out.Points, a.Points)
	if a.Comments != nil {
		out.Comments = make([]Comment, len(a.Comments))
		copy(out.Comments, a.Comments)
	}
	if a.OriginalID != nil {
		v := *a.OriginalID
		out.OriginalID = &v
	}
	if a.Prediction != nil {
		v := *a.Prediction
		out.Prediction = &v
	}
	return out
}

// samePoints reports whether two point sequences are identical in order and
// value. Comparison is exact float equality, deliberately without tolerance:
// duplicate detection must not merge annotations that merely sit close
// together after coordinate round-trips.
func samePoints(a, b []Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SameGeometry reports whether two annotations are duplicates: same focus
// level, same class, identical ordered point sequence.
func SameGeometry(a, b *Annotation) bool {
	return a.Z == b.Z && a.MClass == b.MClass && samePoints(a.Points, b.Points)
}
