// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package annotation

import "math"

// ComputeCentroid returns the area-weighted centroid of the implicitly closed
// polygon described by points. A single point is its own centroid. Degenerate
// polygons with zero signed area fall back to the vertex mean.
func ComputeCentroid(points []Point) Point {
	switch len(points) {
	case 0:
		return Point{}
	case 1:
		return points[0]
	}

	var area, cx, cy float64
	n := len(points)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		cross := points[i].X*points[j].Y - points[j].X*points[i].Y
		area += cross
		cx += (points[i].X + points[j].X) * cross
		cy += (points[i].Y + points[j].Y) * cross
	}
	area /= 2

	if area == 0 {
		var sx, sy float64
		for _, p := range points {
			sx += p.X
			sy += p.Y
		}
		return Point{X: sx / float64(n), Y: sy / float64(n)}
	}
	return Point{X: cx / (6 * area), Y: cy / (6 * area)}
}

// ComputeDiameter returns the maximum pairwise distance between points,
// computed iteratively. Zero for markers.
func ComputeDiameter(points []Point) float64 {
	var max float64
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			dx := points[i].X - points[j].X
			dy := points[i].Y - points[j].Y
			if d := math.Hypot(dx, dy); d > max {
				max = d
			}
		}
	}
	return max
}

// InBounds reports whether every point lies within the image extent
// [0,width] x [0,height].
func InBounds(points []Point, width, height float64) bool {
	for _, p := range points {
		if p.X < 0 || p.Y < 0 || p.X > width || p.Y > height {
			return false
		}
	}
	return true
}

// SelfIntersects reports whether the implicitly closed polygon described by
// points has two non-adjacent edges that intersect. Edges sharing a vertex
// are excluded from the test; a polygon with fewer than four points cannot
// self-intersect under this rule.
func SelfIntersects(points []Point) bool {
	n := len(points)
	if n < 4 {
		return false
	}
	for i := 0; i < n; i++ {
		a1 := points[i]
		a2 := points[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Skip edges adjacent to edge i (cyclically).
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1 := points[j]
			b2 := points[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect reports whether segments a1-a2 and b1-b2 intersect,
// including touching at a point and collinear overlap.
func segmentsIntersect(a1, a2, b1, b2 Point) bool {
	d1 := orientation(b1, b2, a1)
	d2 := orientation(b1, b2, a2)
	d3 := orientation(a1, a2, b1)
	d4 := orientation(a1, a2, b2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}

	switch {
	case d1 == 0 && onSegment(b1, b2, a1):
		return true
	case d2 == 0 && onSegment(b1, b2, a2):
		return true
	case d3 == 0 && onSegment(a1, a2, b1):
		return true
	case d4 == 0 && onSegment(a1, a2, b2):
		return true
	}
	return false
}

// orientation returns the cross product sign of (b-a) x (c-a): positive for
// counterclockwise, negative for clockwise, zero for collinear.
func orientation(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

// onSegment reports whether collinear point p lies within the bounding box
// of segment a-b.
func onSegment(a, b, p Point) bool {
	return math.Min(a.X, b.X) <= p.X && p.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= p.Y && p.Y <= math.Max(a.Y, b.Y)
}
