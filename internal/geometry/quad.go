// Package geometry provides the planar geometry used to place creatives on
// calibrated photo regions: corner quadrilaterals, their validation, and the
// projective transforms between a flat creative and a quadrilateral.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidGeometry is returned when four corner points cannot describe a
// usable placement region.
var ErrInvalidGeometry = errors.New("invalid geometry")

// Validation thresholds.
const (
	// MinQuadArea is the smallest accepted quadrilateral area in square pixels.
	MinQuadArea = 1.0

	// CollinearTolerance is the smallest accepted |sin| of the interior angle
	// at any corner. Three corners closer to a straight line than this are
	// treated as collinear.
	CollinearTolerance = 1e-3
)

// Point is a 2D pixel coordinate. The origin is the top-left corner of the
// photo and Y grows downwards.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Len returns the Euclidean length of p as a vector.
func (p Point) Len() float64 {
	return math.Hypot(p.X, p.Y)
}

func cross(a, b Point) float64 {
	return a.X*b.Y - a.Y*b.X
}

// Quad is an ordered quadrilateral: top-left, top-right, bottom-right,
// bottom-left, matching the corners of the creative.
type Quad [4]Point

// Corner indices.
const (
	TopLeft = iota
	TopRight
	BottomRight
	BottomLeft
)

// Area returns the unsigned area of q (shoelace formula).
func (q Quad) Area() float64 {
	var s float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		s += q[i].X*q[j].Y - q[j].X*q[i].Y
	}
	return math.Abs(s) / 2
}

// Validate reports whether q is a non-degenerate convex quadrilateral.
//
// Convexity is required because a projective image of a rectangle that lies
// entirely in front of the camera is always convex. Checking the turn
// direction at every corner also covers every triple of points, so coincident
// or collinear corners and self-intersecting (bow-tie) orderings are all
// rejected here.
func (q Quad) Validate() error {
	for i, p := range q {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: corner %d is not a finite coordinate", ErrInvalidGeometry, i)
		}
	}

	var sign float64
	for i := 0; i < 4; i++ {
		prev := q[(i+3)%4]
		cur := q[i]
		next := q[(i+1)%4]

		in := cur.Sub(prev)
		out := next.Sub(cur)
		li, lo := in.Len(), out.Len()
		if li == 0 || lo == 0 {
			return fmt.Errorf("%w: corner %d coincides with a neighbour", ErrInvalidGeometry, i)
		}

		c := cross(in, out)
		if math.Abs(c) <= CollinearTolerance*li*lo {
			return fmt.Errorf("%w: corners around %d are collinear", ErrInvalidGeometry, i)
		}
		if sign == 0 {
			sign = math.Copysign(1, c)
		} else if math.Copysign(1, c) != sign {
			return fmt.Errorf("%w: quadrilateral is self-intersecting or concave at corner %d", ErrInvalidGeometry, i)
		}
	}

	if a := q.Area(); a < MinQuadArea {
		return fmt.Errorf("%w: area %.3f is below %.1f", ErrInvalidGeometry, a, MinQuadArea)
	}
	return nil
}

// ValidateWithin validates q and additionally requires every corner to lie
// inside a width x height photo.
func (q Quad) ValidateWithin(width, height int) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: photo dimensions %dx%d", ErrInvalidGeometry, width, height)
	}
	for i, p := range q {
		if p.X < 0 || p.Y < 0 || p.X > float64(width) || p.Y > float64(height) {
			return fmt.Errorf("%w: corner %d (%.1f,%.1f) outside %dx%d photo",
				ErrInvalidGeometry, i, p.X, p.Y, width, height)
		}
	}
	return nil
}

// Bounds returns the smallest integer rectangle containing q.
func (q Quad) Bounds() image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range q {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}

// Contains reports whether (x, y) lies inside q or on its boundary.
// q must be convex.
func (q Quad) Contains(x, y float64) bool {
	p := Point{X: x, Y: y}
	var pos, neg bool
	for i := 0; i < 4; i++ {
		a := q[i]
		b := q[(i+1)%4]
		c := cross(b.Sub(a), p.Sub(a))
		if c > 0 {
			pos = true
		} else if c < 0 {
			neg = true
		}
		if pos && neg {
			return false
		}
	}
	return true
}

// EdgeDistances returns the distance from (x, y) to each edge segment of q,
// in the order top, right, bottom, left.
func (q Quad) EdgeDistances(x, y float64) [4]float64 {
	p := Point{X: x, Y: y}
	var d [4]float64
	for i := 0; i < 4; i++ {
		d[i] = segmentDistance(p, q[i], q[(i+1)%4])
	}
	return d
}

// EdgeDistance returns the distance from (x, y) to the nearest edge of q.
func (q Quad) EdgeDistance(x, y float64) float64 {
	d := q.EdgeDistances(x, y)
	return math.Min(math.Min(d[0], d[1]), math.Min(d[2], d[3]))
}

func segmentDistance(p, a, b Point) float64 {
	ab := b.Sub(a)
	l2 := ab.X*ab.X + ab.Y*ab.Y
	if l2 == 0 {
		return p.Sub(a).Len()
	}
	t := ((p.X-a.X)*ab.X + (p.Y-a.Y)*ab.Y) / l2
	t = math.Max(0, math.Min(1, t))
	proj := Point{X: a.X + t*ab.X, Y: a.Y + t*ab.Y}
	return p.Sub(proj).Len()
}

// EffectiveSize returns the mean width (top and bottom edges) and mean height
// (left and right edges) of q. Their ratio approximates the aspect ratio of
// the physical face the quadrilateral depicts.
func (q Quad) EffectiveSize() (width, height float64) {
	top := q[TopRight].Sub(q[TopLeft]).Len()
	bottom := q[BottomRight].Sub(q[BottomLeft]).Len()
	left := q[BottomLeft].Sub(q[TopLeft]).Len()
	right := q[BottomRight].Sub(q[TopRight]).Len()
	return (top + bottom) / 2, (left + right) / 2
}
