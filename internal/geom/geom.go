// Package geom provides the 2D primitives the viewer works in:
// - points and vector arithmetic
// - axis-aligned boxes, intersection and containment
// - affine transforms, composition and inversion
package geom

import (
	"math"

	"github.com/cockroachdb/errors"
)

// Point represents a 2D point or vector in Cartesian coordinates.
type Point struct {
	X float64
	Y float64
}

// Box represents an axis-aligned rectangle.
type Box struct {
	X float64
	Y float64
	W float64
	H float64
}

// Affine represents a 2D affine transform in row-major form:
// [ a b c ]
// [ d e f ]
// where (x', y') = (a*x + b*y + c, d*x + e*y + f)
type Affine struct {
	A float64
	B float64
	C float64
	D float64
	E float64
	F float64
}

// Identity is the identity transform.
var Identity = Affine{A: 1, E: 1}

func MakePoint(x, y float64) Point               { return Point{X: x, Y: y} }
func MakeBox(x, y, w, h float64) Box             { return Box{X: x, Y: y, W: w, H: h} }
func MakeAffine(a, b, c, d, e, f float64) Affine { return Affine{A: a, B: b, C: c, D: d, E: e, F: f} }

// Translate returns a translation by (dx, dy).
func Translate(dx, dy float64) Affine { return MakeAffine(1, 0, dx, 0, 1, dy) }

// Scale returns a uniform scale about the origin.
func Scale(s float64) Affine { return MakeAffine(s, 0, 0, 0, s, 0) }

func (p Point) Add(q Point) Point     { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point     { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Scale(s float64) Point { return Point{p.X * s, p.Y * s} }

func Dist(p, q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Min returns the box's top-left corner.
func (b Box) Min() Point { return Point{b.X, b.Y} }

// Max returns the box's bottom-right corner.
func (b Box) Max() Point { return Point{b.X + b.W, b.Y + b.H} }

// Center returns the box's center.
func (b Box) Center() Point { return Point{b.X + 0.5*b.W, b.Y + 0.5*b.H} }

// Empty reports whether the box has no area.
func (b Box) Empty() bool { return b.W <= 0 || b.H <= 0 }

// Contains reports whether p lies in the box, right and bottom edges
// excluded.
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X < b.X+b.W && p.Y >= b.Y && p.Y < b.Y+b.H
}

// Intersect returns the overlap of two boxes, or the zero box.
func (b Box) Intersect(o Box) Box {
	x0, y0 := math.Max(b.X, o.X), math.Max(b.Y, o.Y)
	x1, y1 := math.Min(b.X+b.W, o.X+o.W), math.Min(b.Y+b.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Box{}
	}
	return Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Union returns the smallest box covering both. Empty boxes are ignored.
func (b Box) Union(o Box) Box {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	x0, y0 := math.Min(b.X, o.X), math.Min(b.Y, o.Y)
	x1, y1 := math.Max(b.X+b.W, o.X+o.W), math.Max(b.Y+b.H, o.Y+o.H)
	return Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Corners returns the box's corners counter-clockwise from the top-left.
func (b Box) Corners() []Point {
	return []Point{
		{b.X, b.Y},
		{b.X, b.Y + b.H},
		{b.X + b.W, b.Y + b.H},
		{b.X + b.W, b.Y},
	}
}

// MulPoint applies the affine transform to a point.
func (t Affine) MulPoint(p Point) Point {
	return Point{
		X: t.A*p.X + t.B*p.Y + t.C,
		Y: t.D*p.X + t.E*p.Y + t.F,
	}
}

// MulBox applies a transform without rotation to a box.
func (t Affine) MulBox(b Box) Box {
	p, q := t.MulPoint(b.Min()), t.MulPoint(b.Max())
	return Box{
		X: math.Min(p.X, q.X), Y: math.Min(p.Y, q.Y),
		W: math.Abs(q.X - p.X), H: math.Abs(q.Y - p.Y),
	}
}

// Mul composes two affine transforms (applies u then t).
func (t Affine) Mul(u Affine) Affine {
	return MakeAffine(
		t.A*u.A+t.B*u.D,
		t.A*u.B+t.B*u.E,
		t.A*u.C+t.B*u.F+t.C,
		t.D*u.A+t.E*u.D,
		t.D*u.B+t.E*u.E,
		t.D*u.C+t.E*u.F+t.F,
	)
}

// Inv returns the inverse of the affine transform.
// Returns an error if the transform is not invertible (determinant is zero).
func (t Affine) Inv() (Affine, error) {
	det := t.A*t.E - t.B*t.D
	if math.Abs(det) < 1e-10 {
		return Affine{}, errors.New("affine transform is not invertible (determinant ≈ 0)")
	}
	return MakeAffine(
		t.E/det, -t.B/det, (t.B*t.F-t.C*t.E)/det,
		-t.D/det, t.A/det, (t.C*t.D-t.A*t.F)/det,
	), nil
}

// FillBox returns a transform that maps box b1 into b2, centered, preserving
// aspect ratio.
func FillBox(b1, b2 Box) (Affine, error) {
	if b1.Empty() {
		return Affine{}, errors.Newf("source box must have positive width and height, got W=%v H=%v", b1.W, b1.H)
	}
	if b2.Empty() {
		return Affine{}, errors.Newf("destination box must have positive width and height, got W=%v H=%v", b2.W, b2.H)
	}

	sc := math.Min(b2.W/b1.W, b2.H/b1.H)
	centerDst := Translate(b2.X+0.5*b2.W, b2.Y+0.5*b2.H)
	centerSrc := Translate(-(b1.X + 0.5*b1.W), -(b1.Y + 0.5*b1.H))
	return centerDst.Mul(Scale(sc)).Mul(centerSrc), nil
}
