package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform stored row-major and normalized
// so that the last coefficient is 1.
//
//	u = (h0*x + h1*y + h2) / (h6*x + h7*y + h8)
//	v = (h3*x + h4*y + h5) / (h6*x + h7*y + h8)
type Homography [9]float64

// Identity is the identity transform.
var Identity = Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Solve returns the homography that maps the corners of a width x height
// rectangle, (0,0) (w,0) (w,h) (0,h), onto the corners of dst in order.
//
// The 8x8 linear system is solved on the unit square and then composed with
// a scale, which keeps the system well conditioned for large photos.
func Solve(width, height float64, dst Quad) (Homography, error) {
	if !(width > 0) || !(height > 0) || math.IsInf(width, 0) || math.IsInf(height, 0) {
		return Homography{}, fmt.Errorf("%w: source rectangle %gx%g", ErrInvalidGeometry, width, height)
	}
	if err := dst.Validate(); err != nil {
		return Homography{}, err
	}

	unit := [4]Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := 0; i < 4; i++ {
		x, y := unit[i].X, unit[i].Y
		u, v := dst[i].X, dst[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(a, b); err != nil {
		return Homography{}, fmt.Errorf("%w: singular corner system: %v", ErrInvalidGeometry, err)
	}

	sx, sy := 1/width, 1/height
	h := Homography{
		sol.AtVec(0) * sx, sol.AtVec(1) * sy, sol.AtVec(2),
		sol.AtVec(3) * sx, sol.AtVec(4) * sy, sol.AtVec(5),
		sol.AtVec(6) * sx, sol.AtVec(7) * sy, 1,
	}
	if !h.finite() {
		return Homography{}, fmt.Errorf("%w: non-finite transform", ErrInvalidGeometry)
	}

	// Every source corner must stay on the same side of the horizon.
	src := [4]Point{{0, 0}, {width, 0}, {width, height}, {0, height}}
	for i, p := range src {
		if w := h[6]*p.X + h[7]*p.Y + h[8]; w <= 0 {
			return Homography{}, fmt.Errorf("%w: corner %d maps through infinity", ErrInvalidGeometry, i)
		}
	}
	return h, nil
}

// Apply projects (x, y) through h.
func (h Homography) Apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}

// ApplyPoint projects p through h.
func (h Homography) ApplyPoint(p Point) Point {
	x, y := h.Apply(p.X, p.Y)
	return Point{X: x, Y: y}
}

// Inverse returns the transform that undoes h.
func (h Homography) Inverse() (Homography, error) {
	m := mat.NewDense(3, 3, append([]float64(nil), h[:]...))
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, fmt.Errorf("%w: transform is not invertible: %v", ErrInvalidGeometry, err)
	}
	n := inv.At(2, 2)
	if n == 0 || math.IsNaN(n) {
		return Homography{}, fmt.Errorf("%w: inverse cannot be normalized", ErrInvalidGeometry)
	}
	var out Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = inv.At(r, c) / n
		}
	}
	if !out.finite() {
		return Homography{}, fmt.Errorf("%w: non-finite inverse", ErrInvalidGeometry)
	}
	return out, nil
}

func (h Homography) finite() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
