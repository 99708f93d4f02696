// Package composite projects a flat creative into a calibrated quadrilateral
// of a backdrop photo and blends the result into a working copy.
package composite

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/onnwee/mockup/internal/geometry"
)

// Patch is the perspective-warped creative for one frame, in backdrop
// coordinates. Mask holds per-pixel coverage in [0, 1]; zero means the pixel
// is outside the frame and must not be touched.
type Patch struct {
	Rect   image.Rectangle
	Pixels *image.NRGBA
	Mask   []float64
}

func newPatch(r image.Rectangle) *Patch {
	return &Patch{
		Rect:   r,
		Pixels: image.NewNRGBA(r),
		Mask:   make([]float64, r.Dx()*r.Dy()),
	}
}

func (p *Patch) maskIndex(x, y int) int {
	return (y-p.Rect.Min.Y)*p.Rect.Dx() + (x - p.Rect.Min.X)
}

// MaskAt returns the coverage of backdrop pixel (x, y).
func (p *Patch) MaskAt(x, y int) float64 {
	if !(image.Point{X: x, Y: y}).In(p.Rect) {
		return 0
	}
	return p.Mask[p.maskIndex(x, y)]
}

// SetMaskAt sets the coverage of backdrop pixel (x, y), clamped to [0, 1].
func (p *Patch) SetMaskAt(x, y int, v float64) {
	if !(image.Point{X: x, Y: y}).In(p.Rect) {
		return
	}
	p.Mask[p.maskIndex(x, y)] = math.Max(0, math.Min(1, v))
}

// Covered reports whether any pixel of p has non-zero coverage.
func (p *Patch) Covered() bool {
	for _, m := range p.Mask {
		if m > 0 {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of p.
func (p *Patch) Clone() *Patch {
	c := &Patch{
		Rect:   p.Rect,
		Pixels: imaging.Clone(p.Pixels),
		Mask:   append([]float64(nil), p.Mask...),
	}
	// imaging.Clone rebases to (0, 0).
	c.Pixels.Rect = p.Rect
	return c
}

// NewCanvas returns a private, mutable copy of backdrop with its origin at
// (0, 0). The backdrop itself is never written.
func NewCanvas(backdrop image.Image) *image.NRGBA {
	return imaging.Clone(backdrop)
}

// CoverCrop crops src around its center to the aspect ratio width/height,
// removing excess along one axis only. The creative always fills the frame;
// it is never letterboxed or stretched.
func CoverCrop(src image.Image, width, height float64) (*image.NRGBA, error) {
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("creative has no pixels")
	}
	if !(width > 0) || !(height > 0) || math.IsInf(width, 0) || math.IsInf(height, 0) {
		return nil, fmt.Errorf("%w: frame size %vx%v", geometry.ErrInvalidGeometry, width, height)
	}

	target := width / height
	w, h := b.Dx(), b.Dy()
	cw, ch := w, h
	if float64(w)/float64(h) > target {
		cw = int(math.Round(float64(h) * target))
	} else {
		ch = int(math.Round(float64(w) / target))
	}
	cw = max(1, min(cw, w))
	ch = max(1, min(ch, h))

	if cw == w && ch == h {
		return imaging.Clone(src), nil
	}
	return imaging.CropAnchor(src, cw, ch, imaging.Center), nil
}

// Warp crops creative to quad's effective aspect ratio and projects it into
// quad. Only pixels whose centers lie inside both quad and bounds are
// covered. Identical inputs produce identical patches.
func Warp(creative image.Image, quad geometry.Quad, bounds image.Rectangle) (*Patch, error) {
	if err := quad.ValidateWithin(bounds.Dx(), bounds.Dy()); err != nil {
		return nil, err
	}

	qw, qh := quad.EffectiveSize()
	src, err := CoverCrop(creative, qw, qh)
	if err != nil {
		return nil, err
	}
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()

	h, err := geometry.Solve(float64(sw), float64(sh), quad)
	if err != nil {
		return nil, err
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}

	r := quad.Bounds().Intersect(bounds)
	p := newPatch(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		cy := float64(y) + 0.5
		for x := r.Min.X; x < r.Max.X; x++ {
			cx := float64(x) + 0.5
			if !quad.Contains(cx, cy) {
				continue
			}
			u, v := inv.Apply(cx, cy)
			if math.IsNaN(u) || math.IsNaN(v) {
				continue
			}
			p.Pixels.SetNRGBA(x, y, Bilinear(src, u, v))
			p.Mask[p.maskIndex(x, y)] = 1
		}
	}
	return p, nil
}

// Bilinear samples src at continuous coordinate (u, v), where pixel (i, j)
// covers [i, i+1) x [j, j+1). Coordinates outside the image clamp to the
// nearest edge pixel. Interpolation runs on premultiplied values so
// transparent texels do not bleed their colour.
func Bilinear(src *image.NRGBA, u, v float64) color.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	x := clamp(u-0.5, 0, float64(w-1))
	y := clamp(v-0.5, 0, float64(h-1))
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)

	var acc [4]float64
	add := func(px, py int, wgt float64) {
		if wgt == 0 {
			return
		}
		i := src.PixOffset(b.Min.X+px, b.Min.Y+py)
		s := src.Pix[i : i+4 : i+4]
		a := float64(s[3]) / 255
		acc[0] += float64(s[0]) * a * wgt
		acc[1] += float64(s[1]) * a * wgt
		acc[2] += float64(s[2]) * a * wgt
		acc[3] += float64(s[3]) * wgt
	}
	add(x0, y0, (1-fx)*(1-fy))
	add(x1, y0, fx*(1-fy))
	add(x0, y1, (1-fx)*fy)
	add(x1, y1, fx*fy)

	if acc[3] <= 0 {
		return color.NRGBA{}
	}
	a := acc[3] / 255
	return color.NRGBA{
		R: toByte(acc[0] / a),
		G: toByte(acc[1] / a),
		B: toByte(acc[2] / a),
		A: toByte(acc[3]),
	}
}

// Blend paints p over dst: out = m*patch + (1-m)*dst, where m is the pixel's
// coverage times the creative's own alpha. Pixels with zero coverage are
// left bit-identical.
func Blend(dst *image.NRGBA, p *Patch) {
	r := p.Rect.Intersect(dst.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m := p.Mask[p.maskIndex(x, y)]
			if m <= 0 {
				continue
			}
			si := p.Pixels.PixOffset(x, y)
			s := p.Pixels.Pix[si : si+4 : si+4]
			m *= float64(s[3]) / 255
			if m <= 0 {
				continue
			}
			di := dst.PixOffset(x, y)
			d := dst.Pix[di : di+4 : di+4]
			for c := 0; c < 3; c++ {
				d[c] = toByte(m*float64(s[c]) + (1-m)*float64(d[c]))
			}
			d[3] = toByte(m*255 + (1-m)*float64(d[3]))
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
