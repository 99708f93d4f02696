package composite

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/onnwee/mockup/internal/geometry"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// quadrants returns a creative split into four coloured quadrants.
func quadrants(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{A: 255}
			switch {
			case x < w/2 && y < h/2:
				c.R = 255
			case x >= w/2 && y < h/2:
				c.G = 255
			case x < w/2:
				c.B = 255
			default:
				c.R, c.G = 255, 255
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func billboardQuad() geometry.Quad {
	return geometry.Quad{{X: 100, Y: 100}, {X: 500, Y: 120}, {X: 480, Y: 400}, {X: 90, Y: 380}}
}

func TestCoverCrop(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		fw, fh       float64
		wantW, wantH int
	}{
		{"wider than frame", 300, 200, 395.5, 280.45, 282, 200},
		{"taller than frame", 100, 400, 200, 100, 100, 50},
		{"same aspect", 400, 200, 20, 10, 400, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoverCrop(solid(tt.w, tt.h, color.NRGBA{A: 255}), tt.fw, tt.fh)
			if err != nil {
				t.Fatalf("CoverCrop() error: %v", err)
			}
			if got.Bounds().Dx() != tt.wantW || got.Bounds().Dy() != tt.wantH {
				t.Errorf("CoverCrop() = %dx%d, want %dx%d", got.Bounds().Dx(), got.Bounds().Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestCoverCrop_KeepsCenter(t *testing.T) {
	src := quadrants(400, 100)
	// Cropping to a square keeps the middle 100 columns; all four quadrants
	// must still meet at the crop's center.
	got, err := CoverCrop(src, 1, 1)
	if err != nil {
		t.Fatalf("CoverCrop() error: %v", err)
	}
	if got.Bounds().Dx() != 100 || got.Bounds().Dy() != 100 {
		t.Fatalf("CoverCrop() = %v", got.Bounds())
	}
	if c := got.NRGBAAt(10, 10); c.R != 255 || c.G != 0 {
		t.Errorf("top-left = %v, want red", c)
	}
	if c := got.NRGBAAt(90, 90); c.R != 255 || c.G != 255 {
		t.Errorf("bottom-right = %v, want yellow", c)
	}
}

func TestCoverCrop_Invalid(t *testing.T) {
	if _, err := CoverCrop(solid(10, 10, color.NRGBA{}), 0, 10); !errors.Is(err, geometry.ErrInvalidGeometry) {
		t.Errorf("CoverCrop() error = %v, want ErrInvalidGeometry", err)
	}
	if _, err := CoverCrop(image.NewNRGBA(image.Rect(0, 0, 0, 0)), 10, 10); err == nil {
		t.Error("expected error for empty creative")
	}
}

func TestBilinear(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 0, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{R: 200, A: 255})

	tests := []struct {
		u, v  float64
		wantR uint8
	}{
		{0.5, 0.5, 0},
		{1.5, 0.5, 200},
		{1.0, 0.5, 100},
		{-5, -5, 0},   // clamps to the first texel
		{50, 50, 200}, // clamps to the last texel
	}
	for _, tt := range tests {
		if got := Bilinear(src, tt.u, tt.v); got.R != tt.wantR || got.A != 255 {
			t.Errorf("Bilinear(%v, %v) = %v, want R=%d", tt.u, tt.v, got, tt.wantR)
		}
	}
}

func TestBilinear_TransparentTexelsDoNotBleed(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 0, color.NRGBA{G: 255, A: 0})

	got := Bilinear(src, 1.0, 0.5)
	if got.R != 255 || got.G != 0 || got.A != 128 {
		t.Errorf("Bilinear() = %v, want pure red at half alpha", got)
	}
}

func TestWarp_BillboardScenario(t *testing.T) {
	backdrop := solid(800, 600, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	creative := quadrants(300, 200)
	quad := billboardQuad()

	p, err := Warp(creative, quad, backdrop.Bounds())
	if err != nil {
		t.Fatalf("Warp() error: %v", err)
	}
	if p.Rect != image.Rect(90, 100, 500, 400) {
		t.Errorf("patch rect = %v", p.Rect)
	}

	for y := p.Rect.Min.Y; y < p.Rect.Max.Y; y++ {
		for x := p.Rect.Min.X; x < p.Rect.Max.X; x++ {
			inside := quad.Contains(float64(x)+0.5, float64(y)+0.5)
			if m := p.MaskAt(x, y); (m > 0) != inside {
				t.Fatalf("mask at (%d,%d) = %v, inside = %v", x, y, m, inside)
			}
		}
	}

	// Each quadrant of the creative lands near the matching corner.
	checks := []struct {
		x, y int
		want color.NRGBA
	}{
		{130, 140, color.NRGBA{R: 255, A: 255}},
		{460, 150, color.NRGBA{G: 255, A: 255}},
		{120, 350, color.NRGBA{B: 255, A: 255}},
		{450, 370, color.NRGBA{R: 255, G: 255, A: 255}},
	}
	for _, c := range checks {
		if got := p.Pixels.NRGBAAt(c.x, c.y); got != c.want {
			t.Errorf("pixel (%d,%d) = %v, want %v", c.x, c.y, got, c.want)
		}
	}
}

func TestWarp_RejectsInvalidQuad(t *testing.T) {
	bounds := image.Rect(0, 0, 800, 600)
	tests := []struct {
		name string
		quad geometry.Quad
	}{
		{"degenerate", geometry.Quad{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 10, Y: 10}, {X: 10, Y: 10}}},
		{"outside backdrop", geometry.Quad{{X: 0, Y: 0}, {X: 900, Y: 0}, {X: 900, Y: 100}, {X: 0, Y: 100}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Warp(quadrants(30, 20), tt.quad, bounds); !errors.Is(err, geometry.ErrInvalidGeometry) {
				t.Errorf("Warp() error = %v, want ErrInvalidGeometry", err)
			}
		})
	}
}

func TestWarp_Deterministic(t *testing.T) {
	creative := quadrants(300, 200)
	bounds := image.Rect(0, 0, 800, 600)
	a, err := Warp(creative, billboardQuad(), bounds)
	if err != nil {
		t.Fatalf("Warp() error: %v", err)
	}
	b, err := Warp(creative, billboardQuad(), bounds)
	if err != nil {
		t.Fatalf("Warp() error: %v", err)
	}
	if !bytes.Equal(a.Pixels.Pix, b.Pixels.Pix) {
		t.Error("Warp() is not deterministic")
	}
}

func TestBlend_LeavesUncoveredPixelsIdentical(t *testing.T) {
	backdrop := solid(800, 600, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	for i := range backdrop.Pix {
		backdrop.Pix[i] = uint8(i * 7)
	}
	for i := 3; i < len(backdrop.Pix); i += 4 {
		backdrop.Pix[i] = 255
	}
	original := append([]byte(nil), backdrop.Pix...)

	canvas := NewCanvas(backdrop)
	p, err := Warp(solid(300, 200, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), billboardQuad(), canvas.Bounds())
	if err != nil {
		t.Fatalf("Warp() error: %v", err)
	}
	Blend(canvas, p)

	if !bytes.Equal(backdrop.Pix, original) {
		t.Fatal("backdrop was mutated")
	}
	quad := billboardQuad()
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			i := canvas.PixOffset(x, y)
			inside := quad.Contains(float64(x)+0.5, float64(y)+0.5)
			same := bytes.Equal(canvas.Pix[i:i+4], original[i:i+4])
			if !inside && !same {
				t.Fatalf("pixel (%d,%d) outside the frame changed", x, y)
			}
			if inside && canvas.Pix[i] != 255 {
				t.Fatalf("pixel (%d,%d) inside the frame not painted: %v", x, y, canvas.Pix[i:i+4])
			}
		}
	}
}

func TestBlend_PartialCoverage(t *testing.T) {
	canvas := solid(4, 4, color.NRGBA{R: 0, G: 0, B: 0, A: 255})
	p := newPatch(image.Rect(1, 1, 3, 3))
	for y := 1; y < 3; y++ {
		for x := 1; x < 3; x++ {
			p.Pixels.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	p.SetMaskAt(1, 1, 0.5)
	p.SetMaskAt(2, 2, 1.7) // clamps to 1

	Blend(canvas, p)

	if got := canvas.NRGBAAt(1, 1); got != (color.NRGBA{R: 100, G: 50, B: 25, A: 255}) {
		t.Errorf("half coverage = %v", got)
	}
	if got := canvas.NRGBAAt(2, 2); got != (color.NRGBA{R: 200, G: 100, B: 50, A: 255}) {
		t.Errorf("full coverage = %v", got)
	}
	if got := canvas.NRGBAAt(2, 1); got != (color.NRGBA{A: 255}) {
		t.Errorf("zero coverage = %v, want untouched", got)
	}
}

func TestPatch_Clone(t *testing.T) {
	p := newPatch(image.Rect(5, 5, 8, 8))
	p.Pixels.SetNRGBA(6, 6, color.NRGBA{R: 9, A: 255})
	p.SetMaskAt(6, 6, 1)

	c := p.Clone()
	c.SetMaskAt(6, 6, 0)
	c.Pixels.SetNRGBA(6, 6, color.NRGBA{})

	if p.MaskAt(6, 6) != 1 || p.Pixels.NRGBAAt(6, 6).R != 9 {
		t.Error("Clone() shares memory with the original")
	}
	if c.Rect != p.Rect || c.Pixels.Bounds() != p.Rect {
		t.Errorf("Clone() bounds = %v / %v", c.Rect, c.Pixels.Bounds())
	}
}
