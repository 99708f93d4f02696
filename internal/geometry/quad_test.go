package geometry

import (
	"errors"
	"image"
	"math"
	"testing"
)

func TestQuad_Area(t *testing.T) {
	q := Quad{{0, 0}, {10, 0}, {10, 5}, {0, 5}}
	if got := q.Area(); got != 50 {
		t.Errorf("Area() = %v, want 50", got)
	}
}

func TestQuad_ValidateWithin(t *testing.T) {
	q := billboardQuad()

	if err := q.ValidateWithin(800, 600); err != nil {
		t.Errorf("ValidateWithin(800, 600) error: %v", err)
	}
	if err := q.ValidateWithin(400, 600); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("corner outside photo: error = %v, want ErrInvalidGeometry", err)
	}
	if err := q.ValidateWithin(0, 0); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("empty photo: error = %v, want ErrInvalidGeometry", err)
	}
}

func TestQuad_Bounds(t *testing.T) {
	got := billboardQuad().Bounds()
	want := image.Rect(90, 100, 500, 400)
	if got != want {
		t.Errorf("Bounds() = %v, want %v", got, want)
	}
}

func TestQuad_Contains(t *testing.T) {
	q := billboardQuad()
	tests := []struct {
		x, y float64
		want bool
	}{
		{300, 250, true},
		{100, 100, true},
		{95, 110, false},
		{50, 50, false},
		{490, 130, true},
		{499, 390, false},
	}
	for _, tt := range tests {
		if got := q.Contains(tt.x, tt.y); got != tt.want {
			t.Errorf("Contains(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestQuad_EdgeDistances(t *testing.T) {
	q := Quad{{0, 0}, {100, 0}, {100, 50}, {0, 50}}
	d := q.EdgeDistances(10, 20)
	want := [4]float64{20, 90, 30, 10}
	for i := range want {
		if math.Abs(d[i]-want[i]) > tolerance {
			t.Errorf("edge %d distance = %v, want %v", i, d[i], want[i])
		}
	}
	if got := q.EdgeDistance(10, 20); got != 10 {
		t.Errorf("EdgeDistance() = %v, want 10", got)
	}
}

func TestQuad_EffectiveSize(t *testing.T) {
	w, h := Quad{{0, 0}, {40, 0}, {40, 10}, {0, 10}}.EffectiveSize()
	if w != 40 || h != 10 {
		t.Errorf("EffectiveSize() = %v x %v, want 40 x 10", w, h)
	}
}
