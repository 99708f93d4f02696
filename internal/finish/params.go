// Package finish post-processes a warped creative so it sits naturally in
// the backdrop: edge feathering, depth cueing, tonal matching and a bezel
// tint for the structure's finish.
package finish

import (
	"errors"
	"fmt"
	"image/color"
	"math"

	"github.com/onnwee/mockup/internal/calibration"
)

// Defaults are the service-wide finishing parameters. Per-frame
// calibration.FrameConfig values override them.
type Defaults struct {
	DepthEnabled bool
	// DepthStrength is the maximum darkening at a corner, in [0, 1].
	DepthStrength float64
	// DepthWidthFraction sets the shading falloff as a fraction of the
	// frame's shorter effective side.
	DepthWidthFraction float64

	// ToneStrength scales every tonal correction, in [0, 1].
	ToneStrength float64
	// RingFraction, RingMin and RingMax bound the width, in pixels, of the
	// backdrop ring sampled around the frame: clamp(RingFraction*diag, RingMin, RingMax).
	RingFraction float64
	RingMin      float64
	RingMax      float64
	// MinRingSamples is the fewest ring pixels accepted as statistics.
	MinRingSamples int

	// TintStrength is the blend weight of the bezel colour, in [0, 1].
	TintStrength float64
}

// DefaultDefaults returns the tuned defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		DepthEnabled:       true,
		DepthStrength:      0.18,
		DepthWidthFraction: 0.08,
		ToneStrength:       0.5,
		RingFraction:       0.04,
		RingMin:            4,
		RingMax:            48,
		MinRingSamples:     32,
		TintStrength:       0.06,
	}
}

// Validate checks every field range.
func (d Defaults) Validate() []error {
	var errs []error
	unit := map[string]float64{
		"depth_strength": d.DepthStrength,
		"tone_strength":  d.ToneStrength,
		"tint_strength":  d.TintStrength,
	}
	for _, name := range []string{"depth_strength", "tone_strength", "tint_strength"} {
		if v := unit[name]; !(v >= 0 && v <= 1) {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}
	if !(d.DepthWidthFraction > 0 && d.DepthWidthFraction <= 0.5) {
		errs = append(errs, fmt.Errorf("depth_width_fraction must be within (0, 0.5], got %v", d.DepthWidthFraction))
	}
	if !(d.RingFraction > 0) || !(d.RingMin > 0) || !(d.RingMax >= d.RingMin) {
		errs = append(errs, errors.New("ring width requires fraction > 0 and 0 < min <= max"))
	}
	if d.MinRingSamples < 1 {
		errs = append(errs, errors.New("min_ring_samples must be positive"))
	}
	return errs
}

// Params are the resolved finishing parameters for one frame.
type Params struct {
	BlurStrength       float64
	DepthEnabled       bool
	DepthStrength      float64
	DepthWidthFraction float64
	ToneStrength       float64
	RingFraction       float64
	RingMin            float64
	RingMax            float64
	MinRingSamples     int
	TintStrength       float64
	Finish             calibration.Finish
}

// Resolve applies a frame's stored and per-request overrides on top of d.
func (d Defaults) Resolve(frame calibration.Frame, fin calibration.Finish) Params {
	p := Params{
		BlurStrength:       frame.BlurStrength,
		DepthEnabled:       d.DepthEnabled,
		DepthStrength:      d.DepthStrength,
		DepthWidthFraction: d.DepthWidthFraction,
		ToneStrength:       d.ToneStrength,
		RingFraction:       d.RingFraction,
		RingMin:            d.RingMin,
		RingMax:            d.RingMax,
		MinRingSamples:     d.MinRingSamples,
		TintStrength:       d.TintStrength,
		Finish:             fin,
	}
	c := frame.Config
	if c.DepthEnabled != nil {
		p.DepthEnabled = *c.DepthEnabled
	}
	if c.DepthStrength != nil {
		p.DepthStrength = *c.DepthStrength
	}
	if c.ToneStrength != nil {
		p.ToneStrength = *c.ToneStrength
	}
	if c.TintStrength != nil {
		p.TintStrength = *c.TintStrength
	}
	return p
}

// RingWidth returns the sampling ring width for a frame whose bounding box
// has the given diagonal.
func (p Params) RingWidth(diagonal float64) float64 {
	return math.Max(p.RingMin, math.Min(p.RingMax, p.RingFraction*diagonal))
}

// BezelColor returns the fixed tint of a structure finish.
func BezelColor(f calibration.Finish) (color.NRGBA, bool) {
	switch f {
	case calibration.Gold:
		return color.NRGBA{R: 255, G: 215, B: 140, A: 255}, true
	case calibration.Silver:
		return color.NRGBA{R: 220, G: 225, B: 235, A: 255}, true
	case calibration.Black:
		return color.NRGBA{R: 40, G: 40, B: 45, A: 255}, true
	}
	return color.NRGBA{}, false
}
