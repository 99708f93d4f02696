package finish

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"

	"github.com/onnwee/mockup/internal/composite"
	"github.com/onnwee/mockup/internal/geometry"
)

// Reasons a stage falls back to the unadjusted patch.
var (
	ErrEmptyStatistics = errors.New("not enough pixels for statistics")
	ErrNonFinite       = errors.New("non-finite adjustment")
	ErrUnknownFinish   = errors.New("unknown finish")
)

// Tonal correction bounds.
const (
	GainMin     = 0.35
	GainMax     = 1.25
	ContrastMin = 0.6
	ContrastMax = 1.2
	CastMin     = 0.85
	CastMax     = 1.15

	// castWeight damps white-balance shifts relative to brightness shifts.
	castWeight = 0.5
)

// lightDir points from the frame towards the light source (top-left).
var lightDir = geometry.Point{X: -math.Sqrt2 / 2, Y: -math.Sqrt2 / 2}

// Adjustor applies every finishing stage to a patch. Stages that cannot
// produce a finite result are skipped, logged and counted; they never fail
// the generation.
type Adjustor struct {
	logger  *slog.Logger
	metrics *Metrics
}

// NewAdjustor creates an Adjustor. metrics may be nil.
func NewAdjustor(logger *slog.Logger, metrics *Metrics) *Adjustor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjustor{logger: logger, metrics: metrics}
}

// Apply finishes p in place. backdrop is the unmodified photo the ring
// statistics are sampled from. It returns the stages that fell back.
func (a *Adjustor) Apply(ctx context.Context, p *composite.Patch, backdrop *image.NRGBA, quad geometry.Quad, params Params) []string {
	var skipped []string
	run := func(stage string, fn func() error) {
		if err := fn(); err != nil {
			skipped = append(skipped, stage)
			a.logger.DebugContext(ctx, "finishing stage skipped",
				slog.String("stage", stage),
				slog.String("reason", err.Error()))
			if a.metrics != nil {
				a.metrics.IncFallback(stage, reason(err))
			}
		}
	}

	run(StageTone, func() error { return Tone(p, backdrop, quad, params) })
	run(StageTint, func() error { return Tint(p, params) })
	if params.DepthEnabled {
		run(StageDepth, func() error { return Depth(p, quad, params.DepthStrength, params.DepthWidthFraction) })
	}
	run(StageFeather, func() error { return Feather(p, quad, params.BlurStrength) })
	return skipped
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyStatistics):
		return "empty_statistics"
	case errors.Is(err, ErrNonFinite):
		return "non_finite"
	case errors.Is(err, ErrUnknownFinish):
		return "unknown_finish"
	}
	return "other"
}

// Feather ramps coverage linearly from 0 at the frame edge to 1 at blur
// pixels inside it. blur 0 keeps a hard edge. Uncovered pixels stay
// uncovered, so nothing outside the frame is ever modified.
func Feather(p *composite.Patch, quad geometry.Quad, blur float64) error {
	if blur == 0 {
		return nil
	}
	if !(blur > 0) || math.IsInf(blur, 0) {
		return ErrNonFinite
	}
	forCovered(p, func(x, y int, _ []uint8) {
		d := quad.EdgeDistance(float64(x)+0.5, float64(y)+0.5)
		p.SetMaskAt(x, y, p.MaskAt(x, y)*math.Min(1, d/blur))
	})
	return nil
}

// Depth darkens pixels near the frame edges to suggest the housing's
// depth. Each edge contributes in proportion to its proximity, weighted by
// how much it faces the light, and contributions add up so corners are the
// darkest.
func Depth(p *composite.Patch, quad geometry.Quad, strength, widthFraction float64) error {
	if strength == 0 {
		return nil
	}
	qw, qh := quad.EffectiveSize()
	width := widthFraction * math.Min(qw, qh)
	if !(width > 0) || math.IsInf(width, 0) || !(strength > 0) {
		return ErrNonFinite
	}
	weights := EdgeLightWeights(quad)

	forCovered(p, func(x, y int, px []uint8) {
		d := quad.EdgeDistances(float64(x)+0.5, float64(y)+0.5)
		var s float64
		for i, w := range weights {
			s += w * math.Max(0, 1-d[i]/width)
		}
		f := 1 - strength*math.Min(1, s)
		for c := 0; c < 3; c++ {
			px[c] = toByte(float64(px[c]) * f)
		}
	})
	return nil
}

// EdgeLightWeights returns, per edge (top, right, bottom, left), a shading
// weight in [0, 1]: 1 for an edge whose outward normal points straight at
// the light, 0 for one facing directly away.
func EdgeLightWeights(quad geometry.Quad) [4]float64 {
	var cx, cy float64
	for _, pt := range quad {
		cx += pt.X / 4
		cy += pt.Y / 4
	}

	var w [4]float64
	for i := 0; i < 4; i++ {
		a, b := quad[i], quad[(i+1)%4]
		e := b.Sub(a)
		n := geometry.Point{X: e.Y, Y: -e.X}
		l := n.Len()
		if l == 0 {
			continue
		}
		n = geometry.Point{X: n.X / l, Y: n.Y / l}
		mid := geometry.Point{X: (a.X+b.X)/2 - cx, Y: (a.Y+b.Y)/2 - cy}
		if n.X*mid.X+n.Y*mid.Y < 0 {
			n = geometry.Point{X: -n.X, Y: -n.Y}
		}
		w[i] = 0.5 + 0.5*(n.X*lightDir.X+n.Y*lightDir.Y)
	}
	return w
}

// Stats summarizes a pixel population.
type Stats struct {
	N     int
	MeanY float64
	StdY  float64
	Mean  [3]float64
}

func luma(r, g, b float64) float64 {
	return 0.2126*r + 0.7152*g + 0.0722*b
}

type accumulator struct {
	w, sy, syy float64
	sc         [3]float64
	n          int
}

func (a *accumulator) add(px []uint8, weight float64) {
	r, g, b := float64(px[0]), float64(px[1]), float64(px[2])
	y := luma(r, g, b)
	a.n++
	a.w += weight
	a.sy += weight * y
	a.syy += weight * y * y
	a.sc[0] += weight * r
	a.sc[1] += weight * g
	a.sc[2] += weight * b
}

func (a *accumulator) stats() Stats {
	if a.w == 0 {
		return Stats{N: a.n}
	}
	mean := a.sy / a.w
	return Stats{
		N:     a.n,
		MeanY: mean,
		StdY:  math.Sqrt(math.Max(0, a.syy/a.w-mean*mean)),
		Mean:  [3]float64{a.sc[0] / a.w, a.sc[1] / a.w, a.sc[2] / a.w},
	}
}

// RingStats samples backdrop pixels whose centers lie outside quad but
// within width pixels of its edges.
func RingStats(backdrop *image.NRGBA, quad geometry.Quad, width float64) Stats {
	var acc accumulator
	pad := int(math.Ceil(width))
	r := quad.Bounds().Inset(-pad).Intersect(backdrop.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cx, cy := float64(x)+0.5, float64(y)+0.5
			if quad.Contains(cx, cy) || quad.EdgeDistance(cx, cy) > width {
				continue
			}
			i := backdrop.PixOffset(x, y)
			acc.add(backdrop.Pix[i:i+4:i+4], 1)
		}
	}
	return acc.stats()
}

// PatchStats summarizes covered patch pixels, weighted by coverage.
func PatchStats(p *composite.Patch) Stats {
	var acc accumulator
	forCovered(p, func(x, y int, px []uint8) {
		acc.add(px, p.MaskAt(x, y))
	})
	return acc.stats()
}

// Tone moves the patch's brightness, contrast and colour cast towards the
// backdrop ring around the frame:
//
//	gain     = clamp(1 + s*(ringMean/patchMean - 1), GainMin, GainMax)
//	contrast = clamp(1 + s*(ringStd/patchStd - 1), ContrastMin, ContrastMax)
//	cast[c]  = clamp(1 + s*castWeight*(ringMean[c]/ringMeanY - 1), CastMin, CastMax)
//	out[c]   = ((in[c] - patchMean)*contrast + patchMean) * gain * cast[c]
//
// where s is the tone strength. The patch is only written when every factor
// is finite.
func Tone(p *composite.Patch, backdrop *image.NRGBA, quad geometry.Quad, params Params) error {
	s := params.ToneStrength
	if s == 0 {
		return nil
	}
	if !(s > 0) || s > 1 {
		return ErrNonFinite
	}

	b := quad.Bounds()
	diag := math.Hypot(float64(b.Dx()), float64(b.Dy()))
	ring := RingStats(backdrop, quad, params.RingWidth(diag))
	if ring.N < max(1, params.MinRingSamples) {
		return ErrEmptyStatistics
	}
	patch := PatchStats(p)
	if patch.N == 0 {
		return ErrEmptyStatistics
	}

	gain := 1.0
	if patch.MeanY >= 1 {
		gain = clamp(1+s*(ring.MeanY/patch.MeanY-1), GainMin, GainMax)
	}
	contrast := 1.0
	if patch.StdY > 1e-6 {
		contrast = clamp(1+s*(ring.StdY/patch.StdY-1), ContrastMin, ContrastMax)
	}
	cast := [3]float64{1, 1, 1}
	if ring.MeanY >= 1 {
		for c := range cast {
			cast[c] = clamp(1+s*castWeight*(ring.Mean[c]/ring.MeanY-1), CastMin, CastMax)
		}
	}

	for _, v := range []float64{gain, contrast, cast[0], cast[1], cast[2], patch.MeanY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}

	m := patch.MeanY
	forCovered(p, func(_, _ int, px []uint8) {
		for c := 0; c < 3; c++ {
			px[c] = toByte(((float64(px[c])-m)*contrast + m) * gain * cast[c])
		}
	})
	return nil
}

// Tint blends every covered pixel towards the bezel colour of the finish.
func Tint(p *composite.Patch, params Params) error {
	t := params.TintStrength
	if t == 0 {
		return nil
	}
	if !(t > 0) || t > 1 {
		return ErrNonFinite
	}
	tint, ok := BezelColor(params.Finish)
	if !ok {
		return ErrUnknownFinish
	}
	tc := [3]float64{float64(tint.R), float64(tint.G), float64(tint.B)}
	forCovered(p, func(_, _ int, px []uint8) {
		for c := 0; c < 3; c++ {
			px[c] = toByte(float64(px[c])*(1-t) + tc[c]*t)
		}
	})
	return nil
}

// forCovered calls fn for every patch pixel with non-zero coverage, passing
// its RGBA bytes.
func forCovered(p *composite.Patch, fn func(x, y int, px []uint8)) {
	r := p.Rect
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if p.MaskAt(x, y) <= 0 {
				continue
			}
			i := p.Pixels.PixOffset(x, y)
			fn(x, y, p.Pixels.Pix[i:i+4:i+4])
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
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
