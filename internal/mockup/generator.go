package mockup

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/composite"
	"github.com/onnwee/mockup/internal/finish"
	"github.com/onnwee/mockup/internal/geometry"
	imgcodec "github.com/onnwee/mockup/internal/image"
	"github.com/onnwee/mockup/internal/storage"
	"github.com/onnwee/mockup/internal/tracing"
)

// TemplateSource provides calibrated templates and their photos.
// *calibration.Store implements it.
type TemplateSource interface {
	List(ctx context.Context, locationKey string, f calibration.Filter) ([]*calibration.Template, error)
	Photo(ctx context.Context, t *calibration.Template) (*storage.Photo, error)
}

// ImageGenerator turns a text prompt into encoded image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// Output is one rendered photo. Image is owned by the caller.
type Output struct {
	Key   calibration.PhotoKey
	Image *image.NRGBA
}

// Result holds one Output per selected photo, in selection order.
type Result struct {
	Outputs []Output
}

// Config holds Generator collaborators.
type Config struct {
	Templates TemplateSource

	// Images is optional; prompt requests fail with ErrUpstreamGeneration
	// when it is nil.
	Images   ImageGenerator
	Adjustor *finish.Adjustor
	Finish   finish.Defaults
	Chooser  Chooser
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Generator renders creatives onto calibrated photos. It holds no
// per-request state and is safe for concurrent use as long as its Chooser
// is.
type Generator struct {
	templates TemplateSource
	images    ImageGenerator
	adjustor  *finish.Adjustor
	defaults  finish.Defaults
	chooser   Chooser
	metrics   *Metrics
	logger    *slog.Logger
}

// NewGenerator creates a Generator. Templates is required.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Templates == nil {
		return nil, errors.New("template source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Adjustor == nil {
		cfg.Adjustor = finish.NewAdjustor(cfg.Logger, nil)
	}
	if cfg.Chooser == nil {
		cfg.Chooser = RandomChooser{}
	}
	if errs := cfg.Finish.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("finish defaults: %w", errors.Join(errs...))
	}
	return &Generator{
		templates: cfg.Templates,
		images:    cfg.Images,
		adjustor:  cfg.Adjustor,
		defaults:  cfg.Finish,
		chooser:   cfg.Chooser,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}, nil
}

// Generate resolves req to photos and creatives and renders every frame.
// Any failure aborts the whole request; partial results are never returned.
func (g *Generator) Generate(ctx context.Context, req *Request) (_ *Result, err error) {
	start := time.Now()
	ctx, endSpan := tracing.StartSpan(ctx, "mockup.generate")
	defer func() {
		endSpan(err)
		outcome := Outcome(err)
		if g.metrics != nil {
			g.metrics.ObserveGeneration(outcome, time.Since(start).Seconds())
		}
		if err != nil {
			g.logger.WarnContext(ctx, "generation failed",
				slog.String("location_key", req.LocationKey),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()))
		}
	}()

	r := *req
	if err := r.normalize(); err != nil {
		return nil, err
	}

	templates, err := g.resolvePhotos(ctx, &r)
	if err != nil {
		return nil, err
	}

	creatives, err := g.resolveCreatives(ctx, &r)
	if err != nil {
		return nil, err
	}

	if len(creatives) > 1 {
		for _, t := range templates {
			if len(creatives) != len(t.Frames) {
				return nil, fmt.Errorf("%w: %d creatives for %d frames of %s",
					ErrCreativeFrameCountMismatch, len(creatives), len(t.Frames), t.Key)
			}
		}
	}

	outputs := make([]Output, len(templates))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, t := range templates {
		eg.Go(func() error {
			img, err := g.render(egCtx, &r, t, creatives)
			if err != nil {
				return err
			}
			outputs[i] = Output{Key: t.Key, Image: img}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "mockup generated",
		slog.String("location_key", r.LocationKey),
		slog.Int("photos", len(outputs)),
		slog.Int("creatives", len(creatives)),
		slog.Duration("duration", time.Since(start)))
	return &Result{Outputs: outputs}, nil
}

// resolvePhotos selects the templates to render: the exact filename when a
// specific photo is requested, otherwise Variants distinct random matches.
func (g *Generator) resolvePhotos(ctx context.Context, r *Request) (_ []*calibration.Template, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "mockup.resolve_photos")
	defer func() { endSpan(err) }()

	filter := calibration.Filter{TimeOfDay: r.Filters.TimeOfDay, Finish: r.Filters.Finish}
	candidates, err := g.templates.List(ctx, r.LocationKey, filter)
	if err != nil {
		return nil, err
	}

	if sp := r.Filters.SpecificPhoto; sp != "" {
		for _, t := range candidates {
			if t.Key.Filename == sp {
				return []*calibration.Template{t}, nil
			}
		}
		return nil, fmt.Errorf("%w: photo %q for location %s", calibration.ErrNotFound, sp, r.LocationKey)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no calibrated photos for location %s matching time_of_day=%q finish=%q",
			calibration.ErrNotFound, r.LocationKey, r.Filters.TimeOfDay, r.Filters.Finish)
	}

	idx := g.chooser.Choose(len(candidates), r.Variants)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: chooser selected no photo", ErrCompositing)
	}
	selected := make([]*calibration.Template, 0, len(idx))
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(candidates) || seen[i] {
			return nil, fmt.Errorf("%w: chooser returned invalid index %d", ErrCompositing, i)
		}
		seen[i] = true
		selected = append(selected, candidates[i])
	}

	tracing.SetAttributes(ctx, attribute.Int("mockup.photos", len(selected)))
	return selected, nil
}

// resolveCreatives returns the supplied creatives, or the decoded output of
// the image generator for a prompt request.
func (g *Generator) resolveCreatives(ctx context.Context, r *Request) (_ []image.Image, err error) {
	if len(r.Creatives) > 0 {
		return r.Creatives, nil
	}

	ctx, endSpan := tracing.StartSpan(ctx, "mockup.generate_creative")
	defer func() {
		endSpan(err)
		if g.metrics != nil {
			status := "success"
			if err != nil {
				status = "failure"
			}
			g.metrics.IncPrompt(status)
		}
	}()

	if g.images == nil {
		return nil, fmt.Errorf("%w: no image generator configured", ErrUpstreamGeneration)
	}
	data, err := g.images.Generate(ctx, r.Prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamGeneration, err)
	}
	img, _, err := imgcodec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: generated image: %v", ErrUpstreamGeneration, err)
	}
	return []image.Image{img}, nil
}

// render composites every frame of t into a private copy of its photo.
func (g *Generator) render(ctx context.Context, r *Request, t *calibration.Template, creatives []image.Image) (_ *image.NRGBA, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "mockup.render")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("mockup.photo_key", t.Key.String()),
		attribute.Int("mockup.frames", len(t.Frames)))

	frame := -1
	defer func() {
		if rec := recover(); rec != nil {
			err = &CompositingError{Key: t.Key, FrameIndex: frame, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	photo, err := g.templates.Photo(ctx, t)
	if err != nil {
		if errors.Is(err, calibration.ErrNotFound) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &CompositingError{Key: t.Key, FrameIndex: -1, Err: err}
	}
	backdrop, _, err := imgcodec.Decode(photo.Data)
	if err != nil {
		return nil, &CompositingError{Key: t.Key, FrameIndex: -1, Err: err}
	}
	b := backdrop.Bounds()
	if b.Dx() != t.PhotoWidth || b.Dy() != t.PhotoHeight {
		return nil, fmt.Errorf("%w: %s was calibrated at %dx%d but the photo is %dx%d",
			geometry.ErrInvalidGeometry, t.Key, t.PhotoWidth, t.PhotoHeight, b.Dx(), b.Dy())
	}

	canvas := composite.NewCanvas(backdrop)
	for i, f := range t.Frames {
		frame = i
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := f.ValidateWithin(t.PhotoWidth, t.PhotoHeight); err != nil {
			return nil, fmt.Errorf("%s frame %d: %w", t.Key, i, err)
		}

		creative := creatives[0]
		if len(creatives) > 1 {
			creative = creatives[i]
		}

		patch, err := composite.Warp(creative, f.Points, canvas.Bounds())
		if err != nil {
			if errors.Is(err, geometry.ErrInvalidGeometry) {
				return nil, fmt.Errorf("%s frame %d: %w", t.Key, i, err)
			}
			return nil, &CompositingError{Key: t.Key, FrameIndex: i, Err: err}
		}

		f.Config = r.frameConfig(i, f.Config)
		params := g.defaults.Resolve(f, t.Key.Finish)
		if skipped := g.adjustor.Apply(ctx, patch, backdrop, f.Points, params); len(skipped) > 0 {
			tracing.AddEvent(ctx, "finish_fallback",
				attribute.Int("mockup.frame", i),
				attribute.StringSlice("mockup.stages", skipped))
		}

		composite.Blend(canvas, patch)
		if g.metrics != nil {
			g.metrics.IncFrames()
		}
	}
	return canvas, nil
}
