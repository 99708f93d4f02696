// Package mockup is the generation orchestrator: it resolves a request to
// calibrated photos and creatives, then drives warping, finishing and
// blending for every frame.
package mockup

import (
	"image"
	"path"
	"strings"

	"github.com/onnwee/mockup/internal/calibration"
)

// MaxVariants caps how many distinct photos one request may render.
const MaxVariants = 8

// Filters select candidate photos of a location. Empty or
// calibration.AnyValue fields are unconstrained.
type Filters struct {
	TimeOfDay string
	Finish    string
	// SpecificPhoto, when set, selects the photo with this filename instead
	// of a random one.
	SpecificPhoto string
}

// Request is one generation call. Build it with NewRequest.
type Request struct {
	LocationKey string
	Filters     Filters

	// Exactly one of Creatives and Prompt is set.
	Creatives []image.Image
	Prompt    string

	// FrameOverrides merge over the stored config of the frame at the same
	// index. Indices past a photo's frame count are ignored.
	FrameOverrides map[int]calibration.FrameConfig

	// Variants is the number of distinct photos to render. Zero means one.
	Variants int
}

// NewRequest validates and normalizes r.
func NewRequest(r Request) (*Request, error) {
	if err := r.normalize(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate reports whether r could be produced by NewRequest.
func (r *Request) Validate() error {
	c := *r
	return c.normalize()
}

func (r *Request) normalize() error {
	loc, err := calibration.NormalizeLocationKey(r.LocationKey)
	if err != nil {
		return invalidRequest("%v", err)
	}
	r.LocationKey = loc

	filter := calibration.Filter{TimeOfDay: r.Filters.TimeOfDay, Finish: r.Filters.Finish}
	if err := filter.Validate(); err != nil {
		return invalidRequest("%v", err)
	}
	r.Filters.TimeOfDay = normalizeFilterValue(r.Filters.TimeOfDay)
	r.Filters.Finish = normalizeFilterValue(r.Filters.Finish)

	r.Filters.SpecificPhoto = strings.TrimSpace(r.Filters.SpecificPhoto)
	if sp := r.Filters.SpecificPhoto; sp != "" {
		if sp == "." || sp == ".." || path.Base(sp) != sp || strings.ContainsAny(sp, `/\`) {
			return invalidRequest("specific_photo %q must be a plain filename", sp)
		}
	}

	r.Prompt = strings.TrimSpace(r.Prompt)
	switch {
	case len(r.Creatives) == 0 && r.Prompt == "":
		return invalidRequest("either creatives or a prompt is required")
	case len(r.Creatives) > 0 && r.Prompt != "":
		return invalidRequest("creatives and a prompt are mutually exclusive")
	}
	for i, c := range r.Creatives {
		if c == nil || c.Bounds().Empty() {
			return invalidRequest("creative %d has no pixels", i)
		}
	}

	for i, o := range r.FrameOverrides {
		if i < 0 {
			return invalidRequest("frame override index %d is negative", i)
		}
		if err := o.Validate(); err != nil {
			return invalidRequest("frame override %d: %v", i, err)
		}
	}

	if r.Variants == 0 {
		r.Variants = 1
	}
	if r.Variants < 1 || r.Variants > MaxVariants {
		return invalidRequest("variants must be within [1, %d], got %d", MaxVariants, r.Variants)
	}
	if r.Filters.SpecificPhoto != "" && r.Variants != 1 {
		return invalidRequest("specific_photo selects exactly one photo, got %d variants", r.Variants)
	}
	return nil
}

func normalizeFilterValue(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == calibration.AnyValue {
		return ""
	}
	return v
}

// frameConfig returns the stored config of frame i with any override applied.
func (r *Request) frameConfig(i int, stored calibration.FrameConfig) calibration.FrameConfig {
	if o, ok := r.FrameOverrides[i]; ok {
		return stored.Merge(o)
	}
	return stored
}
