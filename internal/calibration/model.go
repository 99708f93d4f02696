// Package calibration provides the Frame Store: the persisted description of
// where, inside each structure photo, a creative may be placed.
package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/onnwee/mockup/internal/geometry"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a location, photo or template does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned when a photo key or filter cannot be parsed.
	ErrInvalidKey = errors.New("invalid photo key")
)

// TimeOfDay is the lighting condition a photo was captured under.
type TimeOfDay string

// Supported times of day.
const (
	Day   TimeOfDay = "day"
	Night TimeOfDay = "night"
)

// Finish is the physical bezel colour of a structure.
type Finish string

// Supported finishes.
const (
	Gold   Finish = "gold"
	Silver Finish = "silver"
	Black  Finish = "black"
)

// AnyValue in a filter means "no constraint on this axis".
const AnyValue = "all"

// ParseTimeOfDay parses a case-insensitive time of day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	switch TimeOfDay(strings.ToLower(strings.TrimSpace(s))) {
	case Day:
		return Day, nil
	case Night:
		return Night, nil
	}
	return "", fmt.Errorf("%w: time_of_day %q", ErrInvalidKey, s)
}

// ParseFinish parses a case-insensitive finish.
func ParseFinish(s string) (Finish, error) {
	switch Finish(strings.ToLower(strings.TrimSpace(s))) {
	case Gold:
		return Gold, nil
	case Silver:
		return Silver, nil
	case Black:
		return Black, nil
	}
	return "", fmt.Errorf("%w: finish %q", ErrInvalidKey, s)
}

var locationKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// NormalizeLocationKey lower-cases and validates a structure's location key.
func NormalizeLocationKey(s string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	if !locationKeyPattern.MatchString(k) {
		return "", fmt.Errorf("%w: location_key %q", ErrInvalidKey, s)
	}
	return k, nil
}

// PhotoKey identifies one photograph of a structure.
type PhotoKey struct {
	LocationKey string    `json:"location_key"`
	TimeOfDay   TimeOfDay `json:"time_of_day"`
	Finish      Finish    `json:"finish"`
	Filename    string    `json:"filename"`
}

// NewPhotoKey validates and normalizes the four key components.
func NewPhotoKey(location, timeOfDay, finish, filename string) (PhotoKey, error) {
	loc, err := NormalizeLocationKey(location)
	if err != nil {
		return PhotoKey{}, err
	}
	tod, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return PhotoKey{}, err
	}
	fin, err := ParseFinish(finish)
	if err != nil {
		return PhotoKey{}, err
	}
	k := PhotoKey{LocationKey: loc, TimeOfDay: tod, Finish: fin, Filename: strings.TrimSpace(filename)}
	if err := k.Validate(); err != nil {
		return PhotoKey{}, err
	}
	return k, nil
}

// Validate checks every component of k.
func (k PhotoKey) Validate() error {
	if _, err := NormalizeLocationKey(k.LocationKey); err != nil {
		return err
	}
	if _, err := ParseTimeOfDay(string(k.TimeOfDay)); err != nil {
		return err
	}
	if _, err := ParseFinish(string(k.Finish)); err != nil {
		return err
	}
	f := k.Filename
	if f == "" || f == "." || f == ".." || path.Base(f) != f || strings.ContainsAny(f, `/\`) {
		return fmt.Errorf("%w: filename %q", ErrInvalidKey, f)
	}
	return nil
}

// String renders k as location/time/finish/filename.
func (k PhotoKey) String() string {
	return k.LocationKey + "/" + string(k.TimeOfDay) + "/" + string(k.Finish) + "/" + k.Filename
}

// FrameConfig holds optional per-frame finishing overrides. A nil field
// falls back to the service default.
type FrameConfig struct {
	DepthEnabled  *bool    `json:"depth_enabled,omitempty"`
	DepthStrength *float64 `json:"depth_strength,omitempty"`
	ToneStrength  *float64 `json:"tone_strength,omitempty"`
	TintStrength  *float64 `json:"tint_strength,omitempty"`
}

// Merge returns c with every non-nil field of o applied on top.
func (c FrameConfig) Merge(o FrameConfig) FrameConfig {
	if o.DepthEnabled != nil {
		c.DepthEnabled = o.DepthEnabled
	}
	if o.DepthStrength != nil {
		c.DepthStrength = o.DepthStrength
	}
	if o.ToneStrength != nil {
		c.ToneStrength = o.ToneStrength
	}
	if o.TintStrength != nil {
		c.TintStrength = o.TintStrength
	}
	return c
}

// IsZero reports whether no override is set.
func (c FrameConfig) IsZero() bool {
	return c.DepthEnabled == nil && c.DepthStrength == nil && c.ToneStrength == nil && c.TintStrength == nil
}

// Validate checks that every strength override lies within [0, 1].
func (c FrameConfig) Validate() error {
	for name, v := range map[string]*float64{
		"depth_strength": c.DepthStrength,
		"tone_strength":  c.ToneStrength,
		"tint_strength":  c.TintStrength,
	} {
		if v != nil && (*v < 0 || *v > 1 || *v != *v) {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, *v)
		}
	}
	return nil
}

// Frame is one calibrated placement region inside a photo.
type Frame struct {
	Points       geometry.Quad `json:"points"`
	BlurStrength float64       `json:"blur_strength"`
	Config       FrameConfig   `json:"config"`
}

// ValidateWithin checks the frame's geometry against a width x height photo.
func (f Frame) ValidateWithin(width, height int) error {
	if err := f.Points.ValidateWithin(width, height); err != nil {
		return err
	}
	if f.BlurStrength < 0 || f.BlurStrength != f.BlurStrength {
		return fmt.Errorf("%w: blur_strength must be >= 0, got %v", geometry.ErrInvalidGeometry, f.BlurStrength)
	}
	if err := f.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", geometry.ErrInvalidGeometry, err)
	}
	return nil
}

// Template pairs a photo with its ordered frames. Frame order decides which
// creative lands in which frame when several are supplied.
type Template struct {
	Key         PhotoKey  `json:"key"`
	Frames      []Frame   `json:"frames"`
	PhotoWidth  int       `json:"photo_width"`
	PhotoHeight int       `json:"photo_height"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by,omitempty"`

	// PhotoObject is the storage key of the photo the frames were calibrated
	// on. Empty means the photo lives under Key.String().
	PhotoObject string `json:"photo_object,omitempty"`
}

// ObjectKey returns the storage key of t's photo.
func (t *Template) ObjectKey() string {
	if t.PhotoObject != "" {
		return t.PhotoObject
	}
	return t.Key.String()
}

// versionedObjectKey names an uploaded photo by its content, so a new upload
// never overwrites the object a committed template points at.
func versionedObjectKey(key PhotoKey, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s/%s/%s/%s-%s", key.LocationKey, key.TimeOfDay, key.Finish,
		hex.EncodeToString(sum[:8]), key.Filename)
}

// Validate checks every frame of t against the recorded photo dimensions.
func (t *Template) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return err
	}
	for i, f := range t.Frames {
		if err := f.ValidateWithin(t.PhotoWidth, t.PhotoHeight); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Frames = make([]Frame, len(t.Frames))
	for i, f := range t.Frames {
		c.Frames[i] = f
		c.Frames[i].Config = f.Config.clone()
	}
	return &c
}

func (c FrameConfig) clone() FrameConfig {
	var out FrameConfig
	if c.DepthEnabled != nil {
		v := *c.DepthEnabled
		out.DepthEnabled = &v
	}
	if c.DepthStrength != nil {
		v := *c.DepthStrength
		out.DepthStrength = &v
	}
	if c.ToneStrength != nil {
		v := *c.ToneStrength
		out.ToneStrength = &v
	}
	if c.TintStrength != nil {
		v := *c.TintStrength
		out.TintStrength = &v
	}
	return out
}

// sameFrames reports whether two frame lists are identical.
func sameFrames(a, b []Frame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Points != b[i].Points || a[i].BlurStrength != b[i].BlurStrength {
			return false
		}
		if !sameConfig(a[i].Config, b[i].Config) {
			return false
		}
	}
	return true
}

func sameConfig(a, b FrameConfig) bool {
	return eqBool(a.DepthEnabled, b.DepthEnabled) &&
		eqFloat(a.DepthStrength, b.DepthStrength) &&
		eqFloat(a.ToneStrength, b.ToneStrength) &&
		eqFloat(a.TintStrength, b.TintStrength)
}

func eqBool(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Filter narrows List results. Empty or AnyValue fields are unconstrained.
type Filter struct {
	TimeOfDay string
	Finish    string
}

// Matches reports whether k satisfies f.
func (f Filter) Matches(k PhotoKey) bool {
	if v := strings.ToLower(strings.TrimSpace(f.TimeOfDay)); v != "" && v != AnyValue && v != string(k.TimeOfDay) {
		return false
	}
	if v := strings.ToLower(strings.TrimSpace(f.Finish)); v != "" && v != AnyValue && v != string(k.Finish) {
		return false
	}
	return true
}

// Validate rejects filter values that are neither empty, AnyValue, nor a
// known enum member.
func (f Filter) Validate() error {
	if v := strings.TrimSpace(f.TimeOfDay); v != "" && !strings.EqualFold(v, AnyValue) {
		if _, err := ParseTimeOfDay(v); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(f.Finish); v != "" && !strings.EqualFold(v, AnyValue) {
		if _, err := ParseFinish(v); err != nil {
			return err
		}
	}
	return nil
}

// normalized lower-cases f and maps AnyValue to "".
func (f Filter) normalized() Filter {
	norm := func(v string) string {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == AnyValue {
			return ""
		}
		return v
	}
	return Filter{TimeOfDay: norm(f.TimeOfDay), Finish: norm(f.Finish)}
}

// lessKey orders templates by time of day, finish, then filename.
func lessKey(a, b PhotoKey) bool {
	if a.LocationKey != b.LocationKey {
		return a.LocationKey < b.LocationKey
	}
	if a.TimeOfDay != b.TimeOfDay {
		return a.TimeOfDay < b.TimeOfDay
	}
	if a.Finish != b.Finish {
		return a.Finish < b.Finish
	}
	return a.Filename < b.Filename
}
