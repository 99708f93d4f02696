package mockup

import (
	"errors"
	"fmt"

	"github.com/onnwee/mockup/internal/calibration"
)

// Generation errors. Geometry and lookup failures surface as
// geometry.ErrInvalidGeometry and calibration.ErrNotFound.
var (
	// ErrInvalidRequest is returned when a Request fails validation.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrCreativeFrameCountMismatch is returned when several creatives are
	// supplied and their count differs from the selected photo's frame count.
	ErrCreativeFrameCountMismatch = errors.New("creative count does not match frame count")

	// ErrUpstreamGeneration is returned when the image generator fails or
	// returns bytes that do not decode as an image.
	ErrUpstreamGeneration = errors.New("image generation failed")

	// ErrCompositing is the sentinel every CompositingError unwraps to.
	ErrCompositing = errors.New("compositing failed")
)

// CompositingError reports an unexpected fault while rendering one frame.
// FrameIndex is -1 when the fault is not tied to a frame, such as an
// undecodable backdrop.
type CompositingError struct {
	Key        calibration.PhotoKey
	FrameIndex int
	Err        error
}

func (e *CompositingError) Error() string {
	if e.FrameIndex < 0 {
		return fmt.Sprintf("compositing %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("compositing %s frame %d: %v", e.Key, e.FrameIndex, e.Err)
}

// Unwrap exposes both ErrCompositing and the underlying cause.
func (e *CompositingError) Unwrap() []error {
	return []error{ErrCompositing, e.Err}
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
