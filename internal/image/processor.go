// Package image decodes uploaded photos and creatives and encodes rendered
// mockups. Encoding and metadata sanitization go through libvips (bimg);
// decoding into pixel buffers uses the Go image decoders.
package image

import (
	"bytes"
	"errors"
	"fmt"
	stdimage "image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/h2non/bimg"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Errors returned by the codec helpers.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrEmptyImage        = errors.New("image has no pixels")
)

// Output formats.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// ProcessorConfig holds configuration for image processing.
type ProcessorConfig struct {
	// Quality for JPEG/WebP encoding (1-100, default: 85)
	Quality int
	// OutputFormat specifies the output format (jpeg, webp, png)
	OutputFormat string
	// StripMetadata removes all EXIF/metadata (default: true)
	StripMetadata bool
	// MaxWidth limits image width (0 = no limit)
	MaxWidth int
	// MaxHeight limits image height (0 = no limit)
	MaxHeight int
}

// DefaultConfig returns sensible defaults for image processing.
func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{
		Quality:       85,
		OutputFormat:  FormatJPEG,
		StripMetadata: true,
	}
}

// Validate checks the output format and quality.
func (c ProcessorConfig) Validate() error {
	if _, err := bimgType(c.OutputFormat); err != nil {
		return err
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be within [1, 100], got %d", c.Quality)
	}
	return nil
}

// ContentType returns the MIME type produced by the configured format.
func (c ProcessorConfig) ContentType() string {
	switch strings.ToLower(c.OutputFormat) {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Processor encodes rendered images and sanitizes uploads.
type Processor struct {
	config ProcessorConfig
}

// NewProcessor creates a new image processor with the given config.
func NewProcessor(config ProcessorConfig) *Processor {
	return &Processor{config: config}
}

// Config returns the processor configuration.
func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Encode renders img in the configured output format.
func (p *Processor) Encode(img stdimage.Image) ([]byte, error) {
	if img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode intermediate png: %w", err)
	}
	if strings.ToLower(p.config.OutputFormat) == FormatPNG && p.config.MaxWidth == 0 && p.config.MaxHeight == 0 {
		return buf.Bytes(), nil
	}
	return ProcessWithConfig(&buf, p.config)
}

// Sanitize re-encodes an uploaded photo in its original format with all
// metadata stripped.
func (p *Processor) Sanitize(data []byte) ([]byte, error) {
	cfg := p.config
	cfg.OutputFormat = ""
	cfg.StripMetadata = true
	cfg.MaxWidth, cfg.MaxHeight = 0, 0
	return ProcessWithConfig(bytes.NewReader(data), cfg)
}

// ProcessWithConfig processes an image with custom configuration.
func ProcessWithConfig(r io.Reader, config ProcessorConfig) ([]byte, error) {
	inputBytes, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input image: %w", err)
	}

	img := bimg.NewImage(inputBytes)
	metadata, err := img.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read image metadata: %w", err)
	}

	options := bimg.Options{
		Quality:       config.Quality,
		StripMetadata: config.StripMetadata,
	}

	if config.OutputFormat == "" {
		options.Type = determineImageType(metadata.Type)
	} else {
		options.Type, err = bimgType(config.OutputFormat)
		if err != nil {
			return nil, err
		}
	}

	if config.MaxWidth > 0 && metadata.Size.Width > config.MaxWidth {
		options.Width = config.MaxWidth
	}
	if config.MaxHeight > 0 && metadata.Size.Height > config.MaxHeight {
		options.Height = config.MaxHeight
	}

	outputBytes, err := img.Process(options)
	if err != nil {
		return nil, fmt.Errorf("failed to process image: %w", err)
	}
	return outputBytes, nil
}

func bimgType(format string) (bimg.ImageType, error) {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return bimg.JPEG, nil
	case FormatWebP:
		return bimg.WEBP, nil
	case FormatPNG:
		return bimg.PNG, nil
	}
	return bimg.UNKNOWN, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// determineImageType maps bimg's string type to bimg.ImageType constant.
func determineImageType(typeStr string) bimg.ImageType {
	switch typeStr {
	case "png":
		return bimg.PNG
	case "webp":
		return bimg.WEBP
	case "gif":
		return bimg.GIF
	default:
		return bimg.JPEG
	}
}

// Decode decodes JPEG, PNG, GIF or WebP bytes into an NRGBA buffer with its
// origin at (0, 0).
func Decode(data []byte) (*stdimage.NRGBA, string, error) {
	src, format, err := stdimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, format, ErrEmptyImage
	}
	if n, ok := src.(*stdimage.NRGBA); ok && b.Min == (stdimage.Point{}) {
		return n, format, nil
	}
	return imaging.Clone(src), format, nil
}

// DecodeConfig returns the pixel dimensions and format of encoded image
// bytes without decoding the pixels.
func DecodeConfig(data []byte) (width, height int, format string, err error) {
	cfg, format, err := stdimage.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, format, ErrEmptyImage
	}
	return cfg.Width, cfg.Height, format, nil
}

// ContentTypeFor maps a decoder format name to its MIME type.
func ContentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// VerifyNoEXIF reports whether imageBytes carries no identifying EXIF fields.
func VerifyNoEXIF(imageBytes []byte) (bool, error) {
	metadata, err := bimg.NewImage(imageBytes).Metadata()
	if err != nil {
		return false, fmt.Errorf("failed to read image metadata: %w", err)
	}
	exif := metadata.EXIF
	hasEXIF := exif.Make != "" || exif.Model != "" ||
		exif.GPSLatitude != "" || exif.GPSLongitude != "" ||
		exif.DateTimeOriginal != "" || exif.Software != ""
	return !hasEXIF, nil
}
