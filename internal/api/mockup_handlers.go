package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/mockup/internal/calibration"
	imgcodec "github.com/onnwee/mockup/internal/image"
	"github.com/onnwee/mockup/internal/mockup"
)

// MaxCreatives bounds the creative files of one generation request.
const MaxCreatives = MaxFramesPerPhoto

// DefaultMaxCreativeBytes bounds one creative file when no limit is configured.
const DefaultMaxCreativeBytes = 15 << 20

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

// MockupGenerator renders generation requests. *mockup.Generator implements it.
type MockupGenerator interface {
	Generate(ctx context.Context, req *mockup.Request) (*mockup.Result, error)
}

// ImageEncoder encodes rendered mockups. *image.Processor implements it.
type ImageEncoder interface {
	Encode(img image.Image) ([]byte, error)
}

// MockupHandlersConfig configures MockupHandlers.
type MockupHandlersConfig struct {
	Generator MockupGenerator
	Encoder   ImageEncoder
	// ContentType is the MIME type produced by Encoder.
	ContentType      string
	MaxCreativeBytes int64
	Logger           *slog.Logger
}

// MockupHandlers serves POST /v1/mockups.
type MockupHandlers struct {
	generator        MockupGenerator
	encoder          ImageEncoder
	contentType      string
	maxCreativeBytes int64
	logger           *slog.Logger
}

// NewMockupHandlers creates the generation handler.
func NewMockupHandlers(cfg MockupHandlersConfig) *MockupHandlers {
	if cfg.MaxCreativeBytes <= 0 {
		cfg.MaxCreativeBytes = DefaultMaxCreativeBytes
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "image/jpeg"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MockupHandlers{
		generator:        cfg.Generator,
		encoder:          cfg.Encoder,
		contentType:      cfg.ContentType,
		maxCreativeBytes: cfg.MaxCreativeBytes,
		logger:           cfg.Logger,
	}
}

// generateForm holds the scalar multipart fields of a generation request.
type generateForm struct {
	LocationKey   string `json:"location_key" validate:"required"`
	VenueType     string `json:"venue_type"`
	TimeOfDay     string `json:"time_of_day"`
	Finish        string `json:"finish"`
	SpecificPhoto string `json:"specific_photo"`
	Variants      int    `json:"variants" validate:"gte=0,lte=8"`
	AIPrompt      string `json:"ai_prompt" validate:"max=4000"`
}

// GeneratedImage is one rendered photo in the response.
type GeneratedImage struct {
	LocationKey string `json:"location_key"`
	TimeOfDay   string `json:"time_of_day"`
	Finish      string `json:"finish"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	// Data is the base64-encoded image.
	Data string `json:"data"`
}

// GenerateResponse is the body of a successful POST /v1/mockups.
type GenerateResponse struct {
	Images []GeneratedImage `json:"images"`
}

// Generate handles POST /v1/mockups. The multipart body carries the
// location and filters, then either repeated "creative" files or an
// "ai_prompt", and optionally "frame_config_override" as a JSON object keyed
// by frame index.
func (h *MockupHandlers) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxCreativeBytes*MaxCreatives + 1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			WriteError(w, ctx, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large")
		case errors.Is(err, http.ErrNotMultipart):
			WriteError(w, ctx, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType, "Expected multipart/form-data")
		default:
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid multipart body: "+err.Error())
		}
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, err := h.parseRequest(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	result, err := h.generator.Generate(ctx, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	resp := GenerateResponse{Images: make([]GeneratedImage, 0, len(result.Outputs))}
	for _, out := range result.Outputs {
		data, err := h.encoder.Encode(out.Image)
		if err != nil {
			writeServiceError(w, r, h.logger, fmt.Errorf("encode %s: %w", out.Key, err))
			return
		}
		b := out.Image.Bounds()
		resp.Images = append(resp.Images, GeneratedImage{
			LocationKey: out.Key.LocationKey,
			TimeOfDay:   string(out.Key.TimeOfDay),
			Finish:      string(out.Key.Finish),
			Filename:    out.Key.Filename,
			ContentType: h.contentType,
			Width:       b.Dx(),
			Height:      b.Dy(),
			Data:        base64.StdEncoding.EncodeToString(data),
		})
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

// parseRequest turns the parsed multipart form into a validated request.
func (h *MockupHandlers) parseRequest(r *http.Request) (*mockup.Request, error) {
	form := generateForm{
		LocationKey:   strings.TrimSpace(r.FormValue("location_key")),
		VenueType:     strings.TrimSpace(r.FormValue("venue_type")),
		TimeOfDay:     r.FormValue("time_of_day"),
		Finish:        r.FormValue("finish"),
		SpecificPhoto: r.FormValue("specific_photo"),
		AIPrompt:      strings.TrimSpace(r.FormValue("ai_prompt")),
	}
	if v := strings.TrimSpace(r.FormValue("variants")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "variants must be an integer, got %q", v)
		}
		form.Variants = n
	}
	if err := validate.Struct(form); err != nil {
		return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "%s", validationMessage(err))
	}
	if form.VenueType != "" {
		h.logger.DebugContext(r.Context(), "venue_type ignored", slog.String("venue_type", form.VenueType))
	}

	overrides, err := parseFrameOverrides(r.FormValue("frame_config_override"))
	if err != nil {
		return nil, err
	}

	files := r.MultipartForm.File["creative"]
	if len(files) > MaxCreatives {
		return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "at most %d creatives are allowed, got %d", MaxCreatives, len(files))
	}
	creatives := make([]image.Image, 0, len(files))
	for i, fh := range files {
		img, err := h.readCreative(fh)
		if err != nil {
			return nil, fmt.Errorf("creative %d (%s): %w", i, fh.Filename, err)
		}
		creatives = append(creatives, img)
	}

	return mockup.NewRequest(mockup.Request{
		LocationKey: form.LocationKey,
		Filters: mockup.Filters{
			TimeOfDay:     form.TimeOfDay,
			Finish:        form.Finish,
			SpecificPhoto: form.SpecificPhoto,
		},
		Creatives:      creatives,
		Prompt:         form.AIPrompt,
		FrameOverrides: overrides,
		Variants:       form.Variants,
	})
}

// readCreative checks the size and sniffed type of an uploaded creative and
// decodes it.
func (h *MockupHandlers) readCreative(fh *multipart.FileHeader) (image.Image, error) {
	if fh.Size > h.maxCreativeBytes {
		return nil, newRequestError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			"creative %s exceeds %d bytes", fh.Filename, h.maxCreativeBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxCreativeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > h.maxCreativeBytes {
		return nil, newRequestError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			"creative %s exceeds %d bytes", fh.Filename, h.maxCreativeBytes)
	}
	if ct := http.DetectContentType(data); !acceptedImageTypes[ct] {
		return nil, newRequestError(http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType,
			"creative %s has unsupported type %s", fh.Filename, ct)
	}
	img, _, err := imgcodec.Decode(data)
	if err != nil {
		return nil, newRequestError(http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType,
			"creative %s could not be decoded", fh.Filename)
	}
	return img, nil
}

// parseFrameOverrides decodes {"<frame index>": {...FrameConfig}}.
func parseFrameOverrides(raw string) (map[int]calibration.FrameConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var byKey map[string]calibration.FrameConfig
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&byKey); err != nil {
		return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "frame_config_override is not a valid JSON object: %v", err)
	}
	out := make(map[int]calibration.FrameConfig, len(byKey))
	for k, cfg := range byKey {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "frame_config_override key %q is not a frame index", k)
		}
		out[i] = cfg
	}
	return out, nil
}
