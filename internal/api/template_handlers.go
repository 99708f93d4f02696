package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/geometry"
)

// MaxFramesPerPhoto bounds the frame list of one calibration save.
const MaxFramesPerPhoto = 32

// DefaultMaxPhotoBytes bounds decoded photo uploads when no limit is configured.
const DefaultMaxPhotoBytes = 25 << 20

// acceptedImageTypes are the MIME types accepted for photos and creatives.
var acceptedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// TemplateStore is the calibration store used by the handlers.
// *calibration.Store implements it.
type TemplateStore interface {
	Save(ctx context.Context, key calibration.PhotoKey, frames []calibration.Frame, photo *calibration.PhotoUpload) (*calibration.Template, error)
	Get(ctx context.Context, key calibration.PhotoKey) (*calibration.Template, error)
	List(ctx context.Context, locationKey string, f calibration.Filter) ([]*calibration.Template, error)
	Delete(ctx context.Context, key calibration.PhotoKey) error
}

// PhotoSanitizer re-encodes uploaded photos without metadata.
// *image.Processor implements it.
type PhotoSanitizer interface {
	Sanitize(data []byte) ([]byte, error)
}

// TemplateHandlersConfig configures TemplateHandlers.
type TemplateHandlersConfig struct {
	Store TemplateStore
	// Sanitizer is optional; when nil photos are stored as uploaded.
	Sanitizer     PhotoSanitizer
	MaxPhotoBytes int64
	Logger        *slog.Logger
}

// TemplateHandlers serves the calibration endpoints used by the
// calibration UI.
type TemplateHandlers struct {
	store         TemplateStore
	sanitizer     PhotoSanitizer
	maxPhotoBytes int64
	logger        *slog.Logger
}

// NewTemplateHandlers creates the calibration handlers.
func NewTemplateHandlers(cfg TemplateHandlersConfig) *TemplateHandlers {
	if cfg.MaxPhotoBytes <= 0 {
		cfg.MaxPhotoBytes = DefaultMaxPhotoBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TemplateHandlers{
		store:         cfg.Store,
		sanitizer:     cfg.Sanitizer,
		maxPhotoBytes: cfg.MaxPhotoBytes,
		logger:        cfg.Logger,
	}
}

// frameDTO is the wire form of a frame. Points are [x, y] pairs in
// TL, TR, BR, BL order.
type frameDTO struct {
	Points       [][]float64             `json:"points" validate:"len=4,dive,len=2"`
	BlurStrength float64                 `json:"blur_strength" validate:"gte=0"`
	Config       calibration.FrameConfig `json:"config"`
}

// saveTemplateRequest is the body of PUT /v1/templates/....
type saveTemplateRequest struct {
	Frames           []frameDTO `json:"frames" validate:"required,min=1,max=32,dive"`
	PhotoBase64      string     `json:"photo_base64,omitempty"`
	PhotoContentType string     `json:"photo_content_type,omitempty" validate:"required_with=PhotoBase64"`
}

// TemplateResponse is the wire form of a stored template.
type TemplateResponse struct {
	LocationKey string     `json:"location_key"`
	TimeOfDay   string     `json:"time_of_day"`
	Finish      string     `json:"finish"`
	Filename    string     `json:"filename"`
	Frames      []frameDTO `json:"frames"`
	PhotoWidth  int        `json:"photo_width"`
	PhotoHeight int        `json:"photo_height"`
	UpdatedAt   time.Time  `json:"updated_at"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
}

// TemplateListResponse is the body of GET /v1/locations/{location}/templates.
type TemplateListResponse struct {
	LocationKey string             `json:"location_key"`
	Templates   []TemplateResponse `json:"templates"`
}

func newTemplateResponse(t *calibration.Template) TemplateResponse {
	frames := make([]frameDTO, len(t.Frames))
	for i, f := range t.Frames {
		pts := make([][]float64, len(f.Points))
		for j, p := range f.Points {
			pts[j] = []float64{p.X, p.Y}
		}
		frames[i] = frameDTO{Points: pts, BlurStrength: f.BlurStrength, Config: f.Config}
	}
	return TemplateResponse{
		LocationKey: t.Key.LocationKey,
		TimeOfDay:   string(t.Key.TimeOfDay),
		Finish:      string(t.Key.Finish),
		Filename:    t.Key.Filename,
		Frames:      frames,
		PhotoWidth:  t.PhotoWidth,
		PhotoHeight: t.PhotoHeight,
		UpdatedAt:   t.UpdatedAt,
		UpdatedBy:   t.UpdatedBy,
	}
}

func (f frameDTO) toFrame() (calibration.Frame, error) {
	var q geometry.Quad
	for i, p := range f.Points {
		q[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	if err := f.Config.Validate(); err != nil {
		return calibration.Frame{}, err
	}
	return calibration.Frame{Points: q, BlurStrength: f.BlurStrength, Config: f.Config}, nil
}

// photoKey reads the photo key from the request path.
func photoKey(r *http.Request) (calibration.PhotoKey, error) {
	return calibration.NewPhotoKey(
		r.PathValue("location"),
		r.PathValue("time_of_day"),
		r.PathValue("finish"),
		r.PathValue("filename"),
	)
}

// SaveTemplate handles PUT /v1/templates/{location}/{time_of_day}/{finish}/{filename}.
// The frame list replaces any stored one; an optional base64 photo is
// uploaded first and bounds the frames.
func (h *TemplateHandlers) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	key, err := photoKey(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	// base64 inflates by 4/3; leave room for the frame list.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPhotoBytes*4/3 + 1<<20)
	var req saveTemplateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large")
			return
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, validationMessage(err))
		return
	}

	frames := make([]calibration.Frame, len(req.Frames))
	for i, f := range req.Frames {
		frame, err := f.toFrame()
		if err != nil {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("frames[%d].config: %v", i, err))
			return
		}
		frames[i] = frame
	}

	var upload *calibration.PhotoUpload
	if req.PhotoBase64 != "" {
		upload, err = h.decodePhoto(req.PhotoBase64, req.PhotoContentType)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
	}

	t, err := h.store.Save(r.Context(), key, frames, upload)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newTemplateResponse(t))
}

func (h *TemplateHandlers) decodePhoto(b64, contentType string) (*calibration.PhotoUpload, error) {
	if !acceptedImageTypes[contentType] {
		return nil, newRequestError(http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType,
			"photo_content_type %q is not supported", contentType)
	}
	if int64(base64.StdEncoding.DecodedLen(len(b64))) > h.maxPhotoBytes+2 {
		return nil, newRequestError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			"photo exceeds %d bytes", h.maxPhotoBytes)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, newRequestError(http.StatusBadRequest, ErrCodeValidation, "photo_base64 is not valid base64")
	}
	if int64(len(data)) > h.maxPhotoBytes {
		return nil, newRequestError(http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			"photo exceeds %d bytes", h.maxPhotoBytes)
	}
	if h.sanitizer != nil {
		if data, err = h.sanitizer.Sanitize(data); err != nil {
			return nil, newRequestError(http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType, "photo could not be decoded")
		}
	}
	return &calibration.PhotoUpload{Data: data, ContentType: contentType}, nil
}

// GetTemplate handles GET /v1/templates/{location}/{time_of_day}/{finish}/{filename}.
func (h *TemplateHandlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	key, err := photoKey(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	t, err := h.store.Get(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, newTemplateResponse(t))
}

// DeleteTemplate handles DELETE /v1/templates/{location}/{time_of_day}/{finish}/{filename}.
func (h *TemplateHandlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	key, err := photoKey(r)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplates handles GET /v1/locations/{location}/templates with
// optional time_of_day and finish query filters ("all" or empty matches any).
func (h *TemplateHandlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	loc, err := calibration.NormalizeLocationKey(r.PathValue("location"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	q := r.URL.Query()
	filter := calibration.Filter{TimeOfDay: q.Get("time_of_day"), Finish: q.Get("finish")}

	templates, err := h.store.List(r.Context(), loc, filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	resp := TemplateListResponse{LocationKey: loc, Templates: make([]TemplateResponse, len(templates))}
	for i, t := range templates {
		resp.Templates[i] = newTemplateResponse(t)
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}
