package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/mockup/internal/auth"
	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/finish"
	imgcodec "github.com/onnwee/mockup/internal/image"
	"github.com/onnwee/mockup/internal/mockup"
	"github.com/onnwee/mockup/internal/storage"
)

const testSecret = "api-test-secret-32-characters-long!!"

var (
	red   = color.NRGBA{R: 230, G: 20, B: 20, A: 255}
	green = color.NRGBA{R: 20, G: 230, B: 20, A: 255}
	gray  = color.NRGBA{R: 120, G: 120, B: 120, A: 255}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// billboardPoints is the calibrated frame of the 600x450 test photo.
var billboardPoints = [][]float64{{100, 100}, {500, 120}, {480, 400}, {90, 380}}

func first(n, k int) []int {
	out := make([]int, min(n, k))
	for i := range out {
		out[i] = i
	}
	return out
}

// fakeImages is a canned image model.
type fakeImages struct {
	data []byte
	err  error
}

func (f *fakeImages) Generate(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type testServer struct {
	handler http.Handler
	store   *calibration.Store
	photos  *storage.DirStore
	token   string
}

type serverOptions struct {
	images           mockup.ImageGenerator
	maxPhotoBytes    int64
	maxCreativeBytes int64
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	photos, err := storage.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() error: %v", err)
	}
	store, err := calibration.NewStore(calibration.StoreConfig{
		Repository: calibration.NewInMemoryRepository(),
		Photos:     photos,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	gen, err := mockup.NewGenerator(mockup.Config{
		Templates: store,
		Images:    opts.images,
		Adjustor:  finish.NewAdjustor(quietLogger(), nil),
		Finish:    finish.DefaultDefaults(),
		Chooser:   mockup.ChooserFunc(first),
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewGenerator() error: %v", err)
	}

	jwtSvc := auth.NewJWTService(testSecret)
	token, err := jwtSvc.GenerateToken("alice", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}

	processor := imgcodec.NewProcessor(imgcodec.ProcessorConfig{OutputFormat: imgcodec.FormatPNG, Quality: 85})
	router := NewRouter(RouterConfig{
		Templates: NewTemplateHandlers(TemplateHandlersConfig{
			Store:         store,
			MaxPhotoBytes: opts.maxPhotoBytes,
			Logger:        quietLogger(),
		}),
		Mockups: NewMockupHandlers(MockupHandlersConfig{
			Generator:        gen,
			Encoder:          processor,
			ContentType:      processor.Config().ContentType(),
			MaxCreativeBytes: opts.maxCreativeBytes,
			Logger:           quietLogger(),
		}),
		Health:          NewHealthHandlers(HealthHandlersConfig{Logger: quietLogger()}),
		RequireOperator: auth.RequireOperator(jwtSvc, quietLogger()),
	})
	return &testServer{handler: router, store: store, photos: photos, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) authHeader() http.Header {
	return http.Header{
		"Authorization": {"Bearer " + s.token},
		"Content-Type":  {"application/json"},
	}
}

// putTemplate saves a template through the API and returns the response.
func (s *testServer) putTemplate(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return s.do(t, http.MethodPut, path, bytes.NewReader(data), s.authHeader())
}

// seedBillboard stores a gray 600x450 photo with the billboard frame.
func (s *testServer) seedBillboard(t *testing.T, path string) {
	t.Helper()
	rec := s.putTemplate(t, path, map[string]any{
		"frames":             []map[string]any{{"points": billboardPoints, "blur_strength": 8}},
		"photo_base64":       base64.StdEncoding.EncodeToString(encodePNG(t, solid(600, 450, gray))),
		"photo_content_type": "image/png",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed %s: status %d: %s", path, rec.Code, rec.Body.String())
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if got := decodeError(t, rec); got.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", got.Code, code, got.Message)
	}
}
