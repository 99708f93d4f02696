package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestNewPhoto(t *testing.T) {
	p, err := NewPhoto(testPNG(t, 32, 24), "")
	if err != nil {
		t.Fatalf("NewPhoto() error: %v", err)
	}
	if p.Width != 32 || p.Height != 24 {
		t.Errorf("dimensions = %dx%d, want 32x24", p.Width, p.Height)
	}
	if p.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", p.ContentType)
	}

	if _, err := NewPhoto([]byte("garbage"), "image/png"); !errors.Is(err, ErrInvalidPhoto) {
		t.Errorf("NewPhoto(garbage) error = %v, want ErrInvalidPhoto", err)
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"downtown/day/gold/front.jpg", false},
		{"", true},
		{"/abs/path.jpg", true},
		{"../escape.jpg", true},
		{"a/../../b.jpg", true},
		{"a//b.jpg", true},
		{`a\b.jpg`, true},
	}
	for _, tt := range tests {
		_, err := cleanKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("cleanKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("cleanKey(%q) error = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

func TestDirStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() error: %v", err)
	}

	key := "downtown/day/gold/front.png"
	if _, err := s.Fetch(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch() before Put error = %v, want ErrNotFound", err)
	}

	data := testPNG(t, 16, 9)
	if err := s.Put(ctx, key, data, "image/png"); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	p, err := s.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if !bytes.Equal(p.Data, data) || p.Width != 16 || p.Height != 9 {
		t.Errorf("Fetch() = %dx%d (%d bytes), want 16x9 (%d bytes)", p.Width, p.Height, len(p.Data), len(data))
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestDirStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() error: %v", err)
	}
	if err := s.Put(context.Background(), "../outside.png", []byte("x"), ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Put() error = %v, want ErrInvalidKey", err)
	}
}

// mockS3 is an in-memory S3API.
type mockS3 struct {
	objects map[string][]byte
	types   map[string]string
	getErr  error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	ct := m.types[*in.Key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data)), ContentType: &ct}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	m.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	s, err := NewS3StoreWithClient(mock, S3Config{BucketName: "mockups"})
	if err != nil {
		t.Fatalf("NewS3StoreWithClient() error: %v", err)
	}

	key := "downtown/night/black/side.png"
	data := testPNG(t, 20, 10)
	if err := s.Put(ctx, key, data, "image/png"); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if _, ok := mock.objects["photos/"+key]; !ok {
		t.Fatalf("object not stored under prefixed key, have %v", mock.objects)
	}

	p, err := s.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if p.Width != 20 || p.Height != 10 || p.ContentType != "image/png" {
		t.Errorf("Fetch() = %dx%d %s", p.Width, p.Height, p.ContentType)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Fetch(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() of missing error = %v, want ErrNotFound", err)
	}
	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}
}

func TestS3Store_FetchPropagatesErrors(t *testing.T) {
	mock := newMockS3()
	mock.getErr = fmt.Errorf("connection reset")
	s, err := NewS3StoreWithClient(mock, S3Config{BucketName: "mockups"})
	if err != nil {
		t.Fatalf("NewS3StoreWithClient() error: %v", err)
	}
	_, err = s.Fetch(context.Background(), "a/day/gold/x.png")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Fetch() error = %v, want a non-NotFound error", err)
	}
}

func TestS3Store_PutRejectsOversize(t *testing.T) {
	s, err := NewS3StoreWithClient(newMockS3(), S3Config{BucketName: "mockups", MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewS3StoreWithClient() error: %v", err)
	}
	big := make([]byte, 1024*1024+1)
	if err := s.Put(context.Background(), "a/day/gold/x.png", big, "image/png"); !errors.Is(err, ErrInvalidPhoto) {
		t.Errorf("Put() error = %v, want ErrInvalidPhoto", err)
	}
}

func TestNewS3Store_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3Config
	}{
		{"missing bucket", S3Config{AccessKeyID: "a", SecretAccessKey: "b", Endpoint: "https://x"}},
		{"missing access key", S3Config{BucketName: "b", SecretAccessKey: "b", Endpoint: "https://x"}},
		{"missing secret", S3Config{BucketName: "b", AccessKeyID: "a", Endpoint: "https://x"}},
		{"missing endpoint", S3Config{BucketName: "b", AccessKeyID: "a", SecretAccessKey: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewS3Store(tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}

	if _, err := NewS3Store(S3Config{BucketName: "b", AccessKeyID: "a", SecretAccessKey: "s", Endpoint: "https://r2.example.com"}); err != nil {
		t.Errorf("valid config error: %v", err)
	}
}
