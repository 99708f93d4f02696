// Package storage fetches and stores structure photos. Keys are the
// location/time/finish/filename paths produced by calibration.PhotoKey.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	imgcodec "github.com/onnwee/mockup/internal/image"
)

// Storage errors.
var (
	ErrNotFound     = errors.New("photo not found")
	ErrInvalidKey   = errors.New("invalid object key")
	ErrInvalidPhoto = errors.New("invalid photo")
)

// Photo is a stored structure photograph with its decoded dimensions.
type Photo struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// PhotoStore is the file storage collaborator.
type PhotoStore interface {
	// Fetch returns the photo stored under key, or ErrNotFound.
	Fetch(ctx context.Context, key string) (*Photo, error)

	// Put stores data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Delete removes the object under key, or returns ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// NewPhoto decodes the dimensions of data and wraps it as a Photo. An empty
// contentType is inferred from the encoded format.
func NewPhoto(data []byte, contentType string) (*Photo, error) {
	w, h, format, err := imgcodec.DecodeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhoto, err)
	}
	if contentType == "" {
		contentType = imgcodec.ContentTypeFor(format)
	}
	return &Photo{Data: data, ContentType: contentType, Width: w, Height: h}, nil
}

// cleanKey rejects keys that could escape the store's namespace.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
