package calibration

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const templateExt = ".cbor"

// FileRepository stores one CBOR document per template under
// root/location/time/finish/filename.cbor. Writes go through a temporary
// file and a rename so readers always see a whole document.
type FileRepository struct {
	root string
	enc  cbor.EncMode
}

// NewFileRepository creates the root directory if needed.
func NewFileRepository(root string) (*FileRepository, error) {
	if root == "" {
		return nil, errors.New("frame store directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame store directory: %w", err)
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	return &FileRepository{root: root, enc: enc}, nil
}

func (r *FileRepository) path(key PhotoKey) string {
	return filepath.Join(r.root, key.LocationKey, string(key.TimeOfDay), string(key.Finish), key.Filename+templateExt)
}

// Get decodes the template stored for key.
func (r *FileRepository) Get(_ context.Context, key PhotoKey) (*Template, error) {
	return r.read(r.path(key))
}

func (r *FileRepository) read(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var t Template
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode template %s: %w", path, err)
	}
	return &t, nil
}

// List walks the location directory and decodes every matching template.
func (r *FileRepository) List(_ context.Context, locationKey string, f Filter) ([]*Template, error) {
	base := filepath.Join(r.root, locationKey)
	var out []*Template

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == base {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), templateExt) {
			return nil
		}
		t, err := r.read(path)
		if err != nil {
			return err
		}
		if t.Key.LocationKey == locationKey && f.Matches(t.Key) {
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key, out[j].Key) })
	return out, nil
}

// Replace encodes t and atomically swaps it into place.
func (r *FileRepository) Replace(_ context.Context, t *Template) error {
	data, err := r.enc.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode template: %w", err)
	}

	path := r.path(t.Key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create template directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write template: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync template: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close template: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

// Delete removes the template document, and with it every frame.
func (r *FileRepository) Delete(_ context.Context, key PhotoKey) error {
	if err := os.Remove(r.path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}
