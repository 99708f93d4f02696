package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/mockup/internal/storage"
	"github.com/onnwee/mockup/internal/tracing"
)

// ErrNoFrames is returned when a save carries an empty frame list.
var ErrNoFrames = errors.New("template requires at least one frame")

// PhotoUpload carries photo bytes supplied alongside a calibration save.
type PhotoUpload struct {
	Data        []byte
	ContentType string
}

type actorKey struct{}

// WithActor records the operator performing a calibration write.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the operator recorded by WithActor, or "".
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// StoreConfig holds Store collaborators.
type StoreConfig struct {
	Repository Repository
	Photos     storage.PhotoStore
	Locker     Locker
	Logger     *slog.Logger

	// DeletePhotos removes the photo object when its template is deleted.
	DeletePhotos bool
}

// Store is the Frame Store service. It validates calibration writes,
// serializes them per photo key and delegates persistence to a Repository.
type Store struct {
	repo         Repository
	photos       storage.PhotoStore
	locker       Locker
	logger       *slog.Logger
	deletePhotos bool
	now          func() time.Time
}

// NewStore creates a Store. Repository and Photos are required; Locker
// defaults to an in-process MutexLocker.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Photos == nil {
		return nil, errors.New("photo store is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMutexLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		repo:         cfg.Repository,
		photos:       cfg.Photos,
		locker:       cfg.Locker,
		logger:       cfg.Logger,
		deletePhotos: cfg.DeletePhotos,
		now:          time.Now,
	}, nil
}

// Save validates frames against the photo's dimensions and replaces the
// stored frame list for key. Rejected saves leave prior state untouched.
// Saving the frames already stored for an unchanged photo returns the stored
// template without writing.
func (s *Store) Save(ctx context.Context, key PhotoKey, frames []Frame, photo *PhotoUpload) (_ *Template, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "calibration.save")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("photo_key", key.String()),
		attribute.Int("frame_count", len(frames)))

	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	for i, f := range frames {
		if err := f.Points.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}

	var uploaded *storage.Photo
	if photo != nil {
		uploaded, err = storage.NewPhoto(photo.Data, photo.ContentType)
		if err != nil {
			return nil, err
		}
	}

	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	existing, err := s.repo.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load template %s: %w", key, err)
	}

	width, height, err := s.bounds(ctx, key, existing, uploaded)
	if err != nil {
		return nil, err
	}

	t := &Template{
		Key:         key,
		Frames:      cloneFrames(frames),
		PhotoWidth:  width,
		PhotoHeight: height,
		UpdatedAt:   s.now().UTC(),
		UpdatedBy:   ActorFrom(ctx),
	}
	switch {
	case uploaded != nil:
		t.PhotoObject = versionedObjectKey(key, uploaded.Data)
	case existing != nil:
		t.PhotoObject = existing.PhotoObject
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if existing != nil && existing.ObjectKey() == t.ObjectKey() &&
		existing.PhotoWidth == width && existing.PhotoHeight == height &&
		sameFrames(existing.Frames, t.Frames) {
		s.logger.DebugContext(ctx, "calibration unchanged",
			slog.String("photo_key", key.String()))
		return existing, nil
	}

	// The new photo goes under its own object key; readers of the committed
	// template keep seeing the previous object until Replace succeeds.
	newObject := uploaded != nil && (existing == nil || existing.ObjectKey() != t.ObjectKey())
	if newObject {
		if err := s.photos.Put(ctx, t.PhotoObject, uploaded.Data, uploaded.ContentType); err != nil {
			return nil, fmt.Errorf("upload photo %s: %w", key, err)
		}
	}

	if err := s.repo.Replace(ctx, t); err != nil {
		if newObject {
			s.removeObject(ctx, key, t.PhotoObject)
		}
		return nil, fmt.Errorf("save template %s: %w", key, err)
	}

	// Only objects created by Save are removed; a photo placed under the
	// bare key by an operator is left alone.
	if existing != nil && existing.PhotoObject != "" && existing.PhotoObject != t.PhotoObject {
		s.removeObject(ctx, key, existing.PhotoObject)
	}

	s.logger.InfoContext(ctx, "calibration saved",
		slog.String("photo_key", key.String()),
		slog.Int("frames", len(t.Frames)),
		slog.String("updated_by", t.UpdatedBy))
	return t.Clone(), nil
}

// bounds resolves the pixel dimensions the frames are validated against:
// the uploaded photo, else the existing template, else the stored photo.
func (s *Store) bounds(ctx context.Context, key PhotoKey, existing *Template, uploaded *storage.Photo) (int, int, error) {
	switch {
	case uploaded != nil:
		return uploaded.Width, uploaded.Height, nil
	case existing != nil:
		return existing.PhotoWidth, existing.PhotoHeight, nil
	}

	p, err := s.photos.Fetch(ctx, key.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, 0, fmt.Errorf("%w: photo %s has not been uploaded", ErrNotFound, key)
		}
		return 0, 0, fmt.Errorf("fetch photo %s: %w", key, err)
	}
	return p.Width, p.Height, nil
}

// Get returns the template stored for key.
func (s *Store) Get(ctx context.Context, key PhotoKey) (*Template, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, key)
}

// List returns the templates of a location matching f, ordered by time of
// day, finish and filename.
func (s *Store) List(ctx context.Context, locationKey string, f Filter) ([]*Template, error) {
	loc, err := NormalizeLocationKey(locationKey)
	if err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, loc, f.normalized())
}

// Delete removes the template and every frame it owns.
func (s *Store) Delete(ctx context.Context, key PhotoKey) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "calibration.delete")
	defer func() { endSpan(err) }()

	if err := key.Validate(); err != nil {
		return err
	}

	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	existing, err := s.repo.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return err
	}

	if s.deletePhotos {
		s.removeObject(ctx, key, existing.ObjectKey())
	}

	s.logger.InfoContext(ctx, "calibration deleted",
		slog.String("photo_key", key.String()),
		slog.String("deleted_by", ActorFrom(ctx)))
	return nil
}

// Photo fetches the photo t was calibrated on.
func (s *Store) Photo(ctx context.Context, t *Template) (*storage.Photo, error) {
	p, err := s.photos.Fetch(ctx, t.ObjectKey())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: photo %s", ErrNotFound, t.Key)
		}
		return nil, err
	}
	return p, nil
}

// removeObject deletes a photo object, logging failures. A leftover object is
// unreferenced and harmless.
func (s *Store) removeObject(ctx context.Context, key PhotoKey, object string) {
	if err := s.photos.Delete(ctx, object); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to delete photo object",
			slog.String("photo_key", key.String()),
			slog.String("object", object),
			slog.String("error", err.Error()))
	}
}

func cloneFrames(frames []Frame) []Frame {
	out := make([]Frame, len(frames))
	for i, f := range frames {
		out[i] = f
		out[i].Config = f.Config.clone()
	}
	return out
}
