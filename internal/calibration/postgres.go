package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/mockup/internal/geometry"
	"github.com/onnwee/mockup/internal/tracing"
)

// PostgresRepository stores templates in calibration_templates and
// calibration_frames.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a Postgres-backed repository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// A single statement sees one snapshot, so a concurrent Replace is observed
// either entirely or not at all.
const selectTemplatesQuery = `
	SELECT t.location_key, t.time_of_day, t.finish, t.filename,
	       t.photo_width, t.photo_height, t.photo_object, t.updated_at, t.updated_by,
	       f.position, f.points, f.blur_strength, f.config
	FROM calibration_templates t
	LEFT JOIN calibration_frames f ON f.template_id = t.id
`

// Get loads one template with its frames.
func (r *PostgresRepository) Get(ctx context.Context, key PhotoKey) (_ *Template, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "calibration_templates", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, selectTemplatesQuery+`
		WHERE t.location_key = $1 AND t.time_of_day = $2 AND t.finish = $3 AND t.filename = $4
		ORDER BY f.position
	`, key.LocationKey, string(key.TimeOfDay), string(key.Finish), key.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to query template: %w", err)
	}
	defer rows.Close()

	templates, err := scanTemplates(rows)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, ErrNotFound
	}
	return templates[0], nil
}

// List loads every matching template of a location. f must be normalized.
func (r *PostgresRepository) List(ctx context.Context, locationKey string, f Filter) (_ []*Template, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "calibration_templates", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx, selectTemplatesQuery+`
		WHERE t.location_key = $1
		  AND ($2 = '' OR t.time_of_day = $2)
		  AND ($3 = '' OR t.finish = $3)
		ORDER BY t.time_of_day, t.finish, t.filename, f.position
	`, locationKey, f.TimeOfDay, f.Finish)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	return scanTemplates(rows)
}

// Replace upserts the template row and rewrites its frames in one
// transaction. A transaction-scoped advisory lock on the key serializes
// writers across replicas.
func (r *PostgresRepository) Replace(ctx context.Context, t *Template) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "calibration_templates", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		r.logger.Error("failed to begin transaction",
			slog.String("error", err.Error()),
			slog.String("photo_key", t.Key.String()))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.Key.String()); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	var templateID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO calibration_templates
			(id, location_key, time_of_day, finish, filename, photo_width, photo_height, photo_object, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (location_key, time_of_day, finish, filename) DO UPDATE SET
			photo_width = EXCLUDED.photo_width,
			photo_height = EXCLUDED.photo_height,
			photo_object = EXCLUDED.photo_object,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by
		RETURNING id
	`, uuid.New().String(), t.Key.LocationKey, string(t.Key.TimeOfDay), string(t.Key.Finish), t.Key.Filename,
		t.PhotoWidth, t.PhotoHeight, t.PhotoObject, t.UpdatedAt, t.UpdatedBy).Scan(&templateID)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM calibration_frames WHERE template_id = $1`, templateID); err != nil {
		return fmt.Errorf("failed to clear frames: %w", err)
	}

	for i, f := range t.Frames {
		config, err := json.Marshal(f.Config)
		if err != nil {
			return fmt.Errorf("failed to encode frame %d config: %w", i, err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO calibration_frames (template_id, position, points, blur_strength, config)
			VALUES ($1, $2, $3, $4, $5)
		`, templateID, i, pq.Array(flattenQuad(f.Points)), f.BlurStrength, string(config)); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		r.logger.Error("failed to commit transaction",
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("template replaced",
		slog.String("template_id", templateID),
		slog.String("photo_key", t.Key.String()),
		slog.Int("frames", len(t.Frames)))
	return nil
}

// Delete removes the template row; frames go with it through ON DELETE CASCADE.
func (r *PostgresRepository) Delete(ctx context.Context, key PhotoKey) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "calibration_templates", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM calibration_templates
		WHERE location_key = $1 AND time_of_day = $2 AND finish = $3 AND filename = $4
	`, key.LocationKey, string(key.TimeOfDay), string(key.Finish), key.Filename)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTemplates(rows *sql.Rows) ([]*Template, error) {
	var (
		out  []*Template
		last *Template
	)
	for rows.Next() {
		var (
			key       PhotoKey
			tod, fin  string
			width     int
			height    int
			object    string
			updatedAt time.Time
			updatedBy string
			position  sql.NullInt64
			points    []float64
			blur      sql.NullFloat64
			config    []byte
		)
		if err := rows.Scan(&key.LocationKey, &tod, &fin, &key.Filename,
			&width, &height, &object, &updatedAt, &updatedBy,
			&position, pq.Array(&points), &blur, &config); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		key.TimeOfDay = TimeOfDay(tod)
		key.Finish = Finish(fin)

		if last == nil || last.Key != key {
			last = &Template{
				Key:         key,
				PhotoWidth:  width,
				PhotoHeight: height,
				PhotoObject: object,
				UpdatedAt:   updatedAt.UTC(),
				UpdatedBy:   updatedBy,
			}
			out = append(out, last)
		}
		if !position.Valid {
			continue
		}

		q, err := unflattenQuad(points)
		if err != nil {
			return nil, fmt.Errorf("template %s frame %d: %w", key, position.Int64, err)
		}
		f := Frame{Points: q, BlurStrength: blur.Float64}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &f.Config); err != nil {
				return nil, fmt.Errorf("template %s frame %d config: %w", key, position.Int64, err)
			}
		}
		last.Frames = append(last.Frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate templates: %w", err)
	}
	return out, nil
}

func flattenQuad(q geometry.Quad) []float64 {
	out := make([]float64, 0, 8)
	for _, p := range q {
		out = append(out, p.X, p.Y)
	}
	return out
}

func unflattenQuad(v []float64) (geometry.Quad, error) {
	var q geometry.Quad
	if len(v) != 8 {
		return q, fmt.Errorf("expected 8 coordinates, got %d", len(v))
	}
	for i := range q {
		q[i] = geometry.Point{X: v[2*i], Y: v[2*i+1]}
	}
	return q, nil
}
