package materials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a material id does not exist.
var ErrNotFound = errors.New("material not found")

// Material is a source document. The platform's CRUD layer owns these
// rows; this package only reads them to drive chunking and to resolve
// titles for context formatting.
type Material struct {
	ID          string
	Title       string
	Content     string
	ContentType string
	UpdatedAt   time.Time
}

// Store is the source-document interface the pipeline and formatter
// consume.
type Store interface {
	Get(ctx context.Context, id string) (*Material, error)
	ListModifiedSince(ctx context.Context, since *time.Time, limit int) ([]Material, error)
	Title(ctx context.Context, id string) (string, error)
	Count(ctx context.Context) (int, error)
}

// PostgresStore reads the materials table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Material, error) {
	var m Material
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, content, content_type, updated_at FROM materials WHERE id = $1`, id).
		Scan(&m.ID, &m.Title, &m.Content, &m.ContentType, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading material %s: %w", id, err)
	}
	return &m, nil
}

// ListModifiedSince returns materials ordered by most recently updated,
// optionally restricted to those modified after since.
func (s *PostgresStore) ListModifiedSince(ctx context.Context, since *time.Time, limit int) ([]Material, error) {
	query := `SELECT id, title, content, content_type, updated_at FROM materials`
	args := []any{}
	if since != nil {
		query += ` WHERE updated_at > $1`
		args = append(args, *since)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing materials: %w", err)
	}
	defer rows.Close()

	var out []Material
	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.ID, &m.Title, &m.Content, &m.ContentType, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning material: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Title(ctx context.Context, id string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM materials WHERE id = $1`, id).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("loading title for material %s: %w", id, err)
	}
	return title, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM materials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting materials: %w", err)
	}
	return n, nil
}
