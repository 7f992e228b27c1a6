package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// ErrDimensionMismatch is a fatal configuration error: the provider's
// vector width does not match the embedding column's declared width.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ContentChunk is a bounded slice of a source document's text. A chunk
// with a null embedding is pending backfill.
type ContentChunk struct {
	ID         string
	MaterialID string
	Content    string
	CreatedAt  time.Time
}

// ChunkEmbedding pairs a chunk id with its computed vector for writes.
type ChunkEmbedding struct {
	ChunkID string
	Vector  Vector
}

// Match is one similarity-search hit.
type Match struct {
	ChunkID    string
	MaterialID string
	Content    string
	Similarity float64
}

// ScoredID is a raw hit from an external ANN index, before the chunk
// row is hydrated from Postgres.
type ScoredID struct {
	ChunkID string
	Score   float64
}

// IndexPoint is a vector plus the payload an external index needs for
// filtered search.
type IndexPoint struct {
	ChunkID    string
	MaterialID string
	Vector     Vector
}

// ANNIndex is an optional external approximate-nearest-neighbor index
// mirroring the embedding column. Postgres remains the system of
// record either way.
type ANNIndex interface {
	EnsureCollection(ctx context.Context) error
	UpsertPoints(ctx context.Context, points []IndexPoint) error
	Search(ctx context.Context, vector Vector, threshold float64, limit int, filter Filter) ([]ScoredID, error)
}

// ChunkStats summarizes embedding coverage for operational visibility.
type ChunkStats struct {
	TotalChunks                int
	ChunksWithEmbeddings       int
	MaterialsFullyEmbedded     int
	MaterialsPartiallyEmbedded int
}

// Store persists chunk/embedding rows in Postgres with pgvector and
// runs similarity, keyword and coverage queries against them.
type Store struct {
	db        *sql.DB
	dimension int
	index     ANNIndex
}

// NewStore wraps db. dimension must match the embedding provider's
// output width. index may be nil, in which case similarity search runs
// through pgvector.
func NewStore(db *sql.DB, dimension int, index ANNIndex) *Store {
	return &Store{db: db, dimension: dimension, index: index}
}

// EnsureVectorCapability idempotently enables pgvector, creates the
// content_chunks table and its indexes, and verifies the embedding
// column width. Any failure here is fatal to the pipeline and is not
// retried.
func (s *Store) EnsureVectorCapability(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("cannot enable vector capability: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS content_chunks (
			id          UUID PRIMARY KEY,
			material_id TEXT NOT NULL,
			content     TEXT NOT NULL,
			embedding   vector(%d),
			created_at  TIMESTAMPTZ NOT NULL
		)`, s.dimension)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("creating content_chunks table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS content_chunks_material_id_idx ON content_chunks (material_id)`); err != nil {
		return fmt.Errorf("creating material id index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS content_chunks_embedding_idx
		 ON content_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`); err != nil {
		return fmt.Errorf("creating similarity index: %w", err)
	}

	var columnDim int
	err := s.db.QueryRowContext(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'content_chunks'::regclass AND attname = 'embedding'`).Scan(&columnDim)
	if err != nil {
		return fmt.Errorf("reading embedding column width: %w", err)
	}
	if columnDim != s.dimension {
		return fmt.Errorf("%w: column is vector(%d), provider produces %d values",
			ErrDimensionMismatch, columnDim, s.dimension)
	}

	if s.index != nil {
		if err := s.index.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("ensuring ANN collection: %w", err)
		}
	}

	logrus.WithField("dimension", s.dimension).Info("vector capability ready")
	return nil
}

// ReplaceChunks deletes any existing chunks for a material and inserts
// the new set in one transaction, so stale chunks are never silently
// kept alongside fresh ones. The new chunks have null embeddings.
func (s *Store) ReplaceChunks(ctx context.Context, materialID string, texts []string) ([]ContentChunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM content_chunks WHERE material_id = $1`, materialID); err != nil {
		return nil, fmt.Errorf("deleting stale chunks: %w", err)
	}

	now := time.Now().UTC()
	chunks := make([]ContentChunk, 0, len(texts))
	for _, text := range texts {
		chunk := ContentChunk{
			ID:         uuid.NewString(),
			MaterialID: materialID,
			Content:    text,
			CreatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_chunks (id, material_id, content, created_at) VALUES ($1, $2, $3, $4)`,
			chunk.ID, chunk.MaterialID, chunk.Content, chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("inserting chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing chunk replacement: %w", err)
	}
	return chunks, nil
}

// DeleteChunksByDocument removes all chunks of a deleted source
// document so no orphaned chunks persist.
func (s *Store) DeleteChunksByDocument(ctx context.Context, materialID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM content_chunks WHERE material_id = $1`, materialID); err != nil {
		return fmt.Errorf("deleting chunks for material %s: %w", materialID, err)
	}
	return nil
}

// UpsertEmbedding writes one chunk's vector.
func (s *Store) UpsertEmbedding(ctx context.Context, chunkID string, vector Vector) error {
	return s.UpsertEmbeddingsBatch(ctx, []ChunkEmbedding{{ChunkID: chunkID, Vector: vector}})
}

// UpsertEmbeddingsBatch writes a batch of vectors in one transaction:
// on any failure, no row in the batch is left half-written. When an
// external ANN index is configured the points are mirrored to it after
// the commit; a mirror failure is logged, not fatal, since Postgres
// holds the authoritative copy.
func (s *Store) UpsertEmbeddingsBatch(ctx context.Context, batch []ChunkEmbedding) error {
	if len(batch) == 0 {
		return nil
	}
	for _, e := range batch {
		if len(e.Vector) != s.dimension {
			return fmt.Errorf("%w: chunk %s has %d values, want %d",
				ErrDimensionMismatch, e.ChunkID, len(e.Vector), s.dimension)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range batch {
		if _, err := tx.ExecContext(ctx,
			`UPDATE content_chunks SET embedding = $1 WHERE id = $2`, e.Vector, e.ChunkID); err != nil {
			return fmt.Errorf("writing embedding for chunk %s: %w", e.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing embedding batch: %w", err)
	}

	if s.index != nil {
		if err := s.mirrorToIndex(ctx, batch); err != nil {
			logrus.WithError(err).Warn("failed to mirror embeddings to ANN index")
		}
	}
	return nil
}

func (s *Store) mirrorToIndex(ctx context.Context, batch []ChunkEmbedding) error {
	ids := make([]string, len(batch))
	vectors := make(map[string]Vector, len(batch))
	for i, e := range batch {
		ids[i] = e.ChunkID
		vectors[e.ChunkID] = e.Vector
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, material_id FROM content_chunks WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("loading chunk payloads: %w", err)
	}
	defer rows.Close()

	var points []IndexPoint
	for rows.Next() {
		var id, materialID string
		if err := rows.Scan(&id, &materialID); err != nil {
			return fmt.Errorf("scanning chunk payload: %w", err)
		}
		points = append(points, IndexPoint{ChunkID: id, MaterialID: materialID, Vector: vectors[id]})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return s.index.UpsertPoints(ctx, points)
}

// NearestNeighbors returns chunks ordered by descending similarity,
// excluding anything below threshold and truncated to matchCount. The
// filter narrows the candidate set before the top-matchCount cut.
func (s *Store) NearestNeighbors(ctx context.Context, queryVector Vector, threshold float64, matchCount int, filter Filter) ([]Match, error) {
	if len(queryVector) != s.dimension {
		return nil, fmt.Errorf("%w: query vector has %d values, want %d",
			ErrDimensionMismatch, len(queryVector), s.dimension)
	}

	if s.index != nil {
		return s.searchViaIndex(ctx, queryVector, threshold, matchCount, filter)
	}

	args := []any{queryVector, threshold}
	var b strings.Builder
	b.WriteString(`SELECT id, material_id, content, 1 - (embedding <=> $1) AS similarity
		FROM content_chunks
		WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1) >= $2`)
	if filter != nil {
		clause, err := compileFilter(filter, &args)
		if err != nil {
			return nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
	}
	args = append(args, matchCount)
	fmt.Fprintf(&b, " ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.MaterialID, &m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// searchViaIndex queries the external ANN index for ids and scores,
// then hydrates chunk rows from Postgres preserving the index order.
func (s *Store) searchViaIndex(ctx context.Context, queryVector Vector, threshold float64, matchCount int, filter Filter) ([]Match, error) {
	scored, err := s.index.Search(ctx, queryVector, threshold, matchCount, filter)
	if err != nil {
		return nil, fmt.Errorf("ANN index search: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scored))
	for i, sc := range scored {
		ids[i] = sc.ChunkID
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, material_id, content FROM content_chunks WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("hydrating index hits: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Match, len(scored))
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.MaterialID, &m.Content); err != nil {
			return nil, fmt.Errorf("scanning index hit: %w", err)
		}
		byID[m.ChunkID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(scored))
	for _, sc := range scored {
		m, ok := byID[sc.ChunkID]
		if !ok {
			// Index and Postgres can briefly disagree mid-backfill.
			continue
		}
		m.Similarity = sc.Score
		matches = append(matches, m)
	}
	return matches, nil
}

// ChunksByDocument returns all of a material's chunks in creation
// order, embedded or not.
func (s *Store) ChunksByDocument(ctx context.Context, materialID string) ([]ContentChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, material_id, content, created_at
		 FROM content_chunks WHERE material_id = $1
		 ORDER BY created_at, id`, materialID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks for material %s: %w", materialID, err)
	}
	defer rows.Close()

	var chunks []ContentChunk
	for rows.Next() {
		var c ContentChunk
		if err := rows.Scan(&c.ID, &c.MaterialID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunksMissingEmbeddings returns pending chunks, oldest first, capped
// at limit. The batch pipeline uses this to drive backfill.
func (s *Store) ChunksMissingEmbeddings(ctx context.Context, limit int) ([]ContentChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, material_id, content, created_at
		 FROM content_chunks WHERE embedding IS NULL
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing chunks missing embeddings: %w", err)
	}
	defer rows.Close()

	var chunks []ContentChunk
	for rows.Next() {
		var c ContentChunk
		if err := rows.Scan(&c.ID, &c.MaterialID, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pending chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// KeywordSearch finds chunks whose content contains any of the given
// terms, case-insensitively. Terms are bound as parameters, never
// interpolated into the query text.
func (s *Store) KeywordSearch(ctx context.Context, terms []string, limit int) ([]Match, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(terms)+1)
	conditions := make([]string, 0, len(terms))
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
		conditions = append(conditions, fmt.Sprintf("content ILIKE $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, material_id, content FROM content_chunks WHERE %s LIMIT $%d`,
		strings.Join(conditions, " OR "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ChunkID, &m.MaterialID, &m.Content); err != nil {
			return nil, fmt.Errorf("scanning keyword match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters in a search term.
func escapeLike(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, `%`, `\%`)
	term = strings.ReplaceAll(term, `_`, `\_`)
	return term
}

// ChunkCoverage reports how many chunks a material has, how many are
// embedded, and when the newest chunk was created. The pipeline uses it
// to decide whether a material needs (re)processing.
func (s *Store) ChunkCoverage(ctx context.Context, materialID string) (total, embedded int, newest sql.NullTime, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding), MAX(created_at)
		 FROM content_chunks WHERE material_id = $1`, materialID).
		Scan(&total, &embedded, &newest)
	if err != nil {
		err = fmt.Errorf("reading chunk coverage for material %s: %w", materialID, err)
	}
	return total, embedded, newest, err
}

// Stats returns chunk-level embedding coverage counters.
func (s *Store) Stats(ctx context.Context) (ChunkStats, error) {
	var stats ChunkStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM content_chunks`).
		Scan(&stats.TotalChunks, &stats.ChunksWithEmbeddings)
	if err != nil {
		return ChunkStats{}, fmt.Errorf("counting chunks: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT material_id FROM content_chunks
			GROUP BY material_id
			HAVING COUNT(*) = COUNT(embedding)
		 ) fully`).Scan(&stats.MaterialsFullyEmbedded)
	if err != nil {
		return ChunkStats{}, fmt.Errorf("counting fully embedded materials: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT material_id FROM content_chunks
			GROUP BY material_id
			HAVING COUNT(embedding) > 0 AND COUNT(embedding) < COUNT(*)
		 ) partial`).Scan(&stats.MaterialsPartiallyEmbedded)
	if err != nil {
		return ChunkStats{}, fmt.Errorf("counting partially embedded materials: %w", err)
	}
	return stats, nil
}
