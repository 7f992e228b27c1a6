package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"edu-rag/internal/materials"
	"edu-rag/internal/vectorstore"
	"edu-rag/services/embed"
)

const (
	// DefaultBatchSize bounds one embedding-provider call.
	DefaultBatchSize = 50
	// DefaultBatchDelay spaces provider calls to respect rate limits.
	DefaultBatchDelay = 500 * time.Millisecond
	// DefaultInterval is how often the scheduled pipeline runs.
	DefaultInterval = 24 * time.Hour
)

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ChunkStore is the slice of the vector store the pipeline writes
// through.
type ChunkStore interface {
	EnsureVectorCapability(ctx context.Context) error
	ReplaceChunks(ctx context.Context, materialID string, texts []string) ([]vectorstore.ContentChunk, error)
	DeleteChunksByDocument(ctx context.Context, materialID string) error
	UpsertEmbeddingsBatch(ctx context.Context, batch []vectorstore.ChunkEmbedding) error
	ChunkCoverage(ctx context.Context, materialID string) (total, embedded int, newest sql.NullTime, err error)
	ChunksMissingEmbeddings(ctx context.Context, limit int) ([]vectorstore.ContentChunk, error)
	Stats(ctx context.Context) (vectorstore.ChunkStats, error)
}

// Service keeps the vector store's embedding coverage current as
// source materials are created, edited, or deleted.
type Service struct {
	Materials  materials.Store
	Chunks     ChunkStore
	Embedder   Embedder
	Chunker    *embed.Chunker
	BatchSize  int
	BatchDelay time.Duration

	metrics Metrics
}

// NewService wires the pipeline with default batching parameters.
func NewService(mats materials.Store, chunks ChunkStore, embedder Embedder) *Service {
	return &Service{
		Materials:  mats,
		Chunks:     chunks,
		Embedder:   embedder,
		Chunker:    embed.NewChunker(),
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
	}
}

// MaterialsNeedingEmbeddings returns materials whose chunks are
// missing, stale, or incompletely embedded. A material needs processing
// if it has no chunks at all, if any chunk lacks an embedding, or if it
// was modified after its newest chunk was created.
func (s *Service) MaterialsNeedingEmbeddings(ctx context.Context, limit int, modifiedSince *time.Time) ([]materials.Material, error) {
	candidates, err := s.Materials.ListModifiedSince(ctx, modifiedSince, limit)
	if err != nil {
		return nil, fmt.Errorf("listing candidate materials: %w", err)
	}

	var needed []materials.Material
	for _, m := range candidates {
		total, embedded, newest, err := s.Chunks.ChunkCoverage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case total == 0:
			needed = append(needed, m)
		case embedded < total:
			needed = append(needed, m)
		case newest.Valid && m.UpdatedAt.After(newest.Time):
			needed = append(needed, m)
		}
	}
	return needed, nil
}

// ProcessMaterial re-chunks one material and embeds the result in
// batches. Stale chunks are always replaced first. A batch that fails
// aborts the material: earlier batches' writes are kept, and the
// unembedded chunks are picked up by a later run or by BackfillPending.
func (s *Service) ProcessMaterial(ctx context.Context, materialID string) error {
	start := time.Now()
	log := logrus.WithField("material_id", materialID)
	log.Info("processing material for embeddings")

	mat, err := s.Materials.Get(ctx, materialID)
	if err != nil {
		s.metrics.MaterialsFailed++
		return err
	}

	var texts []string
	if isMarkdown(mat) {
		texts = s.Chunker.ChunkMarkdown(mat.Content)
	} else {
		texts = s.Chunker.ChunkText(mat.Content)
	}

	if len(texts) == 0 {
		// Empty content: drop any chunks left over from a previous
		// version so nothing orphaned persists.
		if err := s.Chunks.DeleteChunksByDocument(ctx, materialID); err != nil {
			s.metrics.MaterialsFailed++
			return err
		}
		log.Warn("material has no content to chunk")
		s.metrics.MaterialsProcessed++
		return nil
	}

	chunks, err := s.Chunks.ReplaceChunks(ctx, materialID, texts)
	if err != nil {
		s.metrics.MaterialsFailed++
		return err
	}
	log.WithField("chunk_count", len(chunks)).Info("material chunked")

	for offset := 0; offset < len(chunks); offset += s.BatchSize {
		end := offset + s.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[offset:end]

		if err := s.embedBatch(ctx, batch); err != nil {
			// Earlier batches' writes are kept; the remaining chunks
			// stay pending and are picked up by a later run or
			// backfill.
			s.metrics.FailedEmbeddings += len(batch)
			s.metrics.MaterialsFailed++
			log.WithError(err).WithField("batch_offset", offset).Error("embedding batch failed")
			return fmt.Errorf("material %s: embedding batch at offset %d failed: %w", materialID, offset, err)
		}

		if end < len(chunks) {
			select {
			case <-time.After(s.BatchDelay):
			case <-ctx.Done():
				s.metrics.MaterialsFailed++
				return ctx.Err()
			}
		}
	}

	s.metrics.MaterialsProcessed++
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).
		Info("material processing completed")
	return nil
}

// embedBatch embeds one batch of chunks and writes the vectors in a
// single transaction.
func (s *Service) embedBatch(ctx context.Context, batch []vectorstore.ContentChunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, err := s.Embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return err
	}

	writes := make([]vectorstore.ChunkEmbedding, len(batch))
	for i, c := range batch {
		writes[i] = vectorstore.ChunkEmbedding{ChunkID: c.ID, Vector: vectors[i]}
	}
	if err := s.Chunks.UpsertEmbeddingsBatch(ctx, writes); err != nil {
		return err
	}

	s.metrics.EmbeddingsGenerated += len(batch)
	s.metrics.ChunksProcessed += len(batch)
	for _, c := range batch {
		s.metrics.TotalTokens += estimateTokens(c.Content)
	}
	return nil
}

// estimateTokens approximates token usage as four tokens per word.
func estimateTokens(text string) int {
	return len(strings.Fields(text)) * 4
}

// RemoveMaterial deletes a source document's chunks, for use when the
// document itself is deleted upstream.
func (s *Service) RemoveMaterial(ctx context.Context, materialID string) error {
	return s.Chunks.DeleteChunksByDocument(ctx, materialID)
}

// Run executes one full pipeline pass: reset metrics, verify the vector
// store, find materials needing work and process them sequentially.
// A single material's failure is recorded and does not abort the run;
// only setup failures are fatal.
func (s *Service) Run(ctx context.Context, limit int, modifiedSince *time.Time) (RunResult, error) {
	start := time.Now()
	s.metrics.reset()
	logrus.Info("starting embedding pipeline run")

	if err := s.Chunks.EnsureVectorCapability(ctx); err != nil {
		return RunResult{}, err
	}

	needed, err := s.MaterialsNeedingEmbeddings(ctx, limit, modifiedSince)
	if err != nil {
		return RunResult{}, err
	}
	logrus.WithField("material_count", len(needed)).Info("materials needing embeddings")

	for _, m := range needed {
		if err := s.ProcessMaterial(ctx, m.ID); err != nil {
			if ctx.Err() != nil {
				return RunResult{}, ctx.Err()
			}
			logrus.WithError(err).WithField("material_id", m.ID).
				Error("material processing failed, continuing run")
		}
	}

	s.metrics.ProcessingTime = time.Since(start)
	s.metrics.LastRun = time.Now().UTC()

	result := RunResult{
		MaterialsProcessed:  s.metrics.MaterialsProcessed,
		MaterialsFailed:     s.metrics.MaterialsFailed,
		ChunksProcessed:     s.metrics.ChunksProcessed,
		EmbeddingsGenerated: s.metrics.EmbeddingsGenerated,
		FailedEmbeddings:    s.metrics.FailedEmbeddings,
		TotalTokens:         s.metrics.TotalTokens,
		ElapsedSeconds:      s.metrics.ProcessingTime.Seconds(),
		Timestamp:           s.metrics.LastRun,
	}
	logrus.WithFields(logrus.Fields{
		"materials_processed":  result.MaterialsProcessed,
		"materials_failed":     result.MaterialsFailed,
		"embeddings_generated": result.EmbeddingsGenerated,
		"failed_embeddings":    result.FailedEmbeddings,
		"elapsed":              s.metrics.ProcessingTime.Round(time.Millisecond),
	}).Info("embedding pipeline run completed")
	return result, nil
}

// BackfillPending embeds chunks whose embedding is still null without
// re-chunking their materials, capped at limit.
func (s *Service) BackfillPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.Chunks.ChunksMissingEmbeddings(ctx, limit)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for offset := 0; offset < len(pending); offset += s.BatchSize {
		end := offset + s.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[offset:end]
		if err := s.embedBatch(ctx, batch); err != nil {
			s.metrics.FailedEmbeddings += len(batch)
			logrus.WithError(err).Error("backfill batch failed")
			continue
		}
		embedded += len(batch)

		if end < len(pending) {
			select {
			case <-time.After(s.BatchDelay):
			case <-ctx.Done():
				return embedded, ctx.Err()
			}
		}
	}
	return embedded, nil
}

// RunScheduled runs the pipeline in a loop until ctx is cancelled. An
// iteration's failure is logged and does not terminate the loop.
func (s *Service) RunScheduled(ctx context.Context, interval time.Duration, limit int) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	logrus.WithField("interval", interval).Info("scheduling embedding pipeline")

	for {
		if _, err := s.Run(ctx, limit, nil); err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("scheduled pipeline run failed")
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// Stats reports embedding coverage for operational visibility.
func (s *Service) Stats(ctx context.Context) (StatsResult, error) {
	totalMaterials, err := s.Materials.Count(ctx)
	if err != nil {
		return StatsResult{}, err
	}
	chunkStats, err := s.Chunks.Stats(ctx)
	if err != nil {
		return StatsResult{}, err
	}

	result := StatsResult{
		TotalMaterials:             totalMaterials,
		TotalChunks:                chunkStats.TotalChunks,
		ChunksWithEmbeddings:       chunkStats.ChunksWithEmbeddings,
		ChunksWithoutEmbeddings:    chunkStats.TotalChunks - chunkStats.ChunksWithEmbeddings,
		MaterialsFullyEmbedded:     chunkStats.MaterialsFullyEmbedded,
		MaterialsPartiallyEmbedded: chunkStats.MaterialsPartiallyEmbedded,
	}
	if chunkStats.TotalChunks > 0 {
		result.CoveragePercent = float64(chunkStats.ChunksWithEmbeddings) / float64(chunkStats.TotalChunks) * 100
	}
	if !s.metrics.LastRun.IsZero() {
		lastRun := s.metrics.LastRun
		result.LastRun = &lastRun
	}
	return result, nil
}

func isMarkdown(m *materials.Material) bool {
	if strings.EqualFold(m.ContentType, "markdown") {
		return true
	}
	return strings.HasSuffix(strings.ToLower(m.Title), ".md")
}
