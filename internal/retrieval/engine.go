package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"edu-rag/internal/vectorstore"
)

const (
	// DefaultSimilarityThreshold is the minimum score for a vector
	// match to count as relevant.
	DefaultSimilarityThreshold = 0.7
	// DefaultMatchCount is the per-query result cap.
	DefaultMatchCount = 5
	// maxContextChunks caps merged hybrid/multi-query result sets.
	maxContextChunks = 10
	// keywordSimilarity is assigned to keyword-only hits, which carry
	// no vector score of their own.
	keywordSimilarity = 0.5
	// minKeywordLength filters out short, low-signal query terms.
	minKeywordLength = 3
	// maxSubQueries bounds query decomposition.
	maxSubQueries = 3
)

// Provenance tags for merged results.
const (
	SourceVector  = "vector"
	SourceKeyword = "keyword"
)

// Result is one retrieved context passage. Results are transient and
// never persisted.
type Result struct {
	ChunkID      string  `json:"id"`
	MaterialID   string  `json:"materialId"`
	Content      string  `json:"content"`
	Similarity   float64 `json:"similarity"`
	Source       string  `json:"source,omitempty"`
	Personalized bool    `json:"personalized,omitempty"`
}

// QueryEmbedder embeds a query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Searcher is the slice of the vector store the engine reads through.
type Searcher interface {
	NearestNeighbors(ctx context.Context, queryVector vectorstore.Vector, threshold float64, matchCount int, filter vectorstore.Filter) ([]vectorstore.Match, error)
	KeywordSearch(ctx context.Context, terms []string, limit int) ([]vectorstore.Match, error)
	ChunksByDocument(ctx context.Context, materialID string) ([]vectorstore.ContentChunk, error)
}

// Completer is the language-model capability used for query
// decomposition.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Reranker adjusts result ordering with per-user signals.
type Reranker interface {
	Rerank(ctx context.Context, results []Result, userID string) []Result
}

// Engine produces ranked, deduplicated context for a query. It holds no
// state between calls.
type Engine struct {
	Embedder  QueryEmbedder
	Searcher  Searcher
	Completer Completer
	Reranker  Reranker // optional
	Formatter *Formatter
}

// Retrieve embeds the query and runs a single vector search. A
// threshold of 0 admits every match; matchCount <= 0 falls back to the
// default.
func (e *Engine) Retrieve(ctx context.Context, query string, threshold float64, matchCount int, filter vectorstore.Filter) ([]Result, error) {
	if matchCount <= 0 {
		matchCount = DefaultMatchCount
	}

	vec, err := e.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := e.Searcher.NearestNeighbors(ctx, vec, threshold, matchCount, filter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{
			ChunkID:    m.ChunkID,
			MaterialID: m.MaterialID,
			Content:    m.Content,
			Similarity: m.Similarity,
			Source:     SourceVector,
		}
	}
	return results, nil
}

// RetrieveHybrid runs vector and keyword retrieval concurrently and
// merges them: on a duplicate chunk id the vector result wins, keyword
// hits get a default similarity, and the merged set is sorted by
// similarity and capped. If one strategy fails the other's results are
// still returned.
func (e *Engine) RetrieveHybrid(ctx context.Context, query string, matchCount int) ([]Result, error) {
	if matchCount <= 0 {
		matchCount = DefaultMatchCount
	}

	var (
		wg                    sync.WaitGroup
		vectorResults         []Result
		keywordMatches        []vectorstore.Match
		vectorErr, keywordErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorResults, vectorErr = e.Retrieve(ctx, query, DefaultSimilarityThreshold, matchCount, nil)
	}()
	go func() {
		defer wg.Done()
		keywordMatches, keywordErr = e.Searcher.KeywordSearch(ctx, keywordTerms(query), matchCount)
	}()
	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("hybrid retrieval failed: vector: %v; keyword: %v", vectorErr, keywordErr)
	}
	if vectorErr != nil {
		logrus.WithError(vectorErr).Warn("vector search failed, returning keyword-only results")
	}
	if keywordErr != nil {
		logrus.WithError(keywordErr).Warn("keyword search failed, returning vector-only results")
	}

	seen := make(map[string]struct{}, len(vectorResults)+len(keywordMatches))
	merged := make([]Result, 0, len(vectorResults)+len(keywordMatches))
	for _, r := range vectorResults {
		if _, dup := seen[r.ChunkID]; dup {
			continue
		}
		seen[r.ChunkID] = struct{}{}
		merged = append(merged, r)
	}
	for _, m := range keywordMatches {
		if _, dup := seen[m.ChunkID]; dup {
			continue
		}
		seen[m.ChunkID] = struct{}{}
		merged = append(merged, Result{
			ChunkID:    m.ChunkID,
			MaterialID: m.MaterialID,
			Content:    m.Content,
			Similarity: keywordSimilarity,
			Source:     SourceKeyword,
		})
	}

	sortBySimilarity(merged)
	return cap10(merged), nil
}

// DecomposeQuery asks the completion provider for up to three simpler
// sub-questions. Decomposition is best-effort: any failure yields an
// empty list, never an error.
func (e *Engine) DecomposeQuery(ctx context.Context, query string) []string {
	const systemPrompt = `You are an AI assistant that helps break down complex questions into simpler sub-questions.
Your task is to analyze the main question and generate 2-3 simpler sub-questions that would help answer the main question.
Only generate sub-questions that are directly relevant to answering the main question.
Return ONLY the sub-questions, one per line, with no additional text or explanation.`

	userPrompt := fmt.Sprintf("Main question: %s\n\nGenerate 2-3 sub-questions:", query)

	response, err := e.Completer.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		logrus.WithError(err).Warn("query decomposition failed")
		return nil
	}

	var subQueries []string
	for _, line := range strings.Split(response, "\n") {
		line = stripListPrefix(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		subQueries = append(subQueries, line)
		if len(subQueries) == maxSubQueries {
			break
		}
	}
	return subQueries
}

// RetrieveMultiQuery fans out the main query and each sub-query
// concurrently, then merges in priority order: on a duplicate chunk id
// the main query's version wins, then each sub-query's in order. The
// merged set is sorted by similarity and capped.
func (e *Engine) RetrieveMultiQuery(ctx context.Context, mainQuery string, subQueries []string, matchCount int) ([]Result, error) {
	if matchCount <= 0 {
		matchCount = DefaultMatchCount
	}

	queries := append([]string{mainQuery}, subQueries...)
	perQuery := make([][]Result, len(queries))
	errs := make([]error, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			perQuery[i], errs[i] = e.Retrieve(ctx, q, DefaultSimilarityThreshold, matchCount, nil)
		}(i, q)
	}
	wg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			logrus.WithError(err).WithField("query", queries[i]).Warn("sub-query retrieval failed")
		}
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("multi-query retrieval failed for all %d queries: %w", len(queries), errs[0])
	}

	// Merge in priority order so the main query's scoring survives id
	// collisions with sub-queries.
	seen := make(map[string]struct{})
	var merged []Result
	for _, results := range perQuery {
		for _, r := range results {
			if _, dup := seen[r.ChunkID]; dup {
				continue
			}
			seen[r.ChunkID] = struct{}{}
			merged = append(merged, r)
		}
	}

	sortBySimilarity(merged)
	return cap10(merged), nil
}

// sampleContentLength bounds the content preview on a related
// material.
const sampleContentLength = 100

// RelatedMaterial is one source document ranked by its best chunk hit.
type RelatedMaterial struct {
	MaterialID    string  `json:"materialId"`
	Similarity    float64 `json:"similarity"`
	SampleContent string  `json:"sampleContent"`
}

// RelatedMaterials finds source documents related to a query by
// aggregating chunk hits per material: each material keeps its best
// chunk's similarity and a short content sample, ranked best first.
func (e *Engine) RelatedMaterials(ctx context.Context, query string, maxMaterials int) ([]RelatedMaterial, error) {
	if maxMaterials <= 0 {
		maxMaterials = DefaultMatchCount
	}

	// Over-fetch chunks so enough distinct materials survive the
	// per-material grouping.
	results, err := e.Retrieve(ctx, query, DefaultSimilarityThreshold, maxMaterials*2, nil)
	if err != nil {
		return nil, err
	}

	best := make(map[string]RelatedMaterial, len(results))
	for _, r := range results {
		if cur, ok := best[r.MaterialID]; ok && cur.Similarity >= r.Similarity {
			continue
		}
		best[r.MaterialID] = RelatedMaterial{
			MaterialID:    r.MaterialID,
			Similarity:    r.Similarity,
			SampleContent: sampleContent(r.Content),
		}
	}

	related := make([]RelatedMaterial, 0, len(best))
	for _, m := range best {
		related = append(related, m)
	}
	sort.SliceStable(related, func(i, j int) bool {
		return related[i].Similarity > related[j].Similarity
	})
	if len(related) > maxMaterials {
		related = related[:maxMaterials]
	}
	return related, nil
}

func sampleContent(content string) string {
	if len(content) <= sampleContentLength {
		return content
	}
	return content[:sampleContentLength] + "..."
}

// ErrNoMaterialContext marks a material with no stored chunks, which is
// indistinguishable at this layer from a material that does not exist.
var ErrNoMaterialContext = errors.New("material has no chunks")

// ContextChunk is one chunk of a material's stored content, without
// retrieval scoring.
type ContextChunk struct {
	ChunkID string `json:"id"`
	Content string `json:"content"`
}

// MaterialContextResult is a material's full chunked content with its
// display title.
type MaterialContextResult struct {
	MaterialID string         `json:"materialId"`
	Title      string         `json:"title"`
	Chunks     []ContextChunk `json:"chunks"`
}

// MaterialContext returns all of a material's chunks in storage order,
// for callers assembling context around a known material rather than a
// query. Returns ErrNoMaterialContext when the material has no chunks.
func (e *Engine) MaterialContext(ctx context.Context, materialID string) (MaterialContextResult, error) {
	chunks, err := e.Searcher.ChunksByDocument(ctx, materialID)
	if err != nil {
		return MaterialContextResult{}, fmt.Errorf("loading chunks for material %s: %w", materialID, err)
	}
	if len(chunks) == 0 {
		return MaterialContextResult{}, fmt.Errorf("%w: %s", ErrNoMaterialContext, materialID)
	}

	result := MaterialContextResult{MaterialID: materialID, Title: unknownTitle}
	if e.Formatter != nil && e.Formatter.Titles != nil {
		if title, err := e.Formatter.Titles.Title(ctx, materialID); err == nil && title != "" {
			result.Title = title
		}
	}
	for _, c := range chunks {
		result.Chunks = append(result.Chunks, ContextChunk{ChunkID: c.ID, Content: c.Content})
	}
	return result, nil
}

// complexIndicators are phrases that mark a question as needing
// decomposition into sub-queries.
var complexIndicators = []string{
	"compare", "contrast", "difference", "similarities", "advantages",
	"disadvantages", "pros and cons", "explain how", "why does",
	"how does", "what are the steps", "what is the relationship",
	"how would you", "analyze", "evaluate",
}

// IsComplexQuery reports whether a question warrants multi-query
// decomposition: long questions, multiple question marks, or
// comparative/analytical phrasing.
func (e *Engine) IsComplexQuery(query string) bool {
	if len(strings.Fields(query)) > 15 {
		return true
	}
	if strings.Count(query, "?") > 1 {
		return true
	}
	lower := strings.ToLower(query)
	for _, indicator := range complexIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// ContextResult is the consumer-facing outcome of ContextForQuestion.
// HasContext lets the answer-generation layer adjust its confidence
// when no context was found.
type ContextResult struct {
	Context    string   `json:"context"`
	Results    []Result `json:"chunks"`
	HasContext bool     `json:"hasContext"`
}

// ContextForQuestion routes a question to multi-query retrieval when it
// is complex, hybrid retrieval otherwise, optionally re-ranks for the
// user, and formats the outcome for prompt assembly.
func (e *Engine) ContextForQuestion(ctx context.Context, question, userID string) (ContextResult, error) {
	var (
		results []Result
		err     error
	)
	if e.IsComplexQuery(question) {
		subQueries := e.DecomposeQuery(ctx, question)
		results, err = e.RetrieveMultiQuery(ctx, question, subQueries, DefaultMatchCount)
	} else {
		results, err = e.RetrieveHybrid(ctx, question, DefaultMatchCount)
	}
	if err != nil {
		return ContextResult{}, err
	}

	if userID != "" && e.Reranker != nil {
		results = e.Reranker.Rerank(ctx, results, userID)
	}

	formatted := e.Formatter.Format(ctx, results)
	return ContextResult{
		Context:    formatted,
		Results:    results,
		HasContext: formatted != "",
	}, nil
}

// keywordTerms extracts lowercase query terms longer than
// minKeywordLength characters, with surrounding punctuation trimmed.
func keywordTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		term := strings.Trim(field, `.,;:!?"'()`)
		if len(term) > minKeywordLength {
			terms = append(terms, term)
		}
	}
	return terms
}

func stripListPrefix(line string) string {
	line = strings.TrimLeft(line, "-*0123456789")
	line = strings.TrimLeft(line, ".) ")
	return strings.TrimSpace(line)
}

func sortBySimilarity(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
}

func cap10(results []Result) []Result {
	if len(results) > maxContextChunks {
		return results[:maxContextChunks]
	}
	return results
}
