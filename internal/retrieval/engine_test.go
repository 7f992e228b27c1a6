package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edu-rag/internal/vectorstore"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeSearcher returns canned matches and records keyword search calls.
type fakeSearcher struct {
	vectorMatches  []vectorstore.Match
	vectorErr      error
	keywordMatches []vectorstore.Match
	keywordErr     error
	keywordCalls   [][]string
	chunksByDoc    map[string][]vectorstore.ContentChunk
	chunksErr      error
}

func (f *fakeSearcher) NearestNeighbors(_ context.Context, _ vectorstore.Vector, _ float64, _ int, _ vectorstore.Filter) ([]vectorstore.Match, error) {
	return f.vectorMatches, f.vectorErr
}

func (f *fakeSearcher) KeywordSearch(_ context.Context, terms []string, _ int) ([]vectorstore.Match, error) {
	f.keywordCalls = append(f.keywordCalls, terms)
	return f.keywordMatches, f.keywordErr
}

func (f *fakeSearcher) ChunksByDocument(_ context.Context, materialID string) ([]vectorstore.ContentChunk, error) {
	if f.chunksErr != nil {
		return nil, f.chunksErr
	}
	return f.chunksByDoc[materialID], nil
}

type fakeCompleter struct {
	response string
	err      error
}

func (f *fakeCompleter) Complete(_ context.Context, _, _ string) (string, error) {
	return f.response, f.err
}

func match(id, materialID string, similarity float64) vectorstore.Match {
	return vectorstore.Match{ChunkID: id, MaterialID: materialID, Content: "content " + id, Similarity: similarity}
}

func newTestEngine(s *fakeSearcher, c *fakeCompleter) *Engine {
	return &Engine{
		Embedder:  &fakeEmbedder{},
		Searcher:  s,
		Completer: c,
		Formatter: &Formatter{},
	}
}

func TestRetrieve_TagsVectorSource(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.Retrieve(context.Background(), "what is mitosis", 0.7, 5, nil)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, SourceVector, results[0].Source)
	assert.Equal(t, 0.9, results[0].Similarity)
}

func TestRetrieve_EmbedderErrorPropagates(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})
	e.Embedder = &fakeEmbedder{err: errors.New("provider down")}

	_, err := e.Retrieve(context.Background(), "q", 0.7, 5, nil)
	assert.ErrorContains(t, err, "embedding query")
}

func TestRetrieveHybrid_VectorWinsOnDuplicate(t *testing.T) {
	s := &fakeSearcher{
		vectorMatches:  []vectorstore.Match{match("c1", "m1", 0.9), match("c2", "m1", 0.8)},
		keywordMatches: []vectorstore.Match{match("c2", "m1", 0), match("c3", "m2", 0)},
	}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.RetrieveHybrid(context.Background(), "mitosis stages", 5)

	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.ChunkID] = r
	}
	assert.Equal(t, SourceVector, byID["c2"].Source)
	assert.Equal(t, 0.8, byID["c2"].Similarity)
	assert.Equal(t, SourceKeyword, byID["c3"].Source)
	assert.Equal(t, keywordSimilarity, byID["c3"].Similarity)
}

func TestRetrieveHybrid_SortedBySimilarity(t *testing.T) {
	s := &fakeSearcher{
		vectorMatches:  []vectorstore.Match{match("low", "m1", 0.45)},
		keywordMatches: []vectorstore.Match{match("kw", "m2", 0)},
	}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.RetrieveHybrid(context.Background(), "query terms", 5)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "kw", results[0].ChunkID)
	assert.Equal(t, "low", results[1].ChunkID)
}

func TestRetrieveHybrid_DegradesToKeywordOnly(t *testing.T) {
	e := newTestEngine(&fakeSearcher{
		keywordMatches: []vectorstore.Match{match("c1", "m1", 0)},
	}, &fakeCompleter{})
	e.Embedder = &fakeEmbedder{err: errors.New("provider down")}

	results, err := e.RetrieveHybrid(context.Background(), "query terms", 5)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SourceKeyword, results[0].Source)
}

func TestRetrieveHybrid_DegradesToVectorOnly(t *testing.T) {
	s := &fakeSearcher{
		vectorMatches: []vectorstore.Match{match("c1", "m1", 0.85)},
		keywordErr:    errors.New("db gone"),
	}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.RetrieveHybrid(context.Background(), "query terms", 5)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, SourceVector, results[0].Source)
}

func TestRetrieveHybrid_BothFail(t *testing.T) {
	s := &fakeSearcher{keywordErr: errors.New("db gone")}
	e := newTestEngine(s, &fakeCompleter{})
	e.Embedder = &fakeEmbedder{err: errors.New("provider down")}

	_, err := e.RetrieveHybrid(context.Background(), "query terms", 5)
	assert.ErrorContains(t, err, "hybrid retrieval failed")
}

func TestRetrieveHybrid_CapsAtTen(t *testing.T) {
	var vec, kw []vectorstore.Match
	for i := 0; i < 8; i++ {
		vec = append(vec, match(fmt.Sprintf("v%d", i), "m1", 0.9))
		kw = append(kw, match(fmt.Sprintf("k%d", i), "m2", 0))
	}
	s := &fakeSearcher{vectorMatches: vec, keywordMatches: kw}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.RetrieveHybrid(context.Background(), "query terms", 8)

	require.NoError(t, err)
	assert.Len(t, results, 10)
}

func TestDecomposeQuery_ParsesLines(t *testing.T) {
	c := &fakeCompleter{response: "1. What is mitosis?\n2. What is meiosis?\n\n- How do they differ?\n4. extra question"}
	e := newTestEngine(&fakeSearcher{}, c)

	subs := e.DecomposeQuery(context.Background(), "compare mitosis and meiosis")

	require.Len(t, subs, 3)
	assert.Equal(t, "What is mitosis?", subs[0])
	assert.Equal(t, "What is meiosis?", subs[1])
	assert.Equal(t, "How do they differ?", subs[2])
}

func TestDecomposeQuery_ErrorYieldsEmpty(t *testing.T) {
	c := &fakeCompleter{err: errors.New("provider down")}
	e := newTestEngine(&fakeSearcher{}, c)

	assert.Nil(t, e.DecomposeQuery(context.Background(), "compare mitosis and meiosis"))
}

func TestRetrieveMultiQuery_MainQueryWinsOnDuplicate(t *testing.T) {
	// The fake returns the same matches for every query, so a chunk
	// surfacing for both the main and a sub-query must keep its first,
	// main-query occurrence.
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	e := newTestEngine(s, &fakeCompleter{})

	results, err := e.RetrieveMultiQuery(context.Background(), "main", []string{"sub1", "sub2"}, 5)

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, 0.9, results[0].Similarity)
}

func TestRetrieveMultiQuery_AllQueriesFail(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})
	e.Embedder = &fakeEmbedder{err: errors.New("provider down")}

	_, err := e.RetrieveMultiQuery(context.Background(), "main", []string{"sub"}, 5)
	assert.ErrorContains(t, err, "multi-query retrieval failed")
}

func TestIsComplexQuery(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})

	tests := []struct {
		query string
		want  bool
	}{
		{"What is mitosis?", false},
		{"Compare mitosis and meiosis", true},
		{"What are the advantages of sexual reproduction?", true},
		{"What is DNA? How is it copied?", true},
		{strings.Repeat("word ", 16) + "?", true},
		{"Define osmosis", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.IsComplexQuery(tt.query), tt.query)
	}
}

func TestKeywordTerms(t *testing.T) {
	terms := keywordTerms(`What ARE the "stages" of mitosis, and why?`)
	assert.Equal(t, []string{"what", "stages", "mitosis"}, terms)
}

func TestStripListPrefix(t *testing.T) {
	assert.Equal(t, "How does it work?", stripListPrefix("1. How does it work?"))
	assert.Equal(t, "How does it work?", stripListPrefix("- How does it work?"))
	assert.Equal(t, "How does it work?", stripListPrefix("2) How does it work?"))
	assert.Equal(t, "How does it work?", stripListPrefix("How does it work?"))
}

func TestRelatedMaterials_GroupsByMaterialKeepingBestHit(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{
		match("c1", "m1", 0.9),
		match("c2", "m1", 0.95),
		match("c3", "m2", 0.8),
	}}
	e := newTestEngine(s, &fakeCompleter{})

	related, err := e.RelatedMaterials(context.Background(), "cell division", 5)

	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, "m1", related[0].MaterialID)
	assert.Equal(t, 0.95, related[0].Similarity)
	assert.Equal(t, "m2", related[1].MaterialID)
	assert.Equal(t, 0.8, related[1].Similarity)
}

func TestRelatedMaterials_TruncatesSampleContent(t *testing.T) {
	long := strings.Repeat("x", 150)
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{
		{ChunkID: "c1", MaterialID: "m1", Content: long, Similarity: 0.9},
		{ChunkID: "c2", MaterialID: "m2", Content: "short", Similarity: 0.8},
	}}
	e := newTestEngine(s, &fakeCompleter{})

	related, err := e.RelatedMaterials(context.Background(), "q", 5)

	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Equal(t, strings.Repeat("x", 100)+"...", related[0].SampleContent)
	assert.Equal(t, "short", related[1].SampleContent)
}

func TestRelatedMaterials_CapsResultCount(t *testing.T) {
	var matches []vectorstore.Match
	for i := 0; i < 6; i++ {
		matches = append(matches, match(fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i), 0.9-float64(i)*0.01))
	}
	s := &fakeSearcher{vectorMatches: matches}
	e := newTestEngine(s, &fakeCompleter{})

	related, err := e.RelatedMaterials(context.Background(), "q", 3)

	require.NoError(t, err)
	assert.Len(t, related, 3)
	assert.Equal(t, "m0", related[0].MaterialID)
}

func TestRelatedMaterials_EmbedderErrorPropagates(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})
	e.Embedder = &fakeEmbedder{err: errors.New("provider down")}

	_, err := e.RelatedMaterials(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestMaterialContext_ReturnsChunksInOrder(t *testing.T) {
	s := &fakeSearcher{chunksByDoc: map[string][]vectorstore.ContentChunk{
		"m1": {
			{ID: "c1", MaterialID: "m1", Content: "first section"},
			{ID: "c2", MaterialID: "m1", Content: "second section"},
		},
	}}
	e := newTestEngine(s, &fakeCompleter{})
	e.Formatter = &Formatter{Titles: &fakeTitles{titles: map[string]string{"m1": "Cell Biology"}}}

	result, err := e.MaterialContext(context.Background(), "m1")

	require.NoError(t, err)
	assert.Equal(t, "m1", result.MaterialID)
	assert.Equal(t, "Cell Biology", result.Title)
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "c1", result.Chunks[0].ChunkID)
	assert.Equal(t, "second section", result.Chunks[1].Content)
}

func TestMaterialContext_UnknownMaterial(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})

	_, err := e.MaterialContext(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoMaterialContext)
}

func TestMaterialContext_UnresolvableTitle(t *testing.T) {
	s := &fakeSearcher{chunksByDoc: map[string][]vectorstore.ContentChunk{
		"m1": {{ID: "c1", MaterialID: "m1", Content: "text"}},
	}}
	e := newTestEngine(s, &fakeCompleter{})

	result, err := e.MaterialContext(context.Background(), "m1")

	require.NoError(t, err)
	assert.Equal(t, "Unknown Material", result.Title)
}

func TestMaterialContext_StoreErrorPropagates(t *testing.T) {
	s := &fakeSearcher{chunksErr: errors.New("db gone")}
	e := newTestEngine(s, &fakeCompleter{})

	_, err := e.MaterialContext(context.Background(), "m1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMaterialContext)
}

type fakeReranker struct {
	called bool
	userID string
}

func (f *fakeReranker) Rerank(_ context.Context, results []Result, userID string) []Result {
	f.called = true
	f.userID = userID
	return results
}

func TestContextForQuestion_SimpleUsesHybrid(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	e := newTestEngine(s, &fakeCompleter{})

	res, err := e.ContextForQuestion(context.Background(), "What is mitosis?", "")

	require.NoError(t, err)
	assert.True(t, res.HasContext)
	require.Len(t, res.Results, 1)
	assert.Contains(t, res.Context, "[Context 1]")
	// Hybrid path runs keyword search alongside vector search.
	assert.NotEmpty(t, s.keywordCalls)
}

func TestContextForQuestion_ComplexUsesMultiQuery(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	c := &fakeCompleter{response: "What is mitosis?\nWhat is meiosis?"}
	e := newTestEngine(s, c)

	res, err := e.ContextForQuestion(context.Background(), "Compare mitosis and meiosis", "")

	require.NoError(t, err)
	assert.True(t, res.HasContext)
	// Multi-query path never touches keyword search.
	assert.Empty(t, s.keywordCalls)
}

func TestContextForQuestion_ReranksForUser(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	e := newTestEngine(s, &fakeCompleter{})
	rr := &fakeReranker{}
	e.Reranker = rr

	_, err := e.ContextForQuestion(context.Background(), "What is mitosis?", "user-7")

	require.NoError(t, err)
	assert.True(t, rr.called)
	assert.Equal(t, "user-7", rr.userID)
}

func TestContextForQuestion_NoUserSkipsRerank(t *testing.T) {
	s := &fakeSearcher{vectorMatches: []vectorstore.Match{match("c1", "m1", 0.9)}}
	e := newTestEngine(s, &fakeCompleter{})
	rr := &fakeReranker{}
	e.Reranker = rr

	_, err := e.ContextForQuestion(context.Background(), "What is mitosis?", "")

	require.NoError(t, err)
	assert.False(t, rr.called)
}

func TestContextForQuestion_NoResults(t *testing.T) {
	e := newTestEngine(&fakeSearcher{}, &fakeCompleter{})

	res, err := e.ContextForQuestion(context.Background(), "What is mitosis?", "")

	require.NoError(t, err)
	assert.False(t, res.HasContext)
	assert.Empty(t, res.Context)
	assert.Empty(t, res.Results)
}
