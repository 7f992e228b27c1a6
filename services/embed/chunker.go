package embed

import (
	"regexp"
	"strings"
)

// Default chunking parameters. A chunk of ~1000 characters keeps each
// embedding within a comfortable token range for the provider, and the
// overlap preserves context across chunk boundaries.
const (
	DefaultMaxChunkSize = 1000
	DefaultOverlap      = 200
)

// Chunker splits raw text into bounded, overlapping chunks at natural
// boundaries. It is pure: the same input always yields the same chunks.
type Chunker struct {
	MaxChunkSize int
	Overlap      int
}

// NewChunker returns a Chunker with the default size and overlap.
func NewChunker() *Chunker {
	return &Chunker{MaxChunkSize: DefaultMaxChunkSize, Overlap: DefaultOverlap}
}

var (
	excessNewlines = regexp.MustCompile(`\n{3,}`)
	horizontalRuns = regexp.MustCompile(`[ \t]{2,}`)
)

// normalizeWhitespace collapses runs of blank lines into a single blank
// line and runs of spaces/tabs into a single space, then trims.
func normalizeWhitespace(text string) string {
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	text = horizontalRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ChunkText splits text into overlapping chunks of at most MaxChunkSize
// characters. Empty input yields no chunks. Text that already fits in a
// single chunk is returned as-is, so re-chunking an existing chunk
// returns it unchanged.
func (c *Chunker) ChunkText(text string) []string {
	text = normalizeWhitespace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxChunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.MaxChunkSize
		if end >= len(text) {
			chunks = appendChunk(chunks, text[start:])
			break
		}

		end = c.findBreakPoint(text, start, end)
		chunks = appendChunk(chunks, text[start:end])

		// Step back by the overlap so the next chunk carries context
		// across the boundary.
		next := end - c.Overlap
		if next <= start {
			next = end
		}
		start = next
		if start >= len(text)-1 {
			break
		}
	}
	return chunks
}

// appendChunk trims a chunk before emitting it, so every emitted chunk
// is already in normalized form and re-chunking it is a no-op.
func appendChunk(chunks []string, chunk string) []string {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return chunks
	}
	return append(chunks, chunk)
}

// findBreakPoint searches backwards from the window limit for a natural
// place to cut: paragraph break, then newline, then sentence-ending
// punctuation, then minor punctuation, then a word boundary. If nothing
// is found within the look-back window for that boundary class, it cuts
// hard at the limit.
func (c *Chunker) findBreakPoint(text string, start, limit int) int {
	window := text[start:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 && len(window)-idx <= 300 {
		return start + idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 && len(window)-idx <= 200 {
		return start + idx + 1
	}

	sentence := -1
	for _, p := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
		if idx := strings.LastIndex(window, p); idx > sentence {
			sentence = idx
		}
	}
	if sentence > 0 && len(window)-sentence <= 200 {
		return start + sentence + 2
	}

	minor := -1
	for _, p := range []string{"; ", ": ", ", "} {
		if idx := strings.LastIndex(window, p); idx > minor {
			minor = idx
		}
	}
	if minor > 0 && len(window)-minor <= 100 {
		return start + minor + 2
	}

	if idx := strings.LastIndex(window, " "); idx > 0 && len(window)-idx <= 50 {
		return start + idx + 1
	}

	return limit
}
