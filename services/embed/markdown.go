package embed

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ChunkMarkdown splits markdown content on heading boundaries before
// applying the generic chunker to any section still exceeding
// MaxChunkSize. Each section runs from one heading (inclusive) to the
// next, so a chunk never mixes content from two sections.
func (c *Chunker) ChunkMarkdown(content string) []string {
	if normalizeWhitespace(content) == "" {
		return nil
	}

	source := []byte(content)
	mdParser := goldmark.New()
	reader := text.NewReader(source)
	docAST := mdParser.Parser().Parse(reader)

	// Collect the byte offset of every heading line. Slicing the raw
	// source between consecutive headings keeps list items, code fences
	// and other container blocks intact.
	var boundaries []int
	for node := docAST.FirstChild(); node != nil; node = node.NextSibling() {
		heading, ok := node.(*ast.Heading)
		if !ok || heading.Lines().Len() == 0 {
			continue
		}
		start := heading.Lines().At(0).Start
		// Walk back to the start of the line so the leading '#' run is
		// part of the section.
		for start > 0 && source[start-1] != '\n' {
			start--
		}
		boundaries = append(boundaries, start)
	}

	if len(boundaries) == 0 {
		return c.ChunkText(content)
	}

	var sections []string
	if boundaries[0] > 0 {
		sections = append(sections, content[:boundaries[0]])
	}
	for i, start := range boundaries {
		end := len(content)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		sections = append(sections, content[start:end])
	}

	var chunks []string
	for _, section := range sections {
		section = normalizeWhitespace(section)
		if section == "" {
			continue
		}
		if len(section) <= c.MaxChunkSize {
			chunks = append(chunks, section)
			continue
		}
		chunks = append(chunks, c.ChunkText(section)...)
	}
	return chunks
}
