package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultMaxContextChars is the soft budget for a formatted context
// block, roughly 4000 tokens.
const DefaultMaxContextChars = 16000

const unknownTitle = "Unknown Material"

// TitleResolver resolves a source document id to its display title.
type TitleResolver interface {
	Title(ctx context.Context, materialID string) (string, error)
}

// Formatter renders ranked results into a citation-annotated text block
// for prompt assembly. It never truncates mid-chunk: whole sections are
// included until the budget would be exceeded.
type Formatter struct {
	Titles          TitleResolver
	MaxContextChars int
}

// Format renders one annotated section per result, separated by blank
// lines. Empty input yields an empty string.
func (f *Formatter) Format(ctx context.Context, results []Result) string {
	if len(results) == 0 {
		return ""
	}

	budget := f.MaxContextChars
	if budget <= 0 {
		budget = DefaultMaxContextChars
	}

	titles := make(map[string]string)
	var b strings.Builder
	for i, r := range results {
		section := fmt.Sprintf("[Context %d] From: %s\n%s\n", i+1, f.title(ctx, titles, r.MaterialID), r.Content)

		// The first section always goes in; after that, stop rather
		// than blow the budget or cut a chunk in half.
		if b.Len() > 0 && b.Len()+len(section)+2 > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(section)
	}
	return b.String()
}

func (f *Formatter) title(ctx context.Context, cache map[string]string, materialID string) string {
	if title, ok := cache[materialID]; ok {
		return title
	}

	title := unknownTitle
	if f.Titles != nil && materialID != "" {
		resolved, err := f.Titles.Title(ctx, materialID)
		if err != nil {
			logrus.WithError(err).WithField("material_id", materialID).
				Debug("could not resolve material title")
		} else if resolved != "" {
			title = resolved
		}
	}
	cache[materialID] = title
	return title
}
