package personalization

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"edu-rag/internal/retrieval"
)

const (
	// historyLimit caps how much interaction history informs a rerank.
	historyLimit = 100

	// maxInteractionScore caps the contribution of repeat visits to a
	// material; preferenceBoost is a flat bonus when the user has any
	// stated preference signal.
	maxInteractionScore = 0.5
	preferenceBoost     = 0.1

	similarityWeight      = 0.7
	personalizationWeight = 0.3
)

// Interaction is one event from the user's learning history.
type Interaction struct {
	MaterialID string
	Type       string
	CreatedAt  time.Time
}

// Preferences are the user's stated personalization signals.
type Preferences struct {
	PrimaryLearningStyle string
	Interests            []string
}

func (p *Preferences) empty() bool {
	return p == nil || (p.PrimaryLearningStyle == "" && len(p.Interests) == 0)
}

// HistoryStore provides per-user history and preferences. It is an
// external collaborator; a Postgres implementation lives alongside for
// deployments that share the platform database.
type HistoryStore interface {
	RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error)
	Preferences(ctx context.Context, userID string) (*Preferences, error)
}

// Reranker adjusts retrieval scores using per-user history and stated
// preferences. It satisfies retrieval.Reranker.
type Reranker struct {
	History HistoryStore
}

// Rerank blends each result's similarity with a personalization score
// in [0, 0.6]: up to 0.5 from interaction count with the result's
// source material, plus 0.1 if any preference signal exists. The final
// score is 0.7*similarity + 0.3*personalization, capped at 1.0. A user
// with no history and no preferences gets the input back unchanged, as
// does any history-store failure.
func (r *Reranker) Rerank(ctx context.Context, results []retrieval.Result, userID string) []retrieval.Result {
	if len(results) == 0 || userID == "" {
		return results
	}
	log := logrus.WithField("user_id", userID)

	interactions, err := r.History.RecentInteractions(ctx, userID, historyLimit)
	if err != nil {
		log.WithError(err).Warn("could not load interaction history, skipping rerank")
		return results
	}
	prefs, err := r.History.Preferences(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("could not load preferences, skipping rerank")
		return results
	}

	if len(interactions) == 0 && prefs.empty() {
		return results
	}

	counts := make(map[string]int, len(interactions))
	for _, it := range interactions {
		counts[it.MaterialID]++
	}

	reranked := make([]retrieval.Result, len(results))
	for i, res := range results {
		score := float64(counts[res.MaterialID]) / 10.0
		if score > maxInteractionScore {
			score = maxInteractionScore
		}
		if !prefs.empty() {
			score += preferenceBoost
		}

		adjusted := similarityWeight*res.Similarity + personalizationWeight*score
		if adjusted > 1.0 {
			adjusted = 1.0
		}

		res.Similarity = adjusted
		res.Personalized = true
		reranked[i] = res
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Similarity > reranked[j].Similarity
	})
	return reranked
}
