package personalization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// interactionTypes are the history events that signal engagement with a
// material.
var interactionTypes = []string{"VIEW", "COMPLETE", "QUIZ"}

// PostgresHistoryStore reads the platform's user-interaction and
// preference tables. Those tables belong to the excluded CRUD layer;
// this store only reads them.
type PostgresHistoryStore struct {
	db *sql.DB
}

func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (s *PostgresHistoryStore) RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT material_id, type, created_at
		 FROM user_interactions
		 WHERE user_id = $1 AND type = ANY($2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, pq.Array(interactionTypes), limit)
	if err != nil {
		return nil, fmt.Errorf("loading interactions for user %s: %w", userID, err)
	}
	defer rows.Close()

	var interactions []Interaction
	for rows.Next() {
		var it Interaction
		if err := rows.Scan(&it.MaterialID, &it.Type, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		interactions = append(interactions, it)
	}
	return interactions, rows.Err()
}

// Preferences combines the user's learning-style assessment with their
// stated interests. A user with neither returns empty preferences, not
// an error.
func (s *PostgresHistoryStore) Preferences(ctx context.Context, userID string) (*Preferences, error) {
	prefs := &Preferences{}

	var visual, auditory, reading, kinesthetic float64
	err := s.db.QueryRowContext(ctx,
		`SELECT visual_score, auditory_score, reading_score, kinesthetic_score
		 FROM learning_styles WHERE user_id = $1`, userID).
		Scan(&visual, &auditory, &reading, &kinesthetic)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No assessment yet.
	case err != nil:
		return nil, fmt.Errorf("loading learning style for user %s: %w", userID, err)
	default:
		prefs.PrimaryLearningStyle = primaryStyle(visual, auditory, reading, kinesthetic)
	}

	var interests []string
	err = s.db.QueryRowContext(ctx,
		`SELECT interests FROM user_preferences WHERE user_id = $1`, userID).
		Scan(pq.Array(&interests))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No stated preferences.
	case err != nil:
		return nil, fmt.Errorf("loading preferences for user %s: %w", userID, err)
	default:
		prefs.Interests = interests
	}

	return prefs, nil
}

func primaryStyle(visual, auditory, reading, kinesthetic float64) string {
	style, best := "visual", visual
	for _, candidate := range []struct {
		name  string
		score float64
	}{
		{"auditory", auditory},
		{"reading", reading},
		{"kinesthetic", kinesthetic},
	} {
		if candidate.score > best {
			style, best = candidate.name, candidate.score
		}
	}
	return style
}
