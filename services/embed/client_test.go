package embed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay_Bounds(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, retryMaxDelay},
		{10, retryMaxDelay},
	}

	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := backoffDelay(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.base-tt.base/4, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.base+tt.base/4, "attempt %d", tt.attempt)
		}
	}
}

func TestRateLimited(t *testing.T) {
	throttled := &openai.APIError{HTTPStatusCode: 429}
	assert.True(t, rateLimited(throttled))
	assert.True(t, rateLimited(fmt.Errorf("wrapped: %w", throttled)))

	assert.False(t, rateLimited(&openai.APIError{HTTPStatusCode: 400}))
	assert.False(t, rateLimited(errors.New("plain")))
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"connection failure", &openai.RequestError{HTTPStatusCode: 0, Err: errors.New("refused")}, true},
		{"gateway error", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, true},
		{"client error", &openai.RequestError{HTTPStatusCode: 404, Err: errors.New("not found")}, false},
		{"unknown", errors.New("plain"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transient(tt.err))
		})
	}
}

func TestWithRetry_NonRetryableFailsFast(t *testing.T) {
	c := &Client{}
	calls := 0
	err := c.withRetry(context.Background(), "embed batch", func(context.Context) error {
		calls++
		return &openai.APIError{HTTPStatusCode: 400, Message: "invalid input"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "embed batch", provErr.Op)
}

func TestWithRetry_TransientRecovers(t *testing.T) {
	c := &Client{}
	calls := 0
	err := c.withRetry(context.Background(), "embed batch", func(context.Context) error {
		calls++
		if calls == 1 {
			return &openai.APIError{HTTPStatusCode: 503}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_RateLimitExhaustion(t *testing.T) {
	c := &Client{}
	calls := 0
	err := c.withRetry(context.Background(), "embed batch", func(context.Context) error {
		calls++
		return &openai.APIError{HTTPStatusCode: 429}
	})

	require.Error(t, err)
	assert.Equal(t, maxAttempts, calls)
	assert.ErrorIs(t, err, ErrRateLimited)

	var provErr *ProviderError
	assert.ErrorAs(t, err, &provErr)
}

func TestWithRetry_ContextCancelStopsRetries(t *testing.T) {
	c := &Client{}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := c.withRetry(ctx, "embed batch", func(context.Context) error {
		calls++
		cancel()
		return &openai.APIError{HTTPStatusCode: 503}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestEmbedTexts_EmptyInput(t *testing.T) {
	c := &Client{}
	vectors, err := c.EmbedTexts(context.Background(), nil)

	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestProviderError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ProviderError{Op: "completion", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "completion")
}
