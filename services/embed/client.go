package embed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

const (
	// text-embedding-3-small produces 1536-dimension vectors; the
	// content_chunks.embedding column is declared with the same width.
	embeddingDimension = 1536

	defaultChatModel = "gpt-4o-mini"

	requestTimeout = 60 * time.Second
	maxAttempts    = 3
	retryBaseDelay = time.Second
	retryMaxDelay  = 10 * time.Second
)

// ErrRateLimited marks throttling by the provider. It is retried before
// being surfaced, so callers only see it once retries are exhausted.
var ErrRateLimited = errors.New("embedding provider rate limited")

// ProviderError is a non-recoverable rejection from the provider, or a
// transient failure whose retries were exhausted.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Client wraps the OpenAI API for embeddings and chat completions. It
// is stateless: every call is a plain request/response with retry.
type Client struct {
	api            *openai.Client
	embeddingModel openai.EmbeddingModel
	chatModel      string
}

// NewClient builds a Client from OPENAI_API_KEY. A missing key is a
// configuration error, not something to retry.
func NewClient() (*Client, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	chatModel := os.Getenv("OPENAI_CHAT_MODEL")
	if chatModel == "" {
		chatModel = defaultChatModel
	}

	logrus.WithField("chat_model", chatModel).Info("embedding client initialized")
	return &Client{
		api:            openai.NewClient(key),
		embeddingModel: openai.SmallEmbedding3,
		chatModel:      chatModel,
	}, nil
}

// Dimension returns the fixed dimensionality of the provider's vectors.
func (c *Client) Dimension() int { return embeddingDimension }

// EmbedTexts embeds a batch of texts, returning one vector per input in
// the same order. The batch is atomic: any failure fails the whole
// batch and no partial results are returned.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp openai.EmbeddingResponse
	err := c.withRetry(ctx, "embed batch", func(callCtx context.Context) error {
		var callErr error
		resp, callErr = c.api.CreateEmbeddings(callCtx, openai.EmbeddingRequestStrings{
			Input: texts,
			Model: c.embeddingModel,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{
			Op:  "embed batch",
			Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &ProviderError{
				Op:  "embed batch",
				Err: fmt.Errorf("embedding index %d out of range", d.Index),
			}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Complete runs a chat completion with the given system and user
// prompts, returning the assistant's text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var resp openai.ChatCompletionResponse
	err := c.withRetry(ctx, "completion", func(callCtx context.Context) error {
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:       c.chatModel,
			Temperature: 0.3,
			MaxTokens:   300,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userPrompt},
			},
		})
		return callErr
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Op: "completion", Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

// withRetry runs fn with a per-call timeout, retrying rate limits and
// transient failures with jittered exponential backoff. Other provider
// errors propagate immediately as *ProviderError.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if rateLimited(err) {
			err = fmt.Errorf("%w: %v", ErrRateLimited, err)
		} else if !transient(err) {
			return &ProviderError{Op: op, Err: err}
		}
		lastErr = err

		logrus.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
		}).Warn("provider call failed, will retry")
	}
	return &ProviderError{Op: op, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

// backoffDelay doubles a 1s base per attempt, caps at 10s, and applies
// -25%..+25% jitter.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << uint(attempt-1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2)) - delay/4
	return delay + jitter
}

func rateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
}

// transient reports whether err is worth retrying: timeouts, connection
// failures and provider-side 5xx responses.
func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode >= 500
	}
	return false
}
