package memory

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/meridianhq/conduit/internal/observability"
)

// EmbeddingClient turns text batches into vectors, one embedding per
// input in input order.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	defaultEmbeddingModel = "text-embedding-3-small"

	// Failed batches are retried twice with linear backoff (1s, 2s)
	// before being dropped.
	embeddingRetries = 2
)

// EmbedderConfig configures the OpenAI-compatible embedding client.
type EmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// RequestsPerSecond paces calls to the embeddings endpoint. Zero
	// disables pacing.
	RequestsPerSecond float64

	Logger *observability.Logger
}

// Embedder calls an OpenAI-compatible embeddings endpoint. Any
// provider exposing the /embeddings shape works by setting BaseURL.
type Embedder struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *observability.Logger
}

// NewEmbedder builds an Embedder from config, applying defaults.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultEmbeddingModel
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Embedder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		limiter: limiter,
		logger:  cfg.Logger,
	}
}

// Model returns the embedding model in use.
func (e *Embedder) Model() string { return e.model }

// Embed returns one embedding per input text, in order. The whole
// batch fails together; the error names the model, input count, and
// total character volume so dropped batches can be sized from logs.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= embeddingRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			lastErr = err
			if e.logger != nil {
				e.logger.Warn(ctx, "embedding request failed",
					"model", e.model,
					"attempt", attempt+1,
					"error", err)
			}
			continue
		}
		if len(resp.Data) != len(texts) {
			lastErr = fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(texts))
			continue
		}

		out := make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(out) {
				return nil, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			out[d.Index] = d.Embedding
		}
		return out, nil
	}

	totalChars := 0
	for _, t := range texts {
		totalChars += len(t)
	}
	return nil, fmt.Errorf("embedding batch dropped after %d attempts (model=%s inputs=%d chars=%d): %w",
		embeddingRetries+1, e.model, len(texts), totalChars, lastErr)
}

// EmbedOne embeds a single text.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

var _ EmbeddingClient = (*Embedder)(nil)
