// Package openai embeds text with the OpenAI embeddings API or any
// compatible endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

var ErrEmptyEmbedding = errors.New("openai returned no embedding")

type Config struct {
	APIKey        string
	Model         string
	Dimensions    int
	RatePerSecond float64
}

type Embedder struct {
	client  openai.Client
	model   string
	dim     int
	limiter *rate.Limiter
}

func NewEmbedder(cfg Config, opts ...option.RequestOption) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)

	model := cfg.Model
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Large
	}
	e := &Embedder{
		client: openai.NewClient(opts...),
		model:  model,
		dim:    cfg.Dimensions,
	}
	if cfg.RatePerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return e, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	params := openai.EmbeddingNewParams{
		Model:          e.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dim > 0 {
		params.Dimensions = openai.Int(int64(e.dim))
	}

	slog.DebugContext(ctx, "embedding content", "model", e.model, "length", len(text))
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func (e *Embedder) Close() error { return nil }
