package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloo-solutions/cseassist/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultEmbeddingDimensions is the native dimension of text-embedding-3-small
	DefaultEmbeddingDimensions = 1536
	// MaxBatchSize caps the inputs of one embeddings request.
	MaxBatchSize = 96
)

var (
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrWrongDimensions = errors.New("embedding has wrong dimensions")
)

// EmbeddingAPI returns one vector per input, in input order.
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// embeddingAdapter calls an OpenAI-compatible /embeddings endpoint.
type embeddingAdapter struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

func (a *embeddingAdapter) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: inputs,
		Model: a.model,
	}
	// text-embedding-3 models shorten vectors server-side
	if a.dimensions != DefaultEmbeddingDimensions {
		req.Dimensions = a.dimensions
	}

	resp, err := a.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("requested %d embeddings, got %d", len(inputs), len(resp.Data))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      openai.EmbeddingModel
	EmbeddingDimensions int
}

// Client is the hosted embedding.Provider.
type Client struct {
	api        EmbeddingAPI
	model      string
	dimensions int
	batchSize  int
}

// NewClient creates a client for the default model and dimensions.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

func NewClientWithConfig(cfg Config) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = DefaultEmbeddingModel
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		api: &embeddingAdapter{
			client:     openai.NewClientWithConfig(oc),
			model:      model,
			dimensions: dimensions,
		},
		model:      string(model),
		dimensions: dimensions,
		batchSize:  MaxBatchSize,
	}
}

// Embed embeds a single text. Provider failures are embedding errors; callers
// decide whether they are fatal.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	vecs, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts with as few requests as possible and returns the
// vectors in input order. One failed request fails the whole batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("input %d: %w", i, ErrEmptyText)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		vecs, err := c.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	vecs, err := c.api.CreateEmbeddings(ctx, inputs)
	if err != nil {
		return nil, domain.NewEmbeddingError("failed to create embedding", err)
	}
	for _, v := range vecs {
		if len(v) != c.dimensions {
			return nil, domain.NewEmbeddingError(
				fmt.Sprintf("expected %d dimensions, got %d", c.dimensions, len(v)),
				ErrWrongDimensions,
			)
		}
	}
	return vecs, nil
}

// Dimensions returns the length of every vector produced by Embed.
func (c *Client) Dimensions() int {
	return c.dimensions
}

func (c *Client) Model() string {
	return c.model
}
