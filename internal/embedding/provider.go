// Package embedding defines the embedding provider boundary and a local provider.
package embedding

import "context"

// Provider maps text to a fixed-length vector. The same provider and model must
// be used to build an index and to query it.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Model() string
}

// BatchProvider is implemented by providers that embed many texts per call.
// Vectors come back in input order.
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
