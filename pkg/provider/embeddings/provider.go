// Package embeddings defines the Provider interface for text embedding
// models. The knowledge store uses a Provider to index lore snippets and to
// embed player utterances for similarity search.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector from one Provider has length Dimensions(). Vectors from
// different models live in different spaces and must not be compared.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in one call. The i-th vector belongs to
	// texts[i]. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length of the model.
	Dimensions() int

	// ModelID names the model, e.g. "text-embedding-3-small" or
	// "nomic-embed-text".
	ModelID() string
}
