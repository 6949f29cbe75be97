// Package mock provides a test double for the embeddings.Provider interface.
//
// By default every text embeds to a deterministic vector derived from its
// bytes, so equal texts map to equal vectors without any setup.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kotoba/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, replaces the default hashing embedder.
	EmbedFunc func(text string) []float32

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// DimensionsValue is returned by Dimensions. Zero means 8.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbeddedTexts records every text passed to Embed or EmbedBatch.
	EmbeddedTexts []string
}

// Embed records the text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbeddedTexts = append(p.EmbeddedTexts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbeddedTexts = append(p.EmbeddedTexts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue, or 8 when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return 8
}

func (p *Provider) vector(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	v := make([]float32, p.dims())
	for i, b := range []byte(text) {
		v[i%len(v)] += float32(b) / 255
	}
	return v
}

var _ embeddings.Provider = (*Provider)(nil)
