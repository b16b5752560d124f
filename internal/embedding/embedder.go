// Package embedding turns records into vectors: the Embedder collaborator, its ONNX and
// deterministic test implementations, an LRU cache and the record text formatter.
package embedding

import "context"

// Embedder produces vector embeddings for text. Implementations are constructed and
// closed by their owner and passed to whoever needs them.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// embedEach implements EmbedBatch on top of Embed, stopping at the first error or
// when ctx is cancelled.
func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
