// Package index defines the similarity-index contract used to store
// and retrieve knowledge articles, and the embedder contract that
// turns text into vectors.
//
// Implementations: chromem (embedded vector database) for the index;
// embedder/mock and embedder/onnx for vectors.
package index

import (
	"context"

	"github.com/kbmem/kbmem-go/article"
)

// Match is a successful nearest-neighbor lookup.
type Match struct {
	Article    *article.KnowledgeArticle
	Similarity float32
}

// Index is the vector index client. Articles are namespaced per
// conversation; no cross-conversation lookup exists.
type Index interface {
	// Query embeds key and returns the single nearest active article
	// when its similarity clears threshold. An empty index or a
	// below-threshold best match returns (nil, nil); no match is not
	// an error. Index failures wrap article.ErrIndexUnavailable.
	Query(ctx context.Context, conversationID, key string, threshold float32) (*Match, error)

	// Upsert recomputes the embedding from the article's current text
	// and writes vector plus payload keyed by article ID. Idempotent:
	// upserting unchanged text reproduces the same stored state.
	Upsert(ctx context.Context, conversationID string, art *article.KnowledgeArticle) error

	// Delete removes an article permanently. The orchestrator retires
	// split parents instead of deleting; Delete exists for hosts that
	// adopt a harder retirement policy.
	Delete(ctx context.Context, conversationID, id string) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
