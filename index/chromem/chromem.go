// Package chromem implements index.Index on chromem-go, a pure Go
// embedded vector database. Each conversation gets its own collection
// so article lookups can never cross conversations.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/index"
)

// Store implements index.Index.
type Store struct {
	db          *chromem.DB
	embedder    index.Embedder
	log         *slog.Logger
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

var _ index.Index = (*Store)(nil)

// New creates an in-memory chromem-backed index. Embeddings are
// produced by embedder; wrap it in index.NewCachedEmbedder to keep
// re-upserts of unchanged text deterministic and cheap.
func New(embedder index.Embedder, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:          chromem.NewDB(),
		embedder:    embedder,
		log:         log.With("component", "index"),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// getOrCreateCollection returns the collection for a conversation.
func (s *Store) getOrCreateCollection(conversationID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[conversationID]
	s.mu.RUnlock()

	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[conversationID]; exists {
		return col, nil
	}

	col, err := s.db.CreateCollection(
		fmt.Sprintf("conv_%s", conversationID),
		nil, // embeddings are provided, no embedding func
		nil, // default cosine distance
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", article.ErrIndexUnavailable, err)
	}

	s.collections[conversationID] = col
	return col, nil
}

// Query implements index.Index.
func (s *Store) Query(ctx context.Context, conversationID, key string, threshold float32) (*index.Match, error) {
	col, err := s.getOrCreateCollection(conversationID)
	if err != nil {
		return nil, err
	}

	embedding, err := s.embedder.Embed(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", article.ErrIndexUnavailable, err)
	}

	// Only active articles are retrieval targets; retired split
	// parents stay stored for lineage but never match.
	where := map[string]string{"active": "true"}

	results, err := col.QueryEmbedding(ctx, embedding, 1, where, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			// Empty (or fully retired) collection: no match, not an error.
			s.log.Debug("query on empty collection", "conversation", conversationID)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query: %v", article.ErrIndexUnavailable, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := results[0]
	if best.Similarity < threshold {
		s.log.Debug("best match below threshold",
			"conversation", conversationID,
			"similarity", best.Similarity,
			"threshold", threshold)
		return nil, nil
	}

	art, err := articleFromResult(best)
	if err != nil {
		return nil, fmt.Errorf("%w: decode match: %v", article.ErrIndexUnavailable, err)
	}

	s.log.Debug("query hit",
		"conversation", conversationID,
		"article", art.ID,
		"similarity", best.Similarity)
	return &index.Match{Article: art, Similarity: best.Similarity}, nil
}

// Upsert implements index.Index.
func (s *Store) Upsert(ctx context.Context, conversationID string, art *article.KnowledgeArticle) error {
	col, err := s.getOrCreateCollection(conversationID)
	if err != nil {
		return err
	}

	// Embedding always derives from the current text. SetText clears
	// the vector, so a stale one can never survive to this point.
	embedding, err := s.embedder.Embed(ctx, art.Text)
	if err != nil {
		return fmt.Errorf("%w: embed article: %v", article.ErrIndexUnavailable, err)
	}
	art.Embedding = embedding

	doc := chromem.Document{
		ID:        art.ID,
		Content:   art.Text,
		Embedding: embedding,
		Metadata:  articleMetadata(conversationID, art),
	}

	// chromem replaces a document with the same ID, so re-adding
	// unchanged text is a no-op in effect.
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: add document: %v", article.ErrIndexUnavailable, err)
	}

	s.log.Debug("upserted article",
		"conversation", conversationID,
		"article", art.ID,
		"words", art.WordCount(),
		"active", art.Active)
	return nil
}

// Delete implements index.Index.
func (s *Store) Delete(ctx context.Context, conversationID, id string) error {
	col, err := s.getOrCreateCollection(conversationID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("%w: delete: %v", article.ErrIndexUnavailable, err)
	}
	return nil
}

// Close implements index.Index. chromem keeps everything in memory.
func (s *Store) Close() error {
	return nil
}

// articleMetadata builds the stored payload for an article.
func articleMetadata(conversationID string, art *article.KnowledgeArticle) map[string]string {
	return map[string]string{
		"conversation_id": conversationID,
		"parent_id":       art.ParentID,
		"active":          fmt.Sprintf("%t", art.Active),
		"created_at":      art.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      art.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// articleFromResult rebuilds an article from a stored payload.
func articleFromResult(res chromem.Result) (*article.KnowledgeArticle, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, res.Metadata["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, res.Metadata["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &article.KnowledgeArticle{
		ID:        res.ID,
		Text:      res.Content,
		Embedding: res.Embedding,
		ParentID:  res.Metadata["parent_id"],
		Active:    res.Metadata["active"] == "true",
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

// isInsufficientDocsError reports whether err is chromem complaining
// that fewer documents exist than requested results.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
