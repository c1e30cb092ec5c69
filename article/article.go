package article

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationTurn is a single message in the conversation transcript.
// Turns are immutable once recorded; the store only ever reads a
// sliding window of the most recent ones.
type ConversationTurn struct {
	Role Role
	Text string
	Seq  int
}

// DefaultSplitThreshold is the word-count limit above which an article
// must be divided into two.
const DefaultSplitThreshold = 1000

// KnowledgeArticle is the central entity: a persisted, embeddable text
// summary representing distilled conversational knowledge.
type KnowledgeArticle struct {
	// ID is an opaque unique identifier assigned on creation.
	ID string

	// Text is the article body, bounded by the split threshold at rest.
	Text string

	// Embedding is the vector derived from Text. It is recomputed by
	// the index client whenever Text changes.
	Embedding []float32

	// ParentID references the article this one was split from.
	// Lineage only, not ownership. Empty for first-generation articles.
	ParentID string

	// Active is false once the article has been retired by a split.
	// Retired articles stay addressable via lineage but are excluded
	// from retrieval.
	Active bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New creates a fresh article with a generated ID.
func New(text string) *KnowledgeArticle {
	now := time.Now().UTC()
	return &KnowledgeArticle{
		ID:        uuid.New().String(),
		Text:      text,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewChild creates an article split off from parent.
func NewChild(parent *KnowledgeArticle, text string) *KnowledgeArticle {
	child := New(text)
	child.ParentID = parent.ID
	return child
}

// SetText replaces the article body and clears the embedding so a
// stale vector can never be persisted alongside the new text.
func (a *KnowledgeArticle) SetText(text string) {
	a.Text = text
	a.Embedding = nil
	a.UpdatedAt = time.Now().UTC()
}

// Retire marks the article as no longer being a retrieval target.
func (a *KnowledgeArticle) Retire() {
	a.Active = false
	a.UpdatedAt = time.Now().UTC()
}

// WordCount returns the number of words in the article body.
func (a *KnowledgeArticle) WordCount() int {
	return WordCount(a.Text)
}

// UserProfile is the single mutable profile blob kept per conversation.
// It is overwritten whole on every update; the journal retains prior
// versions.
type UserProfile struct {
	ConversationID string
	Text           string
	UpdatedAt      time.Time
}

// WordCount counts whitespace-delimited words. Used by the split gate
// and by the profile-update prompt.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
