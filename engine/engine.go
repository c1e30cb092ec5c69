// Package engine implements the merge/split state machine that turns
// a retrieved article (or none) plus a window of new conversation
// turns into the set of articles to persist.
//
// One update cycle runs:
//
//	START -> NO_ARTICLE -> CREATED            (derive a fresh article)
//	START -> HAS_ARTICLE -> EXPANDED -> DONE  (merged, under threshold)
//	START -> HAS_ARTICLE -> EXPANDED -> SPLIT (two children, parent retired)
//
// The engine never touches storage; the orchestrator persists whatever
// the outcome lists. On any generator failure the inputs are left
// unmodified, so an aborted cycle cannot leak a partial mutation.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/generate"
)

// OutcomeKind indicates how a cycle resolved.
type OutcomeKind int

const (
	// OutcomeCreated is a brand-new article derived from the window.
	OutcomeCreated OutcomeKind = iota

	// OutcomeMerged is an existing article rewritten in place.
	OutcomeMerged

	// OutcomeSplit is two child articles replacing a retired parent.
	OutcomeSplit
)

// String returns the journal operation name for the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCreated:
		return string(generate.KindDeriveArticle)
	case OutcomeMerged:
		return string(generate.KindExpandArticle)
	case OutcomeSplit:
		return string(generate.KindSplitArticle)
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of one update cycle.
type Outcome struct {
	Kind OutcomeKind

	// Articles lists every article to persist, in persistence order.
	// For a split this is both children followed by the retired parent.
	Articles []*article.KnowledgeArticle

	// Parent is the retired split parent, nil for other outcomes.
	Parent *article.KnowledgeArticle
}

// Engine drives the merge/split decision for one article-update cycle.
type Engine struct {
	gen       generate.Generator
	threshold int
	log       *slog.Logger
}

// New creates an engine. threshold <= 0 selects
// article.DefaultSplitThreshold.
func New(gen generate.Generator, threshold int, log *slog.Logger) *Engine {
	if threshold <= 0 {
		threshold = article.DefaultSplitThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gen:       gen,
		threshold: threshold,
		log:       log.With("component", "engine"),
	}
}

// Threshold returns the configured split threshold in words.
func (e *Engine) Threshold() int {
	return e.threshold
}

// Update runs one cycle. existing is the article retrieved for this
// conversation turn, nil when the index had no match. window is the
// role-tagged scratchpad of recent turns including the latest reply.
func (e *Engine) Update(ctx context.Context, existing *article.KnowledgeArticle, window string) (*Outcome, error) {
	if existing == nil {
		return e.derive(ctx, window)
	}
	return e.expand(ctx, existing, window)
}

// derive handles the NO_ARTICLE state.
func (e *Engine) derive(ctx context.Context, window string) (*Outcome, error) {
	text, err := generate.One(e.gen.Generate(ctx, generate.KindDeriveArticle, map[string]string{
		generate.InputWindow: window,
	}))
	if err != nil {
		return nil, fmt.Errorf("derive article: %w", err)
	}

	art := article.New(text)
	e.log.Info("derived new article", "article", art.ID, "words", art.WordCount())

	return &Outcome{
		Kind:     OutcomeCreated,
		Articles: []*article.KnowledgeArticle{art},
	}, nil
}

// expand handles HAS_ARTICLE -> EXPANDED and the word-count gate.
func (e *Engine) expand(ctx context.Context, existing *article.KnowledgeArticle, window string) (*Outcome, error) {
	expanded, err := generate.One(e.gen.Generate(ctx, generate.KindExpandArticle, map[string]string{
		generate.InputWindow:  window,
		generate.InputArticle: existing.Text,
	}))
	if err != nil {
		return nil, fmt.Errorf("expand article %s: %w", existing.ID, err)
	}

	if count := article.WordCount(expanded); count <= e.threshold {
		existing.SetText(expanded)
		e.log.Info("merged article", "article", existing.ID, "words", count)
		return &Outcome{
			Kind:     OutcomeMerged,
			Articles: []*article.KnowledgeArticle{existing},
		}, nil
	}

	return e.split(ctx, existing, expanded)
}

// split handles EXPANDED -> SPLIT. The parent is only mutated after
// the generator has produced a valid two-body response.
func (e *Engine) split(ctx context.Context, parent *article.KnowledgeArticle, expanded string) (*Outcome, error) {
	first, second, err := generate.Two(e.gen.Generate(ctx, generate.KindSplitArticle, map[string]string{
		generate.InputArticle: expanded,
	}))
	if err != nil {
		return nil, fmt.Errorf("split article %s: %w", parent.ID, err)
	}

	left := article.NewChild(parent, first)
	right := article.NewChild(parent, second)
	parent.Retire()

	e.log.Info("split article",
		"parent", parent.ID,
		"left", left.ID, "left_words", left.WordCount(),
		"right", right.ID, "right_words", right.WordCount())

	return &Outcome{
		Kind:     OutcomeSplit,
		Articles: []*article.KnowledgeArticle{left, right, parent},
		Parent:   parent,
	}, nil
}
