// Package generate defines the text-generation contract the memory
// store consumes, plus the prompt templates for each operation kind.
//
// The store never talks to a model directly; it hands a Kind and a set
// of named text inputs to a Generator and gets text back. Backends
// live in subpackages (anthropic, langchain) with a scripted mock for
// tests.
package generate

import (
	"context"
	"errors"
	"fmt"

	"github.com/kbmem/kbmem-go/article"
)

// Kind names one generation operation. The values double as the
// operation field in journal entries, so they must stay stable.
type Kind string

const (
	KindDeriveArticle Kind = "derive_article"
	KindExpandArticle Kind = "expand_article"
	KindSplitArticle  Kind = "split_article"
	KindGenerateReply Kind = "generate_reply"
	KindUpdateProfile Kind = "update_profile"
)

// Named input fields. Each Kind documents which fields it requires.
const (
	// InputWindow is the role-tagged recent-turns scratchpad.
	InputWindow = "window"

	// InputArticle is the current knowledge article body.
	InputArticle = "article"

	// InputProfile is the current user profile text.
	InputProfile = "profile"

	// InputProfileWords is the current profile word count, used to
	// keep the rewritten profile at a similar length.
	InputProfileWords = "profile_words"

	// InputKB is the retrieved article body injected into replies.
	InputKB = "kb"
)

// Generator turns a prompt into new text. Implementations must honor
// ctx cancellation and wrap failures in article.ErrGeneration or
// article.ErrGenerationTimeout.
//
// Single-text kinds return one element; KindSplitArticle returns the
// two split bodies. Callers validate the shape and fail with
// article.ErrGenerationContract on mismatch.
type Generator interface {
	Generate(ctx context.Context, kind Kind, inputs map[string]string) ([]string, error)
}

// One validates a single-text response.
func One(texts []string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if len(texts) != 1 || texts[0] == "" {
		return "", fmt.Errorf("%w: expected one non-empty body, got %d", article.ErrGenerationContract, len(texts))
	}
	return texts[0], nil
}

// Two validates a split response.
func Two(texts []string, err error) (string, string, error) {
	if err != nil {
		return "", "", err
	}
	if len(texts) != 2 || texts[0] == "" || texts[1] == "" {
		return "", "", fmt.Errorf("%w: expected two non-empty bodies, got %d", article.ErrGenerationContract, len(texts))
	}
	return texts[0], texts[1], nil
}

// WrapErr classifies a backend error into the store's taxonomy.
// Context deadline errors become ErrGenerationTimeout so the
// orchestrator can distinguish them when deciding on retries.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", article.ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", article.ErrGeneration, err)
}
