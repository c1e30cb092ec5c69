package store

import (
	"context"
	"errors"
	"time"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/generate"
	"github.com/kbmem/kbmem-go/metrics"
)

// generatorResponder is the built-in Responder: it answers with the
// generator's reply prompt, substituting the injected profile and
// article into the system prompt. Hosts with their own chat surface
// replace it via WithResponder.
type generatorResponder struct {
	gen    generate.Generator
	window int
}

func (r *generatorResponder) Respond(ctx context.Context, turns []article.ConversationTurn, inj Injection) (string, error) {
	window, err := article.BuildKey(turns, r.window)
	if err != nil && !errors.Is(err, article.ErrInsufficientHistory) {
		return "", err
	}

	return generate.One(r.gen.Generate(ctx, generate.KindGenerateReply, map[string]string{
		generate.InputWindow:  window,
		generate.InputProfile: inj.Profile,
		generate.InputKB:      inj.KB,
	}))
}

// instrumentedGenerator wraps a Generator with the per-call timeout
// and, when metrics are configured, the per-kind call counter. The
// engine and the built-in responder both go through it, so every
// generation in a cycle is bounded and counted uniformly.
type instrumentedGenerator struct {
	inner   generate.Generator
	timeout time.Duration
	met     *metrics.Metrics
}

func (g *instrumentedGenerator) Generate(ctx context.Context, kind generate.Kind, inputs map[string]string) ([]string, error) {
	if g.met != nil {
		g.met.GeneratorCalls.WithLabelValues(string(kind)).Inc()
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	return g.inner.Generate(callCtx, kind, inputs)
}
