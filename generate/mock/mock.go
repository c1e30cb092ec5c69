// Package mock provides a scripted Generator for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kbmem/kbmem-go/generate"
)

// Script decides the response for one call. Returning an error fails
// the call as-is, so tests can inject taxonomy errors directly.
type Script func(kind generate.Kind, inputs map[string]string) ([]string, error)

// Generator is a scripted generate.Generator. The zero value echoes
// the window input back for every kind.
type Generator struct {
	mu     sync.Mutex
	script Script

	// Delay is applied before each call, after which ctx is checked.
	// Lets tests hold a call open or force a deadline.
	Delay time.Duration

	calls []generate.Kind
}

// New creates a scripted mock generator.
func New(script Script) *Generator {
	return &Generator{script: script}
}

// Generate implements generate.Generator.
func (g *Generator) Generate(ctx context.Context, kind generate.Kind, inputs map[string]string) ([]string, error) {
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return nil, generate.WrapErr(ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, generate.WrapErr(err)
	}

	g.mu.Lock()
	g.calls = append(g.calls, kind)
	script := g.script
	g.mu.Unlock()

	if script == nil {
		return []string{inputs[generate.InputWindow]}, nil
	}
	return script(kind, inputs)
}

// Calls returns the kinds seen so far, in order.
func (g *Generator) Calls() []generate.Kind {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]generate.Kind, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns how many calls of kind were made.
func (g *Generator) CallCount(kind generate.Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, k := range g.calls {
		if k == kind {
			n++
		}
	}
	return n
}
