// Package anthropic implements generate.Generator on the Claude
// Messages API.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/kbmem/kbmem-go/generate"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Config configures the Claude-backed generator.
type Config struct {
	// Model is the Claude model name. Defaults to DefaultModel.
	Model string

	// MaxTokens caps the response length. Defaults to 4096.
	MaxTokens int64
}

// Generator calls the Claude Messages API with the rendered prompt
// for each operation kind. Maintenance prompts (derive, expand, split,
// profile) are deterministic rewrites, so temperature is pinned to 0;
// replies use the model default.
type Generator struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New creates a generator on an existing Claude client.
func New(client *anthropic.Client, cfg Config) *Generator {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Generator{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}
}

// Generate implements generate.Generator.
func (g *Generator) Generate(ctx context.Context, kind generate.Kind, inputs map[string]string) ([]string, error) {
	prompt, err := generate.BuildPrompt(kind, inputs)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: prompt.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if kind != generate.KindGenerateReply {
		params.Temperature = anthropic.Float(0)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, generate.WrapErr(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return generate.ParseResponse(kind, text), nil
}
