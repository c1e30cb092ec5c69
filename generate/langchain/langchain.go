// Package langchain implements generate.Generator on langchaingo,
// giving the store access to Ollama, OpenAI and Anthropic models
// behind one provider switch.
package langchain

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kbmem/kbmem-go/generate"
)

// Provider selects the model backend.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Config configures the langchaingo-backed generator.
type Config struct {
	Provider Provider
	Model    string

	// OllamaHost is the Ollama server URL (ProviderOllama only).
	OllamaHost string

	// APIKey authenticates hosted providers.
	APIKey string
}

// Generator adapts a langchaingo model to generate.Generator.
type Generator struct {
	llm llms.Model
}

// New creates a generator for the configured provider.
func New(cfg Config) (*Generator, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return &Generator{llm: model}, nil
}

// Generate implements generate.Generator.
func (g *Generator) Generate(ctx context.Context, kind generate.Kind, inputs map[string]string) ([]string, error) {
	prompt, err := generate.BuildPrompt(kind, inputs)
	if err != nil {
		return nil, err
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompt.System),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt.User),
	}

	opts := []llms.CallOption{}
	if kind != generate.KindGenerateReply {
		opts = append(opts, llms.WithTemperature(0))
	}

	resp, err := g.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, generate.WrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, generate.WrapErr(fmt.Errorf("no response choices"))
	}

	return generate.ParseResponse(kind, resp.Choices[0].Content), nil
}
