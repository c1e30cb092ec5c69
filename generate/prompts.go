package generate

import (
	"fmt"
	"strings"

	"github.com/kbmem/kbmem-go/article"
)

// Prompt is a rendered system/user prompt pair ready for a chat model.
type Prompt struct {
	System string
	User   string
}

// SplitSeparator is the line a split response must use between the two
// article bodies. ParseSplit looks for it verbatim.
const SplitSeparator = "<<<ARTICLE BREAK>>>"

const deriveSystem = `You maintain a knowledge base of articles that distill an ongoing conversation.
Write a new knowledge base article capturing the salient, durable information
from the chat log the user provides. Record facts, preferences, decisions and
open threads. Omit greetings and filler. Write dense declarative prose with no
preamble and no headings. Respond with the article body only.`

const expandSystem = `You maintain a knowledge base of articles that distill an ongoing conversation.
Update the following knowledge base article with any new salient information
found in the chat log the user provides. Integrate, deduplicate and condense;
keep the article focused on a single coherent topic. Respond with the complete
updated article body only.

CURRENT ARTICLE:
%s`

const splitSystem = `The following knowledge base article has grown too long. Split it into exactly
two coherent, non-overlapping articles, each focused on a distinct topic.
Preserve every distinct fact; do not summarize facts away. Respond with the
first article body, then a line containing only
` + SplitSeparator + `
then the second article body. No other commentary.

ARTICLE:
%s`

const profileSystem = `You maintain a short profile of the user based on their messages.
Update the following profile with anything new the user's recent messages
reveal about them: identity, preferences, goals, context. The current profile
is %s words; keep the updated profile about the same length, condensing older
details to make room. Respond with the complete updated profile only.

CURRENT PROFILE:
%s`

const replySystem = `You are a helpful assistant with long-term memory of this conversation.

WHAT YOU KNOW ABOUT THE USER:
%s

RELEVANT KNOWLEDGE BASE ARTICLE:
%s

Use this background naturally; do not recite it. Answer the latest user
message in the chat log.`

// BuildPrompt renders the prompt pair for kind from its named inputs.
// Missing required inputs are a programming error on the caller's
// side and reported as ErrGenerationContract.
func BuildPrompt(kind Kind, inputs map[string]string) (Prompt, error) {
	get := func(field string) (string, error) {
		v, ok := inputs[field]
		if !ok {
			return "", fmt.Errorf("%w: prompt kind %q missing input %q", article.ErrGenerationContract, kind, field)
		}
		return v, nil
	}

	switch kind {
	case KindDeriveArticle:
		window, err := get(InputWindow)
		if err != nil {
			return Prompt{}, err
		}
		return Prompt{System: deriveSystem, User: window}, nil

	case KindExpandArticle:
		window, err := get(InputWindow)
		if err != nil {
			return Prompt{}, err
		}
		body, err := get(InputArticle)
		if err != nil {
			return Prompt{}, err
		}
		return Prompt{System: fmt.Sprintf(expandSystem, body), User: window}, nil

	case KindSplitArticle:
		body, err := get(InputArticle)
		if err != nil {
			return Prompt{}, err
		}
		return Prompt{System: fmt.Sprintf(splitSystem, body), User: "Split the article now."}, nil

	case KindUpdateProfile:
		window, err := get(InputWindow)
		if err != nil {
			return Prompt{}, err
		}
		prof, err := get(InputProfile)
		if err != nil {
			return Prompt{}, err
		}
		words, err := get(InputProfileWords)
		if err != nil {
			return Prompt{}, err
		}
		return Prompt{System: fmt.Sprintf(profileSystem, words, prof), User: window}, nil

	case KindGenerateReply:
		window, err := get(InputWindow)
		if err != nil {
			return Prompt{}, err
		}
		prof := inputs[InputProfile]
		kb := inputs[InputKB]
		if prof == "" {
			prof = "Nothing recorded yet."
		}
		if kb == "" {
			kb = "No relevant article available."
		}
		return Prompt{System: fmt.Sprintf(replySystem, prof, kb), User: window}, nil

	default:
		return Prompt{}, fmt.Errorf("%w: unknown prompt kind %q", article.ErrGenerationContract, kind)
	}
}

// ParseResponse shapes a raw completion into the texts slice the
// Generator contract promises for kind. Split responses are divided on
// SplitSeparator; everything else passes through as a single body.
func ParseResponse(kind Kind, raw string) []string {
	raw = strings.TrimSpace(raw)
	if kind != KindSplitArticle {
		return []string{raw}
	}

	parts := strings.Split(raw, SplitSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
