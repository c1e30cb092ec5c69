package article

import (
	"fmt"
	"strings"
)

// DefaultKeyWindow is the number of recent turns (both roles) used to
// build a retrieval key.
const DefaultKeyWindow = 5

// DefaultProfileWindow is the number of recent user turns used to
// build a profile-update key.
const DefaultProfileWindow = 3

// BuildKey derives the index query text from the last window turns,
// both roles, in chronological order. Each turn becomes one
// "ROLE: text" line.
//
// When fewer than window turns exist the key is built from what is
// available and ErrInsufficientHistory is returned alongside it; the
// caller decides whether the shorter key is acceptable (the
// orchestrator always proceeds).
func BuildKey(turns []ConversationTurn, window int) (string, error) {
	if window <= 0 {
		window = DefaultKeyWindow
	}

	short := len(turns) < window
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(string(t.Role)), text))
	}
	key := strings.Join(lines, "\n")

	if short {
		return key, fmt.Errorf("%w: have %d turns, want %d", ErrInsufficientHistory, len(turns), window)
	}
	return key, nil
}

// BuildProfileKey derives the profile-update input from the last
// window user turns only, no role tags. Same short-window behavior as
// BuildKey.
func BuildProfileKey(turns []ConversationTurn, window int) (string, error) {
	if window <= 0 {
		window = DefaultProfileWindow
	}

	var userTexts []string
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		userTexts = append(userTexts, text)
	}

	short := len(userTexts) < window
	if len(userTexts) > window {
		userTexts = userTexts[len(userTexts)-window:]
	}
	key := strings.Join(userTexts, "\n")

	if short {
		return key, fmt.Errorf("%w: have %d user turns, want %d", ErrInsufficientHistory, len(userTexts), window)
	}
	return key, nil
}
