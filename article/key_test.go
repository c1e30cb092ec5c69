package article_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/kbmem/kbmem-go/article"
)

func turns(texts ...string) []article.ConversationTurn {
	// Alternate user/assistant starting with user.
	out := make([]article.ConversationTurn, 0, len(texts))
	for i, text := range texts {
		role := article.RoleUser
		if i%2 == 1 {
			role = article.RoleAssistant
		}
		out = append(out, article.ConversationTurn{Role: role, Text: text, Seq: i})
	}
	return out
}

func TestBuildKey_WindowSelection(t *testing.T) {
	key, err := article.BuildKey(turns("a", "b", "c", "d", "e", "f", "g"), 5)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}

	lines := strings.Split(key, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %q", len(lines), key)
	}
	if lines[0] != "USER: c" {
		t.Errorf("expected window to start five turns from the end, got %q", lines[0])
	}
	if lines[4] != "USER: g" {
		t.Errorf("expected chronological order ending with latest turn, got %q", lines[4])
	}
}

func TestBuildKey_ShortHistory(t *testing.T) {
	key, err := article.BuildKey(turns("hello", "hi"), 5)
	if !errors.Is(err, article.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
	// Short history still yields a usable key.
	if key != "USER: hello\nASSISTANT: hi" {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestBuildKey_SkipsBlankTurns(t *testing.T) {
	in := turns("a", "   ", "c", "d", "e")
	key, err := article.BuildKey(in, 5)
	if err != nil {
		t.Fatalf("BuildKey: %v", err)
	}
	if strings.Contains(key, "ASSISTANT:  ") {
		t.Errorf("blank turn leaked into key: %q", key)
	}
	if len(strings.Split(key, "\n")) != 4 {
		t.Errorf("expected 4 lines, got %q", key)
	}
}

func TestBuildProfileKey_UserOnly(t *testing.T) {
	in := turns("first", "reply one", "second", "reply two", "third", "reply three", "fourth")
	key, err := article.BuildProfileKey(in, 3)
	if err != nil {
		t.Fatalf("BuildProfileKey: %v", err)
	}
	if key != "second\nthird\nfourth" {
		t.Errorf("expected last three user turns, got %q", key)
	}
	if strings.Contains(key, "reply") {
		t.Errorf("assistant text leaked into profile key: %q", key)
	}
}

func TestBuildProfileKey_ShortHistory(t *testing.T) {
	key, err := article.BuildProfileKey(turns("only one"), 3)
	if !errors.Is(err, article.ErrInsufficientHistory) {
		t.Fatalf("expected ErrInsufficientHistory, got %v", err)
	}
	if key != "only one" {
		t.Errorf("unexpected key: %q", key)
	}
}

func TestWordCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"one", 1},
		{"two  words", 2},
		{"line\nbreaks\tcount too", 4},
	}
	for _, c := range cases {
		if got := article.WordCount(c.in); got != c.want {
			t.Errorf("WordCount(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSetTextClearsEmbedding(t *testing.T) {
	a := article.New("original body")
	a.Embedding = []float32{0.1, 0.2}

	a.SetText("rewritten body")
	if a.Embedding != nil {
		t.Error("expected embedding cleared after text change")
	}
	if !a.UpdatedAt.After(a.CreatedAt) && !a.UpdatedAt.Equal(a.CreatedAt) {
		t.Error("UpdatedAt not advanced")
	}
}

func TestNewChildLineage(t *testing.T) {
	parent := article.New("parent body")
	child := article.NewChild(parent, "child body")

	if child.ParentID != parent.ID {
		t.Errorf("ParentID = %q, want %q", child.ParentID, parent.ID)
	}
	if child.ID == parent.ID {
		t.Error("child must get its own ID")
	}
	if !child.Active {
		t.Error("new child should be active")
	}
}
