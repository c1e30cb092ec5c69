package journal_test

import (
	"path/filepath"
	"testing"

	"github.com/kbmem/kbmem-go/journal"
)

func open(t *testing.T, path string) *journal.Journal {
	t.Helper()
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j
}

func TestAppendReplay_Order(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbmem.journal")
	j := open(t, path)
	defer j.Close()

	ops := []string{"derive_article", "update_profile", "expand_article", "split_article"}
	for _, op := range ops {
		if err := j.Append(&journal.Entry{
			ConversationID: "conv1",
			Operation:      op,
			Text:           "body for " + op,
		}); err != nil {
			t.Fatalf("append %s: %v", op, err)
		}
	}

	var got []string
	var seqs []uint64
	err := j.Replay("conv1", func(e journal.Entry) error {
		got = append(got, e.Operation)
		seqs = append(seqs, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(got) != len(ops) {
		t.Fatalf("expected %d entries, got %d", len(ops), len(got))
	}
	for i, op := range ops {
		if got[i] != op {
			t.Errorf("entry %d: got %s, want %s", i, got[i], op)
		}
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("sequence not strictly increasing: %v", seqs)
		}
	}
}

func TestAppend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbmem.journal")

	j := open(t, path)
	if err := j.Append(&journal.Entry{
		ConversationID: "conv1",
		Operation:      "derive_article",
		ArticleIDs:     []string{"a1"},
		Text:           "persisted body",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j = open(t, path)
	defer j.Close()

	count := 0
	err := j.Replay("conv1", func(e journal.Entry) error {
		count++
		if e.Text != "persisted body" || len(e.ArticleIDs) != 1 || e.ArticleIDs[0] != "a1" {
			t.Errorf("entry corrupted after reopen: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not assigned")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry after reopen, got %d", count)
	}
}

func TestReplay_ConversationsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kbmem.journal")
	j := open(t, path)
	defer j.Close()

	if err := j.Append(&journal.Entry{ConversationID: "a", Operation: "derive_article"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(&journal.Entry{ConversationID: "b", Operation: "expand_article"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	count := 0
	if err := j.Replay("a", func(e journal.Entry) error {
		count++
		if e.ConversationID != "a" {
			t.Errorf("foreign entry in replay: %+v", e)
		}
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry for conversation a, got %d", count)
	}

	// Unknown conversation replays empty, not an error.
	if err := j.Replay("missing", func(journal.Entry) error {
		t.Fatal("unexpected entry")
		return nil
	}); err != nil {
		t.Fatalf("replay missing conversation: %v", err)
	}
}

func TestAppend_RequiresConversationID(t *testing.T) {
	j := open(t, filepath.Join(t.TempDir(), "kbmem.journal"))
	defer j.Close()

	if err := j.Append(&journal.Entry{Operation: "derive_article"}); err == nil {
		t.Fatal("expected error for missing conversation id")
	}
}

func TestExcerpt(t *testing.T) {
	if got := journal.Excerpt("short", 10); got != "short" {
		t.Errorf("Excerpt(short) = %q", got)
	}
	if got := journal.Excerpt("abcdefghij", 4); got != "abcd..." {
		t.Errorf("Excerpt long = %q", got)
	}
	if got := journal.Excerpt("anything", 0); got != "anything" {
		t.Errorf("Excerpt unlimited = %q", got)
	}
}
