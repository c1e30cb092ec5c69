package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/engine"
	"github.com/kbmem/kbmem-go/generate"
	genmock "github.com/kbmem/kbmem-go/generate/mock"
	"github.com/kbmem/kbmem-go/index"
	"github.com/kbmem/kbmem-go/index/chromem"
	embedmock "github.com/kbmem/kbmem-go/index/embedder/mock"
	"github.com/kbmem/kbmem-go/journal"
	"github.com/kbmem/kbmem-go/profile"
	"github.com/kbmem/kbmem-go/store"
)

type fixture struct {
	store    *store.Store
	gen      *genmock.Generator
	idx      index.Index
	jour     *journal.Journal
	profiles profile.Store
}

func newFixture(t *testing.T, script genmock.Script, opts ...store.Option) *fixture {
	t.Helper()

	idx, err := chromem.New(embedmock.New(), nil)
	if err != nil {
		t.Fatalf("chromem.New: %v", err)
	}

	jour, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { jour.Close() })

	profiles, err := profile.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("profile.NewFileStore: %v", err)
	}

	gen := genmock.New(script)
	s := store.New(idx, gen, jour, profiles, store.Config{
		IndexRetryBackoff: time.Millisecond,
	}, opts...)

	return &fixture{store: s, gen: gen, idx: idx, jour: jour, profiles: profiles}
}

// happyScript answers every kind with a small fixed body.
func happyScript(kind generate.Kind, inputs map[string]string) ([]string, error) {
	switch kind {
	case generate.KindGenerateReply:
		return []string{"Noted, I will remember that."}, nil
	case generate.KindUpdateProfile:
		return []string{"The user is building a key-value store in Go."}, nil
	case generate.KindDeriveArticle:
		return []string{"The user is implementing a log-structured key-value store."}, nil
	case generate.KindExpandArticle:
		return []string{"The user is implementing a log-structured key-value store with compaction."}, nil
	case generate.KindSplitArticle:
		return []string{"First half of the knowledge.", "Second half of the knowledge."}, nil
	}
	return nil, fmt.Errorf("unexpected kind %s", kind)
}

func turns(n int) []article.ConversationTurn {
	out := make([]article.ConversationTurn, n)
	for i := range out {
		role := article.RoleUser
		if i%2 == 1 {
			role = article.RoleAssistant
		}
		out[i] = article.ConversationTurn{
			Role: role,
			Text: fmt.Sprintf("message number %d about storage engines", i),
			Seq:  i,
		}
	}
	return out
}

func replayAll(t *testing.T, jour *journal.Journal, conversationID string) []journal.Entry {
	t.Helper()
	var entries []journal.Entry
	if err := jour.Replay(conversationID, func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return entries
}

func TestRunCycle_FirstTurnDerivesArticle(t *testing.T) {
	f := newFixture(t, happyScript)
	ctx := context.Background()

	result, err := f.store.RunCycle(ctx, "conv1", turns(5))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Reply != "Noted, I will remember that." {
		t.Errorf("Reply = %q", result.Reply)
	}
	if result.Retrieved != nil {
		t.Errorf("Retrieved = %+v, want nil on empty index", result.Retrieved)
	}
	if result.Outcome.Kind != engine.OutcomeCreated {
		t.Fatalf("Outcome.Kind = %v, want created", result.Outcome.Kind)
	}

	entries := replayAll(t, f.jour, "conv1")
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2 (profile + derive)", len(entries))
	}
	if entries[0].Operation != string(generate.KindUpdateProfile) {
		t.Errorf("entries[0].Operation = %q", entries[0].Operation)
	}
	if entries[1].Operation != string(generate.KindDeriveArticle) {
		t.Errorf("entries[1].Operation = %q", entries[1].Operation)
	}
	if len(entries[1].ArticleIDs) != 1 || entries[1].ArticleIDs[0] != result.Outcome.Articles[0].ID {
		t.Errorf("entries[1].ArticleIDs = %v", entries[1].ArticleIDs)
	}

	stored, err := f.profiles.Load("conv1")
	if err != nil {
		t.Fatalf("profiles.Load: %v", err)
	}
	if stored != "The user is building a key-value store in Go." {
		t.Errorf("profile = %q", stored)
	}

	// The new article must be retrievable by its own text.
	match, err := f.idx.Query(ctx, "conv1", result.Outcome.Articles[0].Text, 0.9)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if match == nil || match.Article.ID != result.Outcome.Articles[0].ID {
		t.Errorf("article not retrievable after cycle: %+v", match)
	}
}

func TestRunCycle_MatchedArticleInjectedIntoReply(t *testing.T) {
	var sawKB string
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindGenerateReply {
			sawKB = inputs[generate.InputKB]
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)
	ctx := context.Background()

	history := turns(5)
	key, _ := article.BuildKey(history, 5)

	// Seed an article whose text equals the retrieval key so the mock
	// embedder scores it as a near-exact match.
	seeded := article.New(key)
	if err := f.idx.Upsert(ctx, "conv1", seeded); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	result, err := f.store.RunCycle(ctx, "conv1", history)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Retrieved == nil || result.Retrieved.Article.ID != seeded.ID {
		t.Fatalf("Retrieved = %+v, want seeded article", result.Retrieved)
	}
	if sawKB != seeded.Text {
		t.Errorf("reply prompt kb input = %q, want seeded article text", sawKB)
	}
	if result.Outcome.Kind != engine.OutcomeMerged {
		t.Errorf("Outcome.Kind = %v, want merged", result.Outcome.Kind)
	}
}

func TestRunCycle_OversizedMergeSplits(t *testing.T) {
	oversized := strings.Repeat("knowledge ", 1200)
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindExpandArticle {
			return []string{oversized}, nil
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)
	ctx := context.Background()

	history := turns(5)
	key, _ := article.BuildKey(history, 5)
	seeded := article.New(key)
	if err := f.idx.Upsert(ctx, "conv1", seeded); err != nil {
		t.Fatalf("seed Upsert: %v", err)
	}

	result, err := f.store.RunCycle(ctx, "conv1", history)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if result.Outcome.Kind != engine.OutcomeSplit {
		t.Fatalf("Outcome.Kind = %v, want split", result.Outcome.Kind)
	}
	if result.Outcome.Parent == nil || result.Outcome.Parent.Active {
		t.Errorf("parent not retired: %+v", result.Outcome.Parent)
	}

	entries := replayAll(t, f.jour, "conv1")
	var splitEntries []journal.Entry
	for _, e := range entries {
		if e.Operation == string(generate.KindSplitArticle) {
			splitEntries = append(splitEntries, e)
		}
	}
	if len(splitEntries) != 2 {
		t.Fatalf("split entries = %d, want one per child", len(splitEntries))
	}
	for _, e := range splitEntries {
		if len(e.ArticleIDs) != 2 || e.ArticleIDs[1] != seeded.ID {
			t.Errorf("split entry lineage = %v, want [child %s]", e.ArticleIDs, seeded.ID)
		}
	}

	// The retired parent must no longer be a retrieval target.
	match, err := f.idx.Query(ctx, "conv1", seeded.Text, 0.9)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if match != nil && match.Article.ID == seeded.ID {
		t.Error("retired parent still retrievable")
	}
}

func TestRunCycle_TransientGenerationRetriedOnce(t *testing.T) {
	var failures int32
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindDeriveArticle && atomic.AddInt32(&failures, 1) == 1 {
			return nil, fmt.Errorf("%w: transient backend error", article.ErrGeneration)
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)

	result, err := f.store.RunCycle(context.Background(), "conv1", turns(5))
	if err != nil {
		t.Fatalf("RunCycle after retry: %v", err)
	}
	if result.Outcome.Kind != engine.OutcomeCreated {
		t.Errorf("Outcome.Kind = %v, want created", result.Outcome.Kind)
	}
	if got := f.gen.CallCount(generate.KindDeriveArticle); got != 2 {
		t.Errorf("derive calls = %d, want 2", got)
	}
}

func TestRunCycle_PersistentFailureLeavesNoState(t *testing.T) {
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindDeriveArticle {
			return nil, fmt.Errorf("%w: backend down", article.ErrGeneration)
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)
	ctx := context.Background()

	result, err := f.store.RunCycle(ctx, "conv1", turns(5))
	if !errors.Is(err, article.ErrGeneration) {
		t.Fatalf("err = %v, want ErrGeneration", err)
	}
	if result.Reply == "" {
		t.Error("reply lost on maintenance failure; it must survive")
	}
	if got := f.gen.CallCount(generate.KindDeriveArticle); got != 2 {
		t.Errorf("derive calls = %d, want 2 (one retry)", got)
	}

	if entries := replayAll(t, f.jour, "conv1"); len(entries) != 0 {
		t.Errorf("journal entries = %d after aborted cycle, want 0", len(entries))
	}
	if stored, _ := f.profiles.Load("conv1"); stored != "" {
		t.Errorf("profile = %q after aborted cycle, want empty", stored)
	}
	if match, _ := f.idx.Query(ctx, "conv1", "message number 4 about storage engines", 0); match != nil {
		t.Errorf("index mutated by aborted cycle: %+v", match)
	}
}

// failingIndex reports the index as down on every call.
type failingIndex struct {
	queries int32
}

func (f *failingIndex) Query(ctx context.Context, conversationID, key string, threshold float32) (*index.Match, error) {
	atomic.AddInt32(&f.queries, 1)
	return nil, fmt.Errorf("%w: connection refused", article.ErrIndexUnavailable)
}

func (f *failingIndex) Upsert(ctx context.Context, conversationID string, art *article.KnowledgeArticle) error {
	return fmt.Errorf("%w: connection refused", article.ErrIndexUnavailable)
}

func (f *failingIndex) Delete(ctx context.Context, conversationID, id string) error {
	return fmt.Errorf("%w: connection refused", article.ErrIndexUnavailable)
}

func (f *failingIndex) Close() error { return nil }

func TestRunCycle_IndexOutageStillReplies(t *testing.T) {
	var sawKB string
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindGenerateReply {
			sawKB = inputs[generate.InputKB]
		}
		return happyScript(kind, inputs)
	}

	idx := &failingIndex{}
	jour, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jour.Close()
	profiles, err := profile.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("profile.NewFileStore: %v", err)
	}

	gen := genmock.New(script)
	s := store.New(idx, gen, jour, profiles, store.Config{
		IndexRetries:      2,
		IndexRetryBackoff: time.Millisecond,
	})

	result, err := s.RunCycle(context.Background(), "conv1", turns(5))
	if !errors.Is(err, article.ErrIndexUnavailable) {
		t.Fatalf("err = %v, want ErrIndexUnavailable", err)
	}

	// The conversation turn itself must survive the outage.
	if result.Reply != "Noted, I will remember that." {
		t.Errorf("Reply = %q, want the reply despite the outage", result.Reply)
	}
	if sawKB != "" {
		t.Errorf("reply prompt kb input = %q, want empty during outage", sawKB)
	}

	// The query was retried, the maintenance phase was not run.
	if got := atomic.LoadInt32(&idx.queries); got != 2 {
		t.Errorf("query attempts = %d, want 2", got)
	}
	if got := gen.CallCount(generate.KindDeriveArticle); got != 0 {
		t.Errorf("derive calls = %d during outage, want 0", got)
	}
	if entries := replayAll(t, jour, "conv1"); len(entries) != 0 {
		t.Errorf("journal entries = %d after aborted cycle, want 0", len(entries))
	}
	if stored, _ := profiles.Load("conv1"); stored != "" {
		t.Errorf("profile = %q after aborted cycle, want empty", stored)
	}
}

// failingProfiles cannot read or write.
type failingProfiles struct{}

func (failingProfiles) Load(conversationID string) (string, error) {
	return "", fmt.Errorf("%w: profile volume offline", article.ErrPersistence)
}

func (failingProfiles) Save(conversationID, text string) error {
	return fmt.Errorf("%w: profile volume offline", article.ErrPersistence)
}

func TestRunCycle_ProfileReadFailureStillReplies(t *testing.T) {
	idx, err := chromem.New(embedmock.New(), nil)
	if err != nil {
		t.Fatalf("chromem.New: %v", err)
	}
	jour, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jour.Close()

	s := store.New(idx, genmock.New(happyScript), jour, failingProfiles{}, store.Config{
		IndexRetryBackoff: time.Millisecond,
	})

	result, err := s.RunCycle(context.Background(), "conv1", turns(5))
	if !errors.Is(err, article.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if result.Reply != "Noted, I will remember that." {
		t.Errorf("Reply = %q, want the reply despite the failed read", result.Reply)
	}
	if entries := replayAll(t, jour, "conv1"); len(entries) != 0 {
		t.Errorf("journal entries = %d after aborted cycle, want 0", len(entries))
	}
}

func TestRunCycle_GenerationTimeout(t *testing.T) {
	f := newFixture(t, happyScript)
	f.gen.Delay = 200 * time.Millisecond

	s := store.New(f.idx, f.gen, f.jour, f.profiles, store.Config{
		GenerateTimeout:   10 * time.Millisecond,
		IndexRetryBackoff: time.Millisecond,
	})

	_, err := s.RunCycle(context.Background(), "conv1", turns(5))
	if !errors.Is(err, article.ErrGenerationTimeout) {
		t.Fatalf("err = %v, want ErrGenerationTimeout", err)
	}
	if entries := replayAll(t, f.jour, "conv1"); len(entries) != 0 {
		t.Errorf("journal entries = %d after timed-out cycle, want 0", len(entries))
	}
}

func TestRunCycle_ContractViolationNotRetried(t *testing.T) {
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindDeriveArticle {
			return []string{"one", "two"}, nil
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)

	_, err := f.store.RunCycle(context.Background(), "conv1", turns(5))
	if !errors.Is(err, article.ErrGenerationContract) {
		t.Fatalf("err = %v, want ErrGenerationContract", err)
	}
	if got := f.gen.CallCount(generate.KindDeriveArticle); got != 1 {
		t.Errorf("derive calls = %d, want 1 (contract violations are not retried)", got)
	}
}

func TestRunCycle_SameConversationSerialized(t *testing.T) {
	var active, maxActive int32
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			cur := atomic.LoadInt32(&maxActive)
			if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.store.RunCycle(context.Background(), "conv1", turns(5)); err != nil {
				t.Errorf("RunCycle: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent generations for one conversation = %d, want 1", got)
	}
	if entries := replayAll(t, f.jour, "conv1"); len(entries) != 8 {
		t.Errorf("journal entries = %d, want 8 (2 per cycle)", len(entries))
	}
}

func TestRunCycle_DifferentConversationsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var waiting sync.WaitGroup
	waiting.Add(2)

	var arrivals int32
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		// Each conversation's first generator call is its reply; park
		// both until the other has arrived.
		if kind == generate.KindGenerateReply && atomic.AddInt32(&arrivals, 1) <= 2 {
			waiting.Done()
			<-release
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)

	var wg sync.WaitGroup
	for _, conv := range []string{"conv1", "conv2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.store.RunCycle(context.Background(), id, turns(5)); err != nil {
				t.Errorf("RunCycle(%s): %v", id, err)
			}
		}(conv)
	}

	// If conversations were serialized against each other this would
	// deadlock; the watchdog turns that into a failure instead.
	parked := make(chan struct{})
	go func() { waiting.Wait(); close(parked) }()
	select {
	case <-parked:
	case <-time.After(5 * time.Second):
		t.Fatal("conversations did not run concurrently")
	}
	close(release)
	wg.Wait()
}

func TestRunCycle_DryRunSkipsPersistence(t *testing.T) {
	f := newFixture(t, happyScript, store.WithDryRun(true))
	ctx := context.Background()

	result, err := f.store.RunCycle(ctx, "conv1", turns(5))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Outcome == nil || result.Outcome.Kind != engine.OutcomeCreated {
		t.Fatalf("Outcome = %+v, want created", result.Outcome)
	}

	if entries := replayAll(t, f.jour, "conv1"); len(entries) != 0 {
		t.Errorf("journal entries = %d in dry run, want 0", len(entries))
	}
	if stored, _ := f.profiles.Load("conv1"); stored != "" {
		t.Errorf("profile = %q in dry run, want empty", stored)
	}
	if match, _ := f.idx.Query(ctx, "conv1", result.Outcome.Articles[0].Text, 0); match != nil {
		t.Errorf("index mutated in dry run: %+v", match)
	}
}

func TestRunCycle_ProfileOverwrittenEachCycle(t *testing.T) {
	var cycle int32
	script := func(kind generate.Kind, inputs map[string]string) ([]string, error) {
		if kind == generate.KindUpdateProfile {
			return []string{fmt.Sprintf("profile version %d", atomic.LoadInt32(&cycle))}, nil
		}
		return happyScript(kind, inputs)
	}
	f := newFixture(t, script)
	ctx := context.Background()

	atomic.StoreInt32(&cycle, 1)
	if _, err := f.store.RunCycle(ctx, "conv1", turns(5)); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	atomic.StoreInt32(&cycle, 2)
	if _, err := f.store.RunCycle(ctx, "conv1", turns(7)); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	stored, err := f.profiles.Load("conv1")
	if err != nil {
		t.Fatalf("profiles.Load: %v", err)
	}
	if stored != "profile version 2" {
		t.Errorf("profile = %q, want the latest version only", stored)
	}

	// Both versions survive in the journal.
	var profileEntries []string
	for _, e := range replayAll(t, f.jour, "conv1") {
		if e.Operation == string(generate.KindUpdateProfile) {
			profileEntries = append(profileEntries, e.Text)
		}
	}
	if len(profileEntries) != 2 || profileEntries[0] != "profile version 1" || profileEntries[1] != "profile version 2" {
		t.Errorf("journaled profiles = %v", profileEntries)
	}
}

func TestRunCycle_ShortHistoryStillRuns(t *testing.T) {
	f := newFixture(t, happyScript)

	result, err := f.store.RunCycle(context.Background(), "conv1", turns(2))
	if err != nil {
		t.Fatalf("RunCycle with short history: %v", err)
	}
	if result.Outcome.Kind != engine.OutcomeCreated {
		t.Errorf("Outcome.Kind = %v, want created", result.Outcome.Kind)
	}
}

func TestRunCycle_CustomResponder(t *testing.T) {
	responder := responderFunc(func(ctx context.Context, turns []article.ConversationTurn, inj store.Injection) (string, error) {
		return "host reply: " + inj.Profile, nil
	})
	f := newFixture(t, happyScript, store.WithResponder(responder))
	ctx := context.Background()

	if err := f.profiles.Save("conv1", "known user"); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	result, err := f.store.RunCycle(ctx, "conv1", turns(5))
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Reply != "host reply: known user" {
		t.Errorf("Reply = %q", result.Reply)
	}
	if got := f.gen.CallCount(generate.KindGenerateReply); got != 0 {
		t.Errorf("built-in reply prompt used %d times despite custom responder", got)
	}
}

type responderFunc func(context.Context, []article.ConversationTurn, store.Injection) (string, error)

func (f responderFunc) Respond(ctx context.Context, turns []article.ConversationTurn, inj store.Injection) (string, error) {
	return f(ctx, turns, inj)
}
