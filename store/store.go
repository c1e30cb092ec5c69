// Package store implements the memory store orchestrator: the
// per-turn state machine that retrieves the best-matching knowledge
// article, hands PROFILE and KB values to the responder, updates the
// user profile, runs the merge/split engine, and persists the outcome
// durably.
//
// One call to RunCycle is one cycle. Cycles for the same conversation
// are serialized by a per-conversation lock; cycles for different
// conversations run concurrently. All generation happens before any
// persistence, so an aborted cycle never leaves partial state behind.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kbmem/kbmem-go/article"
	"github.com/kbmem/kbmem-go/engine"
	"github.com/kbmem/kbmem-go/generate"
	"github.com/kbmem/kbmem-go/index"
	"github.com/kbmem/kbmem-go/journal"
	"github.com/kbmem/kbmem-go/metrics"
	"github.com/kbmem/kbmem-go/profile"
)

// Config holds the orchestrator's tunables. Zero values select the
// documented defaults.
type Config struct {
	// KeyWindow is the number of recent turns (both roles) in a
	// retrieval key. Default 5.
	KeyWindow int

	// ProfileWindow is the number of recent user turns in a profile
	// update. Default 3.
	ProfileWindow int

	// SplitThreshold is the article word budget. Default 1000.
	SplitThreshold int

	// SimilarityThreshold gates index matches. Default 0.5.
	SimilarityThreshold float32

	// GenerateTimeout bounds each generator call. Default 60s.
	GenerateTimeout time.Duration

	// IndexTimeout bounds each index call. Default 10s.
	IndexTimeout time.Duration

	// IndexRetries is the number of attempts for an unavailable
	// index. Default 3.
	IndexRetries int

	// IndexRetryBackoff is the initial backoff between index
	// attempts; it doubles per retry. Default 500ms.
	IndexRetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeyWindow <= 0 {
		c.KeyWindow = article.DefaultKeyWindow
	}
	if c.ProfileWindow <= 0 {
		c.ProfileWindow = article.DefaultProfileWindow
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = article.DefaultSplitThreshold
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.5
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 60 * time.Second
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = 10 * time.Second
	}
	if c.IndexRetries <= 0 {
		c.IndexRetries = 3
	}
	if c.IndexRetryBackoff <= 0 {
		c.IndexRetryBackoff = 500 * time.Millisecond
	}
}

// Injection carries the two named values the downstream responder
// substitutes into its own template. The core does not own template
// syntax.
type Injection struct {
	Profile string
	KB      string
}

// Responder produces the conversational reply for the latest turn.
// The memory store treats it as opaque: it supplies the injection
// values and receives back the reply text.
type Responder interface {
	Respond(ctx context.Context, turns []article.ConversationTurn, inj Injection) (string, error)
}

// CycleResult reports what one cycle did. Reply is set as soon as the
// responder succeeds, so it survives even when a later maintenance
// step fails and RunCycle returns an error alongside it.
type CycleResult struct {
	ConversationID string

	// Reply is the responder's answer for this turn.
	Reply string

	// Retrieved is the article injected into the reply, nil when the
	// index had no match.
	Retrieved *index.Match

	// Profile is the updated profile text.
	Profile string

	// Outcome is the merge/split engine's terminal state.
	Outcome *engine.Outcome

	// Entries are the journal records appended for this cycle.
	Entries []journal.Entry
}

// Store is the memory store orchestrator.
type Store struct {
	cfg       Config
	idx       index.Index
	gen       generate.Generator
	eng       *engine.Engine
	jour      *journal.Journal
	profiles  profile.Store
	responder Responder
	log       *slog.Logger
	met       *metrics.Metrics
	dryRun    bool

	locks sync.Map // conversationID -> *sync.Mutex
}

// Option configures the store.
type Option func(*Store)

// WithResponder replaces the built-in generator-backed responder.
func WithResponder(r Responder) Option {
	return func(s *Store) { s.responder = r }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.met = m }
}

// WithDryRun disables all persistence (upsert, journal, profile
// write) while still generating. Used for rehearsing prompts.
func WithDryRun(dryRun bool) Option {
	return func(s *Store) { s.dryRun = dryRun }
}

// New creates the orchestrator. gen serves both the maintenance
// prompts and, unless WithResponder overrides it, the replies.
func New(idx index.Index, gen generate.Generator, jour *journal.Journal, profiles profile.Store, cfg Config, opts ...Option) *Store {
	cfg.applyDefaults()

	s := &Store{
		cfg:      cfg,
		idx:      idx,
		jour:     jour,
		profiles: profiles,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With("component", "store")

	// Every generator call shares the per-call timeout and, when
	// metrics are on, the per-kind call counter.
	s.gen = &instrumentedGenerator{
		inner:   gen,
		timeout: cfg.GenerateTimeout,
		met:     s.met,
	}
	s.eng = engine.New(s.gen, cfg.SplitThreshold, s.log)

	if s.responder == nil {
		s.responder = &generatorResponder{gen: s.gen, window: cfg.KeyWindow}
	}
	return s
}

// RunCycle executes one full retrieve-inject-update-persist cycle for
// a conversation turn. turns is the transcript so far, newest last;
// only the configured windows are read.
//
// On failure the returned CycleResult still carries the reply when
// one was produced: memory maintenance failures never invalidate the
// conversation turn itself.
func (s *Store) RunCycle(ctx context.Context, conversationID string, turns []article.ConversationTurn) (*CycleResult, error) {
	mu := s.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()
	result := &CycleResult{ConversationID: conversationID}

	// 1. Retrieval key from the recent window.
	key, err := article.BuildKey(turns, s.cfg.KeyWindow)
	if err != nil && !errors.Is(err, article.ErrInsufficientHistory) {
		return result, s.fail(err)
	}
	if errors.Is(err, article.ErrInsufficientHistory) {
		s.log.Debug("short history, proceeding with partial window",
			"conversation", conversationID, "turns", len(turns))
	}

	// 2. Nearest article above the similarity threshold, if any. An
	// unavailable index degrades to an empty injection: the turn is
	// still answered, only the maintenance phase aborts.
	match, queryErr := s.queryWithRetry(ctx, conversationID, key)
	if queryErr != nil {
		s.log.Warn("index query failed, replying without an article",
			"conversation", conversationID, "error", queryErr)
		match = nil
	}
	result.Retrieved = match

	// 3. Inject PROFILE and KB, produce the reply. A failed profile
	// read degrades the same way as a failed query.
	currentProfile, loadErr := s.profiles.Load(conversationID)
	if loadErr != nil {
		s.log.Warn("profile load failed, replying without a profile",
			"conversation", conversationID, "error", loadErr)
		currentProfile = ""
	}
	inj := Injection{Profile: currentProfile}
	if match != nil {
		inj.KB = match.Article.Text
	}

	reply, err := s.responder.Respond(ctx, turns, inj)
	if err != nil {
		return result, s.fail(fmt.Errorf("respond: %w", err))
	}
	result.Reply = reply

	// The reply is delivered; a degraded retrieval or profile read
	// still aborts the rest of the cycle.
	if queryErr != nil {
		return result, s.fail(queryErr)
	}
	if loadErr != nil {
		return result, s.fail(loadErr)
	}

	withReply := append(append([]article.ConversationTurn(nil), turns...), article.ConversationTurn{
		Role: article.RoleAssistant,
		Text: reply,
		Seq:  nextSeq(turns),
	})

	// 4. Updated profile text from the recent user turns. Generation
	// only; the overwrite waits for the persistence phase.
	newProfile, err := s.generateProfile(ctx, withReply, currentProfile)
	if err != nil {
		return result, s.fail(err)
	}
	result.Profile = newProfile

	// 5. Merge/split over the window including the fresh reply.
	updateKey, err := article.BuildKey(withReply, s.cfg.KeyWindow+1)
	if err != nil && !errors.Is(err, article.ErrInsufficientHistory) {
		return result, s.fail(err)
	}

	var existing *article.KnowledgeArticle
	if match != nil {
		existing = match.Article
	}
	outcome, err := s.updateWithRetry(ctx, existing, updateKey)
	if err != nil {
		return result, s.fail(err)
	}
	result.Outcome = outcome

	// 6. Persist. All generation succeeded; from here the cycle runs
	// to completion regardless of cancellation.
	if s.dryRun {
		s.log.Info("dry run, skipping persistence",
			"conversation", conversationID, "outcome", outcome.Kind.String())
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return result, s.fail(fmt.Errorf("cancelled before persistence: %w", err))
	}
	persistCtx := context.WithoutCancel(ctx)

	if err := s.persist(persistCtx, conversationID, newProfile, outcome, result); err != nil {
		return result, s.fail(err)
	}

	if s.met != nil {
		s.met.CyclesTotal.WithLabelValues(outcome.Kind.String()).Inc()
		if outcome.Kind == engine.OutcomeSplit {
			s.met.ArticlesSplit.Inc()
		}
		s.met.ObserveCycle(time.Since(started))
	}
	s.log.Info("cycle complete",
		"conversation", conversationID,
		"outcome", outcome.Kind.String(),
		"articles", len(outcome.Articles),
		"duration", time.Since(started))
	return result, nil
}

// persist upserts every resulting article and appends the journal
// entries, profile first, in artifact order.
func (s *Store) persist(ctx context.Context, conversationID, newProfile string, outcome *engine.Outcome, result *CycleResult) error {
	if err := s.profiles.Save(conversationID, newProfile); err != nil {
		return err
	}

	for _, art := range outcome.Articles {
		if err := s.upsertWithRetry(ctx, conversationID, art); err != nil {
			return err
		}
		if s.met != nil && art.Active {
			s.met.ArticleWords.Observe(float64(art.WordCount()))
		}
	}

	entries := []journal.Entry{{
		ConversationID: conversationID,
		Operation:      string(generate.KindUpdateProfile),
		Text:           journal.Excerpt(newProfile, excerptLimit),
	}}
	entries = append(entries, outcomeEntries(conversationID, outcome)...)

	for i := range entries {
		if err := s.jour.Append(&entries[i]); err != nil {
			return err
		}
	}
	result.Entries = entries
	return nil
}

// outcomeEntries builds one journal entry per generated artifact.
func outcomeEntries(conversationID string, outcome *engine.Outcome) []journal.Entry {
	op := outcome.Kind.String()

	if outcome.Kind == engine.OutcomeSplit {
		// One entry per child, each carrying its lineage.
		var entries []journal.Entry
		for _, art := range outcome.Articles {
			if !art.Active {
				continue
			}
			entries = append(entries, journal.Entry{
				ConversationID: conversationID,
				Operation:      op,
				ArticleIDs:     []string{art.ID, art.ParentID},
				Text:           journal.Excerpt(art.Text, excerptLimit),
			})
		}
		return entries
	}

	art := outcome.Articles[0]
	return []journal.Entry{{
		ConversationID: conversationID,
		Operation:      op,
		ArticleIDs:     []string{art.ID},
		Text:           journal.Excerpt(art.Text, excerptLimit),
	}}
}

// excerptLimit bounds journal entry bodies. Large enough to keep the
// full text of typical articles for replay.
const excerptLimit = 8000

// generateProfile produces the replacement profile text.
func (s *Store) generateProfile(ctx context.Context, turns []article.ConversationTurn, currentProfile string) (string, error) {
	profileKey, err := article.BuildProfileKey(turns, s.cfg.ProfileWindow)
	if err != nil && !errors.Is(err, article.ErrInsufficientHistory) {
		return "", err
	}

	inputs := map[string]string{
		generate.InputWindow:       profileKey,
		generate.InputProfile:      currentProfile,
		generate.InputProfileWords: fmt.Sprintf("%d", article.WordCount(currentProfile)),
	}

	text, err := generate.One(s.gen.Generate(ctx, generate.KindUpdateProfile, inputs))
	if isRetryableGeneration(err) {
		s.log.Warn("profile generation failed, retrying once", "error", err)
		text, err = generate.One(s.gen.Generate(ctx, generate.KindUpdateProfile, inputs))
	}
	if err != nil {
		return "", fmt.Errorf("update profile: %w", err)
	}
	return text, nil
}

// updateWithRetry runs the merge/split engine, retrying once on
// transient generation failures. Contract violations are never
// retried. The engine leaves its inputs untouched on failure, so a
// retry restarts from the same state.
func (s *Store) updateWithRetry(ctx context.Context, existing *article.KnowledgeArticle, window string) (*engine.Outcome, error) {
	outcome, err := s.eng.Update(ctx, existing, window)
	if isRetryableGeneration(err) {
		s.log.Warn("article update failed, retrying once", "error", err)
		outcome, err = s.eng.Update(ctx, existing, window)
	}
	return outcome, err
}

// queryWithRetry queries the index with capped exponential backoff.
func (s *Store) queryWithRetry(ctx context.Context, conversationID, key string) (*index.Match, error) {
	var match *index.Match
	err := s.withIndexRetry(ctx, func(callCtx context.Context) error {
		var err error
		match, err = s.idx.Query(callCtx, conversationID, key, s.cfg.SimilarityThreshold)
		return err
	})
	return match, err
}

// upsertWithRetry writes one article with the same retry policy.
func (s *Store) upsertWithRetry(ctx context.Context, conversationID string, art *article.KnowledgeArticle) error {
	return s.withIndexRetry(ctx, func(callCtx context.Context) error {
		return s.idx.Upsert(callCtx, conversationID, art)
	})
}

// withIndexRetry retries fn on ErrIndexUnavailable, doubling the
// backoff between attempts.
func (s *Store) withIndexRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := s.cfg.IndexRetryBackoff

	var err error
	for attempt := 1; attempt <= s.cfg.IndexRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.IndexTimeout)
		err = fn(callCtx)
		cancel()

		if err == nil || !errors.Is(err, article.ErrIndexUnavailable) {
			return err
		}
		if attempt == s.cfg.IndexRetries {
			break
		}

		s.log.Warn("index unavailable, backing off",
			"attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", article.ErrIndexUnavailable, ctx.Err())
		}
		backoff *= 2
	}
	return err
}

// fail records a cycle failure in metrics and returns err unchanged.
func (s *Store) fail(err error) error {
	if s.met != nil {
		s.met.CycleFailures.WithLabelValues(failureReason(err)).Inc()
	}
	return err
}

// failureReason maps an error to its metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, article.ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, article.ErrGenerationContract):
		return "generation_contract"
	case errors.Is(err, article.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, article.ErrGeneration):
		return "generation"
	case errors.Is(err, article.ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}

// isRetryableGeneration allows one retry for transient generator
// failures only.
func isRetryableGeneration(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, article.ErrGenerationContract) {
		return false
	}
	return errors.Is(err, article.ErrGeneration) || errors.Is(err, article.ErrGenerationTimeout)
}

// lockFor returns the mutex serializing cycles for a conversation.
func (s *Store) lockFor(conversationID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(conversationID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// nextSeq returns the sequence number for a turn appended after turns.
func nextSeq(turns []article.ConversationTurn) int {
	if len(turns) == 0 {
		return 0
	}
	return turns[len(turns)-1].Seq + 1
}
