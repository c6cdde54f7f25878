package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"clashchat/internal/archive"
	"clashchat/internal/config"
	"clashchat/internal/resultcache"
	"clashchat/internal/search"
	"clashchat/internal/store"
	"clashchat/internal/stream"
	"clashchat/internal/util"
)

type CreateTopicInput struct {
	TopicText string `json:"topicText"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type CommitSideInput struct {
	UserID string `json:"userId"`
	Side   string `json:"side"`
}

type PostMessageInput struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Text     string `json:"text"`
}

var allowedSides = map[string]struct{}{
	store.SideAgree:    {},
	store.SideDisagree: {},
}

type dataStore interface {
	Ping(context.Context) error
	InsertTopic(context.Context, store.Topic) error
	GetTopic(context.Context, string) (store.Topic, error)
	ListTopics(context.Context) ([]store.Topic, error)
	EndTopic(context.Context, string, time.Time) (bool, error)
	DeleteTopic(context.Context, string) error
	ListExpiredTopicIDs(context.Context, time.Time) ([]string, error)
	InsertSideCommitment(context.Context, store.SideCommitment) error
	GetSideCommitment(context.Context, string, string) (string, error)
	CountSides(context.Context, string) (store.VoteTotals, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	UpsertResult(context.Context, store.DebateResult) error
	UpsertLatestResult(context.Context, store.DebateResult) error
	GetResult(context.Context, string) (store.DebateResult, error)
	GetLatestResult(context.Context) (store.DebateResult, error)
	LeaderboardCounts(context.Context, int) ([]store.LeaderboardEntry, error)
}

type summarizer interface {
	Summarize(context.Context, store.Topic, []store.Message) (string, error)
}

type archiver interface {
	Store(context.Context, archive.Transcript) error
}

type Service struct {
	cfg        config.Config
	store      dataStore
	broker     *stream.Broker
	summarizer summarizer
	search     *search.Service
	cache      *resultcache.RedisCache
	archive    archiver
}

func New(cfg config.Config, dataStore dataStore, broker *stream.Broker, summarizer summarizer, searchService *search.Service) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		broker:     broker,
		summarizer: summarizer,
		search:     searchService,
	}
}

// WithResultCache attaches the optional Redis latest-result cache.
func (s *Service) WithResultCache(cache *resultcache.RedisCache) *Service {
	s.cache = cache
	return s
}

// WithArchive attaches the optional transcript archive.
func (s *Service) WithArchive(archiveService archiver) *Service {
	s.archive = archiveService
	return s
}

// Bootstrap pushes existing topics into the search index so a fresh
// Meilisearch instance catches up with Postgres.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search == nil {
		return nil
	}
	topics, err := s.store.ListTopics(ctx)
	if err != nil {
		return err
	}
	records := make([]search.TopicRecord, 0, len(topics))
	for _, topic := range topics {
		records = append(records, topicRecord(topic))
	}
	s.search.ReindexAll(records)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Ping(ctx)
}

func (s *Service) CreateTopic(ctx context.Context, input CreateTopicInput) (store.Topic, error) {
	text := strings.TrimSpace(input.TopicText)
	if text == "" {
		return store.Topic{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "topicText is required", nil)
	}
	if utf8.RuneCountInString(text) > s.cfg.TopicMaxLen {
		return store.Topic{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "topicText is too long", nil)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return store.Topic{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	name := strings.TrimSpace(input.UserName)
	if name == "" {
		name = "Anonymous"
	}

	topic := store.Topic{
		ID:            util.NewID("topic"),
		TopicText:     text,
		CreatedBy:     input.UserID,
		CreatedByName: name,
		Status:        store.TopicActive,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertTopic(ctx, topic); err != nil {
		return store.Topic{}, err
	}
	if s.search != nil {
		s.search.IndexTopic(topicRecord(topic))
	}
	return topic, nil
}

func (s *Service) ListTopics(ctx context.Context) ([]store.Topic, error) {
	return s.store.ListTopics(ctx)
}

func (s *Service) GetTopic(ctx context.Context, topicID string) (store.Topic, error) {
	return s.store.GetTopic(ctx, topicID)
}

func (s *Service) DeleteTopic(ctx context.Context, topicID, requesterID string) error {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return err
	}
	if topic.CreatedBy != requesterID {
		return domainError(http.StatusForbidden, "UNAUTHORIZED", "only the topic creator can delete it", nil)
	}
	if err := s.store.DeleteTopic(ctx, topicID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTopic(topicID)
	}
	return nil
}

// CloseTopic transitions a topic to ended. Closing an already-ended topic
// is a no-op success, so duplicate triggers (double click, retried sweep,
// concurrent creator sessions) are harmless. Exactly the caller that wins
// the store's compare-and-swap dispatches summarization; dispatch failures
// never roll the transition back.
func (s *Service) CloseTopic(ctx context.Context, topicID, requesterID string, fromSweep bool) (store.Topic, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return store.Topic{}, err
	}
	if !fromSweep && topic.CreatedBy != requesterID {
		return store.Topic{}, domainError(http.StatusForbidden, "UNAUTHORIZED", "only the topic creator can end it", nil)
	}
	if topic.Status == store.TopicEnded {
		return topic, nil
	}

	changed, err := s.store.EndTopic(ctx, topicID, time.Now().UTC())
	if err != nil {
		return store.Topic{}, err
	}
	if changed {
		s.dispatchSummaryAsync(topicID)
	}
	return s.store.GetTopic(ctx, topicID)
}

// SweepExpiredTopics ends every active topic older than the retention
// window, one atomic transition per topic, and returns how many it closed.
// Safe to re-run on overlapping schedules.
func (s *Service) SweepExpiredTopics(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.RetentionWindow)
	ids, err := s.store.ListExpiredTopicIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, topicID := range ids {
		changed, err := s.store.EndTopic(ctx, topicID, now)
		if err != nil {
			log.Printf("sweep: end topic %s: %v", topicID, err)
			continue
		}
		if changed {
			closed++
			s.dispatchSummaryAsync(topicID)
		}
	}
	return closed, nil
}

// CommitSide records a user's side choice: first write wins, a repeated
// join returns the side already on record instead of failing.
func (s *Service) CommitSide(ctx context.Context, topicID string, input CommitSideInput) (string, error) {
	side := strings.ToLower(strings.TrimSpace(input.Side))
	if _, ok := allowedSides[side]; !ok {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "side must be 'agree' or 'disagree'", nil)
	}
	if strings.TrimSpace(input.UserID) == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}

	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return "", err
	}
	if topic.Status == store.TopicEnded {
		return "", domainError(http.StatusConflict, "STATE_ERROR", "topic has ended", nil)
	}

	if err := s.store.InsertSideCommitment(ctx, store.SideCommitment{
		TopicID:   topicID,
		UserID:    input.UserID,
		Side:      side,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	return s.store.GetSideCommitment(ctx, topicID, input.UserID)
}

// GetSide returns the committed side, or "" when uncommitted.
func (s *Service) GetSide(ctx context.Context, topicID, userID string) (string, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return "", err
	}
	return s.store.GetSideCommitment(ctx, topicID, userID)
}

// VoteTotals derives per-side counts from the commitment ledger.
func (s *Service) VoteTotals(ctx context.Context, topicID string) (store.VoteTotals, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return store.VoteTotals{}, err
	}
	return s.store.CountSides(ctx, topicID)
}

func (s *Service) PostMessage(ctx context.Context, topicID string, input PostMessageInput) (store.Message, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is required", nil)
	}
	if utf8.RuneCountInString(text) > s.cfg.MessageMaxLen {
		return store.Message{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text is too long", nil)
	}

	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return store.Message{}, err
	}
	if topic.Status == store.TopicEnded {
		return store.Message{}, domainError(http.StatusConflict, "STATE_ERROR", "topic has ended", nil)
	}

	side, err := s.store.GetSideCommitment(ctx, topicID, input.UserID)
	if err != nil {
		return store.Message{}, err
	}
	if side == "" {
		return store.Message{}, domainError(http.StatusForbidden, "UNAUTHORIZED", "join a side before posting", nil)
	}

	name := strings.TrimSpace(input.UserName)
	if name == "" {
		name = "Anonymous"
	}

	return s.broker.Post(ctx, topicID, func(ctx context.Context) (store.Message, error) {
		return s.store.InsertMessage(ctx, store.Message{
			ID:         util.NewID("msg"),
			TopicID:    topicID,
			AuthorID:   input.UserID,
			AuthorName: name,
			Side:       side,
			Text:       text,
		})
	})
}

func (s *Service) Messages(ctx context.Context, topicID string) ([]store.Message, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, topicID)
}

// Subscribe attaches a live subscription to a topic's message stream.
func (s *Service) Subscribe(ctx context.Context, topicID string) (*stream.Subscription, error) {
	if _, err := s.store.GetTopic(ctx, topicID); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, topicID)
}

func (s *Service) Leaderboard(ctx context.Context, topN int) ([]store.LeaderboardEntry, error) {
	if topN <= 0 {
		topN = 10
	}
	if topN > 100 {
		topN = 100
	}
	entries, err := s.store.LeaderboardCounts(ctx, topN)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.LeaderboardEntry{}
	}
	return entries, nil
}

func (s *Service) Result(ctx context.Context, topicID string) (store.DebateResult, error) {
	return s.store.GetResult(ctx, topicID)
}

// LatestResult reads the most-recent-result pointer, preferring the Redis
// cache when one is attached.
func (s *Service) LatestResult(ctx context.Context) (store.DebateResult, error) {
	if s.cache != nil {
		result, ok, err := s.cache.GetLatest(ctx)
		if err != nil {
			log.Printf("resultcache: read latest: %v", err)
		} else if ok {
			return result, nil
		}
	}
	return s.store.GetLatestResult(ctx)
}

// DispatchSummary generates and persists the one-time debate summary.
// The result write is an idempotent upsert keyed by topic, so calling this
// again after a transient failure cannot create duplicates.
func (s *Service) DispatchSummary(ctx context.Context, topicID string) (store.DebateResult, error) {
	topic, err := s.store.GetTopic(ctx, topicID)
	if err != nil {
		return store.DebateResult{}, err
	}
	messages, err := s.store.ListMessages(ctx, topicID)
	if err != nil {
		return store.DebateResult{}, err
	}
	if len(messages) == 0 {
		return store.DebateResult{}, domainError(http.StatusBadRequest, "EMPTY_DEBATE", "topic has no messages to summarize", nil)
	}

	summary, err := s.summarizer.Summarize(ctx, topic, messages)
	if err != nil {
		return store.DebateResult{}, domainError(http.StatusInternalServerError, "DOWNSTREAM_ERROR", "summarization failed", err.Error())
	}

	result := store.DebateResult{
		TopicID:      topicID,
		Summary:      summary,
		TopicText:    topic.TopicText,
		MessageCount: len(messages),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.UpsertResult(ctx, result); err != nil {
		return store.DebateResult{}, err
	}
	if err := s.store.UpsertLatestResult(ctx, result); err != nil {
		return store.DebateResult{}, err
	}
	if s.cache != nil {
		if err := s.cache.SetLatest(ctx, result); err != nil {
			log.Printf("resultcache: set latest for topic %s: %v", topicID, err)
		}
	}
	s.archiveAsync(topic, messages, summary)
	return result, nil
}

// dispatchSummaryAsync runs the dispatcher on a background context so an
// in-flight summarization outlives the request that triggered the close.
func (s *Service) dispatchSummaryAsync(topicID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SummarizerTimeout+30*time.Second)
		defer cancel()
		if _, err := s.DispatchSummary(ctx, topicID); err != nil {
			var domainErr *DomainError
			if errors.As(err, &domainErr) && domainErr.Code == "EMPTY_DEBATE" {
				log.Printf("summary: topic %s closed with no messages, skipping", topicID)
				return
			}
			log.Printf("summary: dispatch for topic %s: %v", topicID, err)
		}
	}()
}

func (s *Service) archiveAsync(topic store.Topic, messages []store.Message, summary string) {
	if s.archive == nil {
		return
	}
	transcript := archive.BuildTranscript(topic, messages, summary)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.archive.Store(ctx, transcript); err != nil {
			log.Printf("archive: transcript for topic %s: %v", topic.ID, err)
		}
	}()
}

func (s *Service) SearchTopics(query search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}
	}
	return s.search.Search(query)
}

func (s *Service) RetentionWindow() time.Duration {
	return s.cfg.RetentionWindow
}

func topicRecord(topic store.Topic) search.TopicRecord {
	return search.TopicRecord{
		ID:            topic.ID,
		TopicText:     topic.TopicText,
		CreatedByName: topic.CreatedByName,
		Status:        topic.Status,
	}
}
