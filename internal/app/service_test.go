package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clashchat/internal/config"
	"clashchat/internal/store"
	"clashchat/internal/stream"
)

// memStore is an in-memory dataStore for exercising lifecycle semantics.
type memStore struct {
	mu          sync.Mutex
	topics      map[string]store.Topic
	commitments map[string]store.SideCommitment
	messages    []store.Message
	nextSeq     int64
	results     map[string]store.DebateResult
	latest      *store.DebateResult

	resultUpserts int32
}

func newMemStore() *memStore {
	return &memStore{
		topics:      make(map[string]store.Topic),
		commitments: make(map[string]store.SideCommitment),
		results:     make(map[string]store.DebateResult),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) InsertTopic(_ context.Context, topic store.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topic.ID] = topic
	return nil
}

func (m *memStore) GetTopic(_ context.Context, topicID string) (store.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic, ok := m.topics[topicID]
	if !ok {
		return store.Topic{}, sql.ErrNoRows
	}
	return topic, nil
}

func (m *memStore) ListTopics(context.Context) ([]store.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]store.Topic, 0, len(m.topics))
	for _, topic := range m.topics {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].CreatedAt.After(topics[j].CreatedAt) })
	return topics, nil
}

func (m *memStore) EndTopic(_ context.Context, topicID string, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	topic, ok := m.topics[topicID]
	if !ok || topic.Status != store.TopicActive {
		return false, nil
	}
	topic.Status = store.TopicEnded
	topic.EndDate = &endedAt
	m.topics[topicID] = topic
	return true, nil
}

func (m *memStore) DeleteTopic(_ context.Context, topicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, topicID)
	delete(m.results, topicID)
	kept := m.messages[:0]
	for _, message := range m.messages {
		if message.TopicID != topicID {
			kept = append(kept, message)
		}
	}
	m.messages = kept
	for key := range m.commitments {
		if strings.HasPrefix(key, topicID+"_") {
			delete(m.commitments, key)
		}
	}
	return nil
}

func (m *memStore) ListExpiredTopicIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, topic := range m.topics {
		if topic.Status == store.TopicActive && !topic.CreatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func commitmentKey(topicID, userID string) string {
	return topicID + "_" + userID
}

func (m *memStore) InsertSideCommitment(_ context.Context, commitment store.SideCommitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := commitmentKey(commitment.TopicID, commitment.UserID)
	if _, exists := m.commitments[key]; exists {
		return nil
	}
	m.commitments[key] = commitment
	return nil
}

func (m *memStore) GetSideCommitment(_ context.Context, topicID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitments[commitmentKey(topicID, userID)].Side, nil
}

func (m *memStore) CountSides(_ context.Context, topicID string) (store.VoteTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var totals store.VoteTotals
	for _, commitment := range m.commitments {
		if commitment.TopicID != topicID {
			continue
		}
		if commitment.Side == store.SideAgree {
			totals.Agree++
		} else {
			totals.Disagree++
		}
	}
	return totals, nil
}

func (m *memStore) InsertMessage(_ context.Context, message store.Message) (store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	message.Seq = m.nextSeq
	message.CreatedAt = time.Now().UTC()
	m.messages = append(m.messages, message)
	return message, nil
}

func (m *memStore) ListMessages(_ context.Context, topicID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var messages []store.Message
	for _, message := range m.messages {
		if message.TopicID == topicID {
			messages = append(messages, message)
		}
	}
	return messages, nil
}

func (m *memStore) UpsertResult(_ context.Context, result store.DebateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.AddInt32(&m.resultUpserts, 1)
	m.results[result.TopicID] = result
	return nil
}

func (m *memStore) UpsertLatestResult(_ context.Context, result store.DebateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &result
	return nil
}

func (m *memStore) GetResult(_ context.Context, topicID string) (store.DebateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[topicID]
	if !ok {
		return store.DebateResult{}, sql.ErrNoRows
	}
	return result, nil
}

func (m *memStore) GetLatestResult(context.Context) (store.DebateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return store.DebateResult{}, sql.ErrNoRows
	}
	return *m.latest, nil
}

func (m *memStore) LeaderboardCounts(_ context.Context, limit int) ([]store.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	firstSeen := map[string]int64{}
	for _, message := range m.messages {
		counts[message.AuthorName]++
		if _, seen := firstSeen[message.AuthorName]; !seen {
			firstSeen[message.AuthorName] = message.Seq
		}
	}
	entries := make([]store.LeaderboardEntry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, store.LeaderboardEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return firstSeen[entries[i].Name] < firstSeen[entries[j].Name]
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

type fakeSummarizer struct {
	summarizeFn func(context.Context, store.Topic, []store.Message) (string, error)
	calls       int32
}

func (f *fakeSummarizer) Summarize(ctx context.Context, topic store.Topic, messages []store.Message) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.summarizeFn != nil {
		return f.summarizeFn(ctx, topic, messages)
	}
	return "The agree side made the stronger case. Winner: agree.", nil
}

func testConfig() config.Config {
	return config.Config{
		MessageMaxLen:     1000,
		TopicMaxLen:       300,
		RetentionWindow:   30 * 24 * time.Hour,
		SummarizerTimeout: time.Second,
	}
}

func newTestService(ms *memStore, fs *fakeSummarizer) *Service {
	return &Service{
		cfg:        testConfig(),
		store:      ms,
		broker:     stream.New(nil, ms.ListMessages),
		summarizer: fs,
	}
}

func seedTopic(t *testing.T, svc *Service, creatorID string) store.Topic {
	t.Helper()
	topic, err := svc.CreateTopic(context.Background(), CreateTopicInput{
		TopicText: "Pineapple on pizza",
		UserID:    creatorID,
		UserName:  "Casey",
	})
	if err != nil {
		t.Fatalf("CreateTopic failed: %v", err)
	}
	return topic
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestCommitSideFirstWriteWins(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	side, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"})
	if err != nil {
		t.Fatalf("first CommitSide failed: %v", err)
	}
	if side != store.SideAgree {
		t.Errorf("expected agree, got %q", side)
	}

	// A repeated join on the other side must not flip the commitment.
	side, err = svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "disagree"})
	if err != nil {
		t.Fatalf("second CommitSide failed: %v", err)
	}
	if side != store.SideAgree {
		t.Errorf("expected commitment to stay agree, got %q", side)
	}

	got, err := svc.GetSide(ctx, topic.ID, "user-a")
	if err != nil {
		t.Fatalf("GetSide failed: %v", err)
	}
	if got != store.SideAgree {
		t.Errorf("GetSide: expected agree, got %q", got)
	}
}

func TestCommitSideConcurrentJoinsKeepOneSide(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	const joins = 20
	recorded := make([]string, joins)
	var wg sync.WaitGroup
	for i := 0; i < joins; i++ {
		side := store.SideAgree
		if i%2 == 1 {
			side = store.SideDisagree
		}
		wg.Add(1)
		go func(i int, side string) {
			defer wg.Done()
			got, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: side})
			if err != nil {
				t.Errorf("CommitSide %d failed: %v", i, err)
				return
			}
			recorded[i] = got
		}(i, side)
	}
	wg.Wait()

	final, err := svc.GetSide(ctx, topic.ID, "user-a")
	if err != nil {
		t.Fatalf("GetSide failed: %v", err)
	}
	if final != store.SideAgree && final != store.SideDisagree {
		t.Fatalf("expected a valid committed side, got %q", final)
	}
	// Every concurrent join must have observed the same winning side.
	for i, got := range recorded {
		if got != final {
			t.Errorf("join %d observed %q, committed side is %q", i, got, final)
		}
	}
}

func TestCloseTopicConcurrentTriggersDispatchOnce(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{}
	svc := newTestService(ms, fs)
	ctx := context.Background()

	topic := store.Topic{
		ID:            "topic_contended",
		TopicText:     "Old enough for the sweep",
		CreatedBy:     "user-creator",
		CreatedByName: "Casey",
		Status:        store.TopicActive,
		CreatedAt:     time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	if err := ms.InsertTopic(ctx, topic); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", UserName: "Alex", Text: "only point"}); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false); err != nil {
				t.Errorf("CloseTopic failed: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.SweepExpiredTopics(ctx, time.Now().UTC()); err != nil {
			t.Errorf("SweepExpiredTopics failed: %v", err)
		}
	}()
	wg.Wait()

	waitFor(t, func() bool {
		_, err := svc.Result(ctx, topic.ID)
		return err == nil
	}, "summary was never dispatched")
	time.Sleep(50 * time.Millisecond)

	if calls := atomic.LoadInt32(&fs.calls); calls != 1 {
		t.Errorf("expected exactly 1 summarizer call, got %d", calls)
	}
	if upserts := atomic.LoadInt32(&ms.resultUpserts); upserts != 1 {
		t.Errorf("expected exactly 1 result upsert, got %d", upserts)
	}
}

func TestCommitSideValidation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "maybe"}); err == nil {
		t.Fatal("expected validation error for unknown side")
	}
	if _, err := svc.CommitSide(ctx, "missing-topic", CommitSideInput{UserID: "user-a", Side: "agree"}); err == nil {
		t.Fatal("expected not found for unknown topic")
	}
}

func TestPostMessageRequiresCommitment(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	_, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", UserName: "Alex", Text: "hello"})
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}
	message, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", UserName: "Alex", Text: "hello"})
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if message.Side != store.SideAgree {
		t.Errorf("expected message side agree, got %q", message.Side)
	}
	if message.Seq == 0 {
		t.Error("expected server-assigned sequence number")
	}
}

func TestPostMessageValidation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}

	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", Text: "   "}); err == nil {
		t.Fatal("expected validation error for empty text")
	}
	long := strings.Repeat("x", 1001)
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", Text: long}); err == nil {
		t.Fatal("expected validation error for overlong text")
	}
}

func TestPostMessageToEndedTopicFails(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", Text: "before close"}); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	if _, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false); err != nil {
		t.Fatalf("CloseTopic failed: %v", err)
	}

	_, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", Text: "after close"})
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "STATE_ERROR" {
		t.Fatalf("expected STATE_ERROR, got %v", err)
	}
	messages, err := svc.Messages(ctx, topic.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("expected 1 message after rejected post, got %d", len(messages))
	}
}

func TestCloseTopicUnauthorized(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	_, err := svc.CloseTopic(ctx, topic.ID, "someone-else", false)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	got, err := svc.GetTopic(ctx, topic.ID)
	if err != nil {
		t.Fatalf("GetTopic failed: %v", err)
	}
	if got.Status != store.TopicActive {
		t.Errorf("expected topic to stay active, got %q", got.Status)
	}
}

func TestCloseTopicIdempotent(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{}
	svc := newTestService(ms, fs)
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", UserName: "Alex", Text: "It's great"}); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	closed, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false)
	if err != nil {
		t.Fatalf("first CloseTopic failed: %v", err)
	}
	if closed.Status != store.TopicEnded {
		t.Fatalf("expected ended, got %q", closed.Status)
	}
	if closed.EndDate == nil {
		t.Error("expected endDate to be stamped")
	}

	waitFor(t, func() bool {
		_, err := svc.Result(ctx, topic.ID)
		return err == nil
	}, "summary was never dispatched")

	again, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false)
	if err != nil {
		t.Fatalf("second CloseTopic failed: %v", err)
	}
	if again.Status != store.TopicEnded {
		t.Errorf("expected ended after re-close, got %q", again.Status)
	}

	// The no-op close must not re-fire the dispatcher.
	time.Sleep(50 * time.Millisecond)
	if calls := atomic.LoadInt32(&fs.calls); calls != 1 {
		t.Errorf("expected exactly 1 summarizer call, got %d", calls)
	}
	if upserts := atomic.LoadInt32(&ms.resultUpserts); upserts != 1 {
		t.Errorf("expected exactly 1 result upsert, got %d", upserts)
	}
}

func TestDispatchSummaryEmptyDebate(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{}
	svc := newTestService(ms, fs)
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	_, err := svc.DispatchSummary(ctx, topic.ID)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "EMPTY_DEBATE" {
		t.Fatalf("expected EMPTY_DEBATE, got %v", err)
	}
	if atomic.LoadInt32(&fs.calls) != 0 {
		t.Error("summarizer must not be called for an empty debate")
	}
	if _, err := svc.Result(ctx, topic.ID); err == nil {
		t.Error("no result must exist for an empty debate")
	}
}

func TestDispatchSummaryDownstreamFailure(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{
		summarizeFn: func(context.Context, store.Topic, []store.Message) (string, error) {
			return "", fmt.Errorf("upstream timeout")
		},
	}
	svc := newTestService(ms, fs)
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", Text: "hi"}); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	_, err := svc.DispatchSummary(ctx, topic.ID)
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "DOWNSTREAM_ERROR" {
		t.Fatalf("expected DOWNSTREAM_ERROR, got %v", err)
	}
	if _, err := svc.Result(ctx, topic.ID); err == nil {
		t.Error("no partial result must be written on downstream failure")
	}

	// Manual retry after the transient failure succeeds and upserts once.
	fs.summarizeFn = nil
	result, err := svc.DispatchSummary(ctx, topic.ID)
	if err != nil {
		t.Fatalf("retry DispatchSummary failed: %v", err)
	}
	if result.MessageCount != 1 {
		t.Errorf("expected messageCount 1, got %d", result.MessageCount)
	}
}

func TestEndToEndDebate(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{}
	svc := newTestService(ms, fs)
	ctx := context.Background()

	topic := seedTopic(t, svc, "user-creator")
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-a", Side: "agree"}); err != nil {
		t.Fatalf("CommitSide A failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-a", UserName: "Alex", Text: "It's great"}); err != nil {
		t.Fatalf("PostMessage A failed: %v", err)
	}
	if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: "user-b", Side: "disagree"}); err != nil {
		t.Fatalf("CommitSide B failed: %v", err)
	}
	if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: "user-b", UserName: "Blair", Text: "Never"}); err != nil {
		t.Fatalf("PostMessage B failed: %v", err)
	}

	totals, err := svc.VoteTotals(ctx, topic.ID)
	if err != nil {
		t.Fatalf("VoteTotals failed: %v", err)
	}
	if totals.Agree != 1 || totals.Disagree != 1 {
		t.Errorf("expected 1/1 vote totals, got %d/%d", totals.Agree, totals.Disagree)
	}

	if _, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false); err != nil {
		t.Fatalf("CloseTopic failed: %v", err)
	}

	var result store.DebateResult
	waitFor(t, func() bool {
		var err error
		result, err = svc.Result(ctx, topic.ID)
		return err == nil
	}, "no result produced after close")

	if result.MessageCount != 2 {
		t.Errorf("expected messageCount 2, got %d", result.MessageCount)
	}
	if result.Summary == "" {
		t.Error("expected non-empty summary")
	}
	if result.TopicText != "Pineapple on pizza" {
		t.Errorf("expected topic text echo, got %q", result.TopicText)
	}

	latest, err := svc.LatestResult(ctx)
	if err != nil {
		t.Fatalf("LatestResult failed: %v", err)
	}
	if latest.TopicID != topic.ID {
		t.Errorf("expected latest pointer at %s, got %s", topic.ID, latest.TopicID)
	}

	// A second close changes nothing further.
	if _, err := svc.CloseTopic(ctx, topic.ID, "user-creator", false); err != nil {
		t.Fatalf("re-close failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if upserts := atomic.LoadInt32(&ms.resultUpserts); upserts != 1 {
		t.Errorf("expected exactly 1 result upsert, got %d", upserts)
	}
}

func TestSweepExpiredTopics(t *testing.T) {
	ms := newMemStore()
	fs := &fakeSummarizer{}
	svc := newTestService(ms, fs)
	ctx := context.Background()

	stale := store.Topic{
		ID:            "topic_stale",
		TopicText:     "Old news",
		CreatedBy:     "user-creator",
		CreatedByName: "Casey",
		Status:        store.TopicActive,
		CreatedAt:     time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	fresh := store.Topic{
		ID:            "topic_fresh",
		TopicText:     "Hot take",
		CreatedBy:     "user-creator",
		CreatedByName: "Casey",
		Status:        store.TopicActive,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	if err := ms.InsertTopic(ctx, stale); err != nil {
		t.Fatalf("seed stale topic: %v", err)
	}
	if err := ms.InsertTopic(ctx, fresh); err != nil {
		t.Fatalf("seed fresh topic: %v", err)
	}

	now := time.Now().UTC()
	closed, err := svc.SweepExpiredTopics(ctx, now)
	if err != nil {
		t.Fatalf("SweepExpiredTopics failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("expected 1 topic closed, got %d", closed)
	}

	got, err := svc.GetTopic(ctx, "topic_stale")
	if err != nil {
		t.Fatalf("GetTopic failed: %v", err)
	}
	if got.Status != store.TopicEnded {
		t.Errorf("expected stale topic ended, got %q", got.Status)
	}
	fresh2, _ := svc.GetTopic(ctx, "topic_fresh")
	if fresh2.Status != store.TopicActive {
		t.Errorf("expected fresh topic active, got %q", fresh2.Status)
	}

	// Overlapping re-run is a no-op, not an error.
	closed, err = svc.SweepExpiredTopics(ctx, now)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if closed != 0 {
		t.Errorf("expected 0 topics closed on re-run, got %d", closed)
	}
	got, _ = svc.GetTopic(ctx, "topic_stale")
	if got.Status != store.TopicEnded {
		t.Errorf("expected stale topic to stay ended, got %q", got.Status)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	for _, userID := range []string{"user-a", "user-b"} {
		if _, err := svc.CommitSide(ctx, topic.ID, CommitSideInput{UserID: userID, Side: "agree"}); err != nil {
			t.Fatalf("CommitSide %s failed: %v", userID, err)
		}
	}

	post := func(userID, name, text string) {
		t.Helper()
		if _, err := svc.PostMessage(ctx, topic.ID, PostMessageInput{UserID: userID, UserName: name, Text: text}); err != nil {
			t.Fatalf("PostMessage %s failed: %v", name, err)
		}
	}
	post("user-a", "Alex", "one")
	post("user-b", "Blair", "two")
	post("user-b", "Blair", "three")

	entries, err := svc.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Name != "Blair" || entries[0].Count != 2 {
		t.Errorf("expected Blair with 2 first, got %+v", entries[0])
	}
	if entries[1].Name != "Alex" || entries[1].Count != 1 {
		t.Errorf("expected Alex with 1 second, got %+v", entries[1])
	}
}

func TestDeleteTopicCreatorOnly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, &fakeSummarizer{})
	ctx := context.Background()
	topic := seedTopic(t, svc, "user-creator")

	err := svc.DeleteTopic(ctx, topic.ID, "someone-else")
	domainErr, ok := err.(*DomainError)
	if !ok || domainErr.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	if err := svc.DeleteTopic(ctx, topic.ID, "user-creator"); err != nil {
		t.Fatalf("DeleteTopic failed: %v", err)
	}
	if _, err := svc.GetTopic(ctx, topic.ID); err == nil {
		t.Error("expected topic to be gone")
	}
}
