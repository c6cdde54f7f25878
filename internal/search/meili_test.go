package search

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func newUnreachableMeili(t *testing.T) *Meili {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)
	m := NewMeili(server.URL, "")
	t.Cleanup(m.Close)
	return m
}

func TestMeiliUnreachableIsUnhealthy(t *testing.T) {
	m := newUnreachableMeili(t)

	if m.Healthy() {
		t.Fatal("expected unhealthy against an unavailable instance")
	}
	if _, _, err := m.Search(Query{Text: "anything"}); err == nil {
		t.Error("expected Search to refuse while unhealthy")
	}
	if err := m.IndexTopic(TopicRecord{ID: "topic_1", TopicText: "x"}); err == nil {
		t.Error("expected IndexTopic to fail against an unavailable instance")
	}
	if err := m.DeleteTopic("topic_1"); err == nil {
		t.Error("expected DeleteTopic to fail against an unavailable instance")
	}
}

func TestServiceSkipsIndexingWhenMeiliUnhealthy(t *testing.T) {
	m := newUnreachableMeili(t)
	service := NewService(m, nil)

	// Fire-and-forget paths must short-circuit, not reach for the fallback.
	service.IndexTopic(TopicRecord{ID: "topic_1"})
	service.DeleteTopic("topic_1")
	service.ReindexAll([]TopicRecord{{ID: "topic_1"}})
}

func rawHit(fields map[string]any) meili.Hit {
	hit := make(meili.Hit, len(fields))
	for key, value := range fields {
		raw, _ := json.Marshal(value)
		hit[key] = raw
	}
	return hit
}

func TestHitToResult(t *testing.T) {
	hit := rawHit(map[string]any{
		"id":            "topic_1",
		"topicText":     "Pineapple on pizza",
		"createdByName": "Casey",
		"status":        "active",
		"_formatted":    map[string]string{"topicText": "<mark>Pineapple</mark> on pizza"},
	})

	result := hitToResult(hit)
	if result.ID != "topic_1" || result.TopicText != "Pineapple on pizza" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Snippet != "<mark>Pineapple</mark> on pizza" {
		t.Errorf("expected highlighted snippet, got %q", result.Snippet)
	}
}

func TestHitToResultWithoutFormatted(t *testing.T) {
	hit := rawHit(map[string]any{
		"id":        "topic_1",
		"topicText": "Plain topic",
		"status":    "ended",
	})

	result := hitToResult(hit)
	if result.Snippet != "Plain topic" {
		t.Errorf("expected snippet fallback to topic text, got %q", result.Snippet)
	}
	if result.CreatedByName != "" {
		t.Errorf("expected empty creator name, got %q", result.CreatedByName)
	}
}
