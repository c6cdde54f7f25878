package search

import (
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTopic indexes a topic (fire-and-forget to Meilisearch).
func (s *Service) IndexTopic(record TopicRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTopic(record); err != nil {
			log.Printf("search: index topic %s: %v", record.ID, err)
		}
	}()
}

// DeleteTopic removes a topic from the search index (fire-and-forget).
func (s *Service) DeleteTopic(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTopic(id); err != nil {
			log.Printf("search: delete topic %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes every known topic to Meilisearch. Called during
// bootstrap so a fresh Meilisearch instance catches up with Postgres.
func (s *Service) ReindexAll(topics []TopicRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		for _, record := range topics {
			if err := s.meili.IndexTopic(record); err != nil {
				log.Printf("search: reindex topic %s: %v", record.ID, err)
			}
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
