package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the topics table's generated fts column,
// ranked by ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "t.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterStatus != "" {
		where += fmt.Sprintf(" AND t.status = $%d", len(args)+1)
		args = append(args, q.FilterStatus)
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.topic_text,
			ts_headline('english', t.topic_text, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			t.created_by_name, t.status,
			COUNT(*) OVER() AS total
		FROM topics t
		WHERE %s
		ORDER BY ts_rank(t.fts, plainto_tsquery('english', $1)) DESC, t.created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.TopicText, &r.Snippet, &r.CreatedByName, &r.Status, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
