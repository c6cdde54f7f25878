package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertTopic(ctx context.Context, topic Topic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (id, topic_text, created_by, created_by_name, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, topic.ID, topic.TopicText, topic.CreatedBy, topic.CreatedByName, topic.Status, topic.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert topic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	const query = `
		SELECT id, topic_text, created_by, created_by_name, status, created_at, end_date
		FROM topics WHERE id = $1
	`
	var topic Topic
	err := s.db.QueryRowContext(ctx, query, topicID).Scan(
		&topic.ID, &topic.TopicText, &topic.CreatedBy, &topic.CreatedByName,
		&topic.Status, &topic.CreatedAt, &topic.EndDate,
	)
	if err != nil {
		return Topic{}, err
	}
	return topic, nil
}

func (s *PostgresStore) ListTopics(ctx context.Context) ([]Topic, error) {
	const query = `
		SELECT id, topic_text, created_by, created_by_name, status, created_at, end_date
		FROM topics ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []Topic
	for rows.Next() {
		var topic Topic
		if err := rows.Scan(
			&topic.ID, &topic.TopicText, &topic.CreatedBy, &topic.CreatedByName,
			&topic.Status, &topic.CreatedAt, &topic.EndDate,
		); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// EndTopic flips an active topic to ended. The WHERE status guard makes the
// transition a compare-and-swap: exactly one caller observes changed=true,
// re-closing an ended topic reports changed=false with no error.
func (s *PostgresStore) EndTopic(ctx context.Context, topicID string, endedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE topics SET status = $3, end_date = $2
		WHERE id = $1 AND status = $4
	`, topicID, endedAt, TopicEnded, TopicActive)
	if err != nil {
		return false, fmt.Errorf("end topic: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("end topic rows: %w", err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) DeleteTopic(ctx context.Context, topicID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete topic: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM messages WHERE topic_id = $1`,
		`DELETE FROM side_commitments WHERE topic_id = $1`,
		`DELETE FROM results WHERE topic_id = $1`,
		`DELETE FROM topics WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, topicID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete topic: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete topic: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredTopicIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM topics WHERE status = $1 AND created_at <= $2
	`, TopicActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired topics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired topic: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertSideCommitment records a side choice with first-write-wins semantics.
// A second insert for the same (topic, user) is silently ignored.
func (s *PostgresStore) InsertSideCommitment(ctx context.Context, commitment SideCommitment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO side_commitments (topic_id, user_id, side, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic_id, user_id) DO NOTHING
	`, commitment.TopicID, commitment.UserID, commitment.Side, commitment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert side commitment: %w", err)
	}
	return nil
}

// GetSideCommitment returns the committed side, or "" when the user has
// not committed on this topic.
func (s *PostgresStore) GetSideCommitment(ctx context.Context, topicID, userID string) (string, error) {
	var side string
	err := s.db.QueryRowContext(ctx, `
		SELECT side FROM side_commitments WHERE topic_id = $1 AND user_id = $2
	`, topicID, userID).Scan(&side)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get side commitment: %w", err)
	}
	return side, nil
}

func (s *PostgresStore) CountSides(ctx context.Context, topicID string) (VoteTotals, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE side = $2),
			COUNT(*) FILTER (WHERE side = $3)
		FROM side_commitments WHERE topic_id = $1
	`
	var totals VoteTotals
	err := s.db.QueryRowContext(ctx, query, topicID, SideAgree, SideDisagree).Scan(&totals.Agree, &totals.Disagree)
	if err != nil {
		return VoteTotals{}, fmt.Errorf("count sides: %w", err)
	}
	return totals, nil
}

// InsertMessage appends a message and returns it with the server-assigned
// sequence number and timestamp filled in.
func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) (Message, error) {
	const query = `
		INSERT INTO messages (id, topic_id, author_id, author_name, side, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING seq, created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		message.ID, message.TopicID, message.AuthorID, message.AuthorName,
		message.Side, message.Text,
	).Scan(&message.Seq, &message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return message, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, topicID string) ([]Message, error) {
	const query = `
		SELECT seq, id, topic_id, author_id, author_name, side, text, created_at
		FROM messages WHERE topic_id = $1 ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, topicID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		if err := rows.Scan(
			&message.Seq, &message.ID, &message.TopicID, &message.AuthorID,
			&message.AuthorName, &message.Side, &message.Text, &message.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) UpsertResult(ctx context.Context, result DebateResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (topic_id, summary, topic_text, message_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			topic_text = EXCLUDED.topic_text,
			message_count = EXCLUDED.message_count,
			created_at = EXCLUDED.created_at
	`, result.TopicID, result.Summary, result.TopicText, result.MessageCount, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertLatestResult(ctx context.Context, result DebateResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_result (singleton, topic_id, summary, topic_text, message_count, created_at)
		VALUES (TRUE, $1, $2, $3, $4, $5)
		ON CONFLICT (singleton) DO UPDATE SET
			topic_id = EXCLUDED.topic_id,
			summary = EXCLUDED.summary,
			topic_text = EXCLUDED.topic_text,
			message_count = EXCLUDED.message_count,
			created_at = EXCLUDED.created_at
	`, result.TopicID, result.Summary, result.TopicText, result.MessageCount, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert latest result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, topicID string) (DebateResult, error) {
	const query = `
		SELECT topic_id, summary, topic_text, message_count, created_at
		FROM results WHERE topic_id = $1
	`
	var result DebateResult
	err := s.db.QueryRowContext(ctx, query, topicID).Scan(
		&result.TopicID, &result.Summary, &result.TopicText, &result.MessageCount, &result.CreatedAt,
	)
	if err != nil {
		return DebateResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) GetLatestResult(ctx context.Context) (DebateResult, error) {
	const query = `
		SELECT topic_id, summary, topic_text, message_count, created_at
		FROM latest_result WHERE singleton
	`
	var result DebateResult
	err := s.db.QueryRowContext(ctx, query).Scan(
		&result.TopicID, &result.Summary, &result.TopicText, &result.MessageCount, &result.CreatedAt,
	)
	if err != nil {
		return DebateResult{}, err
	}
	return result, nil
}

// LeaderboardCounts ranks authors by message count across all topics.
// Ties break by whoever appeared first in the stream.
func (s *PostgresStore) LeaderboardCounts(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	const query = `
		SELECT author_name, COUNT(*) AS message_count
		FROM messages
		GROUP BY author_name
		ORDER BY message_count DESC, MIN(seq) ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("leaderboard counts: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var entry LeaderboardEntry
		if err := rows.Scan(&entry.Name, &entry.Count); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
