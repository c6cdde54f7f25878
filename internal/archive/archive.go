// Package archive writes finished debate transcripts to S3-compatible
// object storage. Archival is best-effort: the debate result is already
// durable in Postgres, the archive is a flat export for offline use.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"clashchat/internal/store"
)

// Transcript is the archived shape of a finished debate.
type Transcript struct {
	TopicID       string              `json:"topicId"`
	TopicText     string              `json:"topicText"`
	CreatedBy     string              `json:"createdBy"`
	CreatedByName string              `json:"createdByName"`
	CreatedAt     time.Time           `json:"createdAt"`
	EndedAt       *time.Time          `json:"endedAt,omitempty"`
	Summary       string              `json:"summary"`
	Messages      []TranscriptMessage `json:"messages"`
}

type TranscriptMessage struct {
	AuthorName string    `json:"authorName"`
	Side       string    `json:"side"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Service uploads transcripts to a bucket.
type Service struct {
	client *minio.Client
	bucket string
}

// New creates the archive service and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// Store uploads the transcript as transcripts/{topicID}.json, overwriting
// any previous archive for the topic.
func (s *Service) Store(ctx context.Context, transcript Transcript) error {
	payload, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	key := ObjectKey(transcript.TopicID)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put transcript %s: %w", key, err)
	}
	return nil
}

// ObjectKey returns the bucket key for a topic's transcript.
func ObjectKey(topicID string) string {
	return "transcripts/" + topicID + ".json"
}

// BuildTranscript assembles the archived shape from store records.
func BuildTranscript(topic store.Topic, messages []store.Message, summary string) Transcript {
	transcript := Transcript{
		TopicID:       topic.ID,
		TopicText:     topic.TopicText,
		CreatedBy:     topic.CreatedBy,
		CreatedByName: topic.CreatedByName,
		CreatedAt:     topic.CreatedAt,
		EndedAt:       topic.EndDate,
		Summary:       summary,
		Messages:      make([]TranscriptMessage, 0, len(messages)),
	}
	for _, message := range messages {
		transcript.Messages = append(transcript.Messages, TranscriptMessage{
			AuthorName: message.AuthorName,
			Side:       message.Side,
			Text:       message.Text,
			CreatedAt:  message.CreatedAt,
		})
	}
	return transcript
}
