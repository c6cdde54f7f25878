// Package summarize talks to an OpenAI-compatible chat-completions
// endpoint to produce the post-debate verdict.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clashchat/internal/store"
)

type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize sends the debate prompt and returns the generated verdict.
func (c *Client) Summarize(ctx context.Context, topic store.Topic, messages []store.Message) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: BuildPrompt(topic, messages)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarizer request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read summarizer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse summarizer response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("summarizer returned no choices")
	}
	summary := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("summarizer returned an empty summary")
	}
	return summary, nil
}

// BuildPrompt renders the topic and the ordered (side, text) tuples into
// the summarization prompt.
func BuildPrompt(topic store.Topic, messages []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", topic.TopicText)
	b.WriteString("Debate Messages:\n")
	for _, message := range messages {
		fmt.Fprintf(&b, "%s (%s): %s\n", message.AuthorName, message.Side, message.Text)
	}
	b.WriteString("---\n")
	b.WriteString("Summarize each side's arguments in a few sentences and decide the winning side (agree or disagree).\n")
	return b.String()
}
