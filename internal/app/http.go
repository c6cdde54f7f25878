package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clashchat/internal/search"
	"clashchat/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ok"})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// The original summarize endpoint lives outside the /api prefix.
	if r.Method == http.MethodPost && r.URL.Path == "/summarizeDebate" {
		s.handleSummarizeDebate(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 1 && parts[0] == "topics":
		switch r.Method {
		case http.MethodGet:
			s.handleListTopics(w, r)
		case http.MethodPost:
			s.handleCreateTopic(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 2 && parts[0] == "topics":
		topicID := parts[1]
		switch r.Method {
		case http.MethodGet:
			s.handleGetTopic(w, r, topicID)
		case http.MethodDelete:
			s.handleDeleteTopic(w, r, topicID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 3 && parts[0] == "topics":
		topicID := parts[1]
		switch {
		case parts[2] == "close" && r.Method == http.MethodPost:
			s.handleCloseTopic(w, r, topicID)
		case parts[2] == "side" && r.Method == http.MethodPost:
			s.handleCommitSide(w, r, topicID)
		case parts[2] == "side" && r.Method == http.MethodGet:
			s.handleGetSide(w, r, topicID)
		case parts[2] == "votes" && r.Method == http.MethodGet:
			s.handleVoteTotals(w, r, topicID)
		case parts[2] == "messages" && r.Method == http.MethodPost:
			s.handlePostMessage(w, r, topicID)
		case parts[2] == "messages" && r.Method == http.MethodGet:
			s.handleListMessages(w, r, topicID)
		case parts[2] == "stream" && r.Method == http.MethodGet:
			s.handleTopicStream(w, r, topicID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return

	case len(parts) == 1 && parts[0] == "leaderboard" && r.Method == http.MethodGet:
		s.handleLeaderboard(w, r)
		return

	case len(parts) == 2 && parts[0] == "results" && r.Method == http.MethodGet:
		if parts[1] == "latest" {
			s.handleLatestResult(w, r)
		} else {
			s.handleGetResult(w, r, parts[1])
		}
		return

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if s.service.cache != nil {
		checks["redis"] = map[string]any{"status": "ok"}
		if err := s.service.PingCache(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSummarizeDebate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TopicID string `json:"topicId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.TopicID) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing topicId", nil)
		return
	}

	result, err := s.service.DispatchSummary(r.Context(), body.TopicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": result.Summary,
	})
}

func (s *HTTPServer) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.service.ListTopics(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(topics))
	for _, topic := range topics {
		payload = append(payload, topicJSON(topic))
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": payload})
}

func (s *HTTPServer) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var input CreateTopicInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	topic, err := s.service.CreateTopic(r.Context(), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, topicJSON(topic))
}

func (s *HTTPServer) handleGetTopic(w http.ResponseWriter, r *http.Request, topicID string) {
	topic, err := s.service.GetTopic(r.Context(), topicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, topicJSON(topic))
}

func (s *HTTPServer) handleDeleteTopic(w http.ResponseWriter, r *http.Request, topicID string) {
	requesterID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if requesterID == "" {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err == nil {
			requesterID = strings.TrimSpace(body.UserID)
		}
	}
	if requesterID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	if err := s.service.DeleteTopic(r.Context(), topicID, requesterID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *HTTPServer) handleCloseTopic(w http.ResponseWriter, r *http.Request, topicID string) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	topic, err := s.service.CloseTopic(r.Context(), topicID, strings.TrimSpace(body.UserID), false)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, topicJSON(topic))
}

func (s *HTTPServer) handleCommitSide(w http.ResponseWriter, r *http.Request, topicID string) {
	var input CommitSideInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	side, err := s.service.CommitSide(r.Context(), topicID, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topicId": topicID, "userId": input.UserID, "side": side})
}

func (s *HTTPServer) handleGetSide(w http.ResponseWriter, r *http.Request, topicID string) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	side, err := s.service.GetSide(r.Context(), topicID, userID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := map[string]any{"topicId": topicID, "userId": userID, "committed": side != ""}
	if side != "" {
		payload["side"] = side
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleVoteTotals(w http.ResponseWriter, r *http.Request, topicID string) {
	totals, err := s.service.VoteTotals(r.Context(), topicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topicId":  topicID,
		"agree":    totals.Agree,
		"disagree": totals.Disagree,
	})
}

func (s *HTTPServer) handlePostMessage(w http.ResponseWriter, r *http.Request, topicID string) {
	var input PostMessageInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	message, err := s.service.PostMessage(r.Context(), topicID, input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, messageJSON(message))
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, topicID string) {
	messages, err := s.service.Messages(r.Context(), topicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, messageJSON(message))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": payload})
}

// handleTopicStream serves the live message stream as Server-Sent Events:
// the stored history replays first, then new messages follow in order.
func (s *HTTPServer) handleTopicStream(w http.ResponseWriter, r *http.Request, topicID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	subscription, err := s.service.Subscribe(r.Context(), topicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	defer subscription.Cancel()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case message, open := <-subscription.Messages():
			if !open {
				return
			}
			payload, err := json.Marshal(messageJSON(message))
			if err != nil {
				log.Printf("stream: encode message %s: %v", message.ID, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	entries, err := s.service.Leaderboard(r.Context(), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, map[string]any{"name": entry.Name, "count": entry.Count})
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": payload})
}

func (s *HTTPServer) handleGetResult(w http.ResponseWriter, r *http.Request, topicID string) {
	result, err := s.service.Result(r.Context(), topicID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(result))
}

func (s *HTTPServer) handleLatestResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.LatestResult(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON(result))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := search.Query{
		Text:         strings.TrimSpace(r.URL.Query().Get("q")),
		FilterStatus: strings.TrimSpace(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			query.Limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			query.Offset = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.service.SearchTopics(query))
}

func topicJSON(topic store.Topic) map[string]any {
	payload := map[string]any{
		"id":            topic.ID,
		"topicText":     topic.TopicText,
		"createdBy":     topic.CreatedBy,
		"createdByName": topic.CreatedByName,
		"status":        topic.Status,
		"createdAt":     topic.CreatedAt,
	}
	if topic.EndDate != nil {
		payload["endDate"] = topic.EndDate
	}
	return payload
}

func messageJSON(message store.Message) map[string]any {
	return map[string]any{
		"seq":        message.Seq,
		"id":         message.ID,
		"topicId":    message.TopicID,
		"authorId":   message.AuthorID,
		"authorName": message.AuthorName,
		"side":       message.Side,
		"text":       message.Text,
		"timestamp":  message.CreatedAt,
	}
}

func resultJSON(result store.DebateResult) map[string]any {
	return map[string]any{
		"topicId":      result.TopicID,
		"summary":      result.Summary,
		"topicText":    result.TopicText,
		"messageCount": result.MessageCount,
		"createdAt":    result.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush lets the SSE handler stream through the middleware wrapper.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
