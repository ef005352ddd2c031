// ABOUTME: HTTP ingress for the pipeline: message submission and conversation inspection
// ABOUTME: Claims idempotency keys, persists messages, and publishes reasoning_requested events

package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/intent-pipeline/internal/bus"
	"github.com/2389/intent-pipeline/internal/state"
	"github.com/2389/intent-pipeline/internal/store"
)

// SubmitMessageRequest is the JSON request body for POST /messages.
type SubmitMessageRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SubmitMessageResponse is the JSON response for a newly accepted message.
type SubmitMessageResponse struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	EventID        string `json:"eventId"`
	State          string `json:"state"`
}

// DuplicateResponse is the JSON response for an idempotency key replay.
type DuplicateResponse struct {
	MessageID string `json:"messageId"`
	Duplicate bool   `json:"duplicate"`
	Message   string `json:"message"`
}

// ConversationResponse is the JSON shape of a conversation document.
type ConversationResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// EventResponse is the JSON shape of one event-log entry.
type EventResponse struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Producer  string         `json:"producer"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Server is the ingress HTTP surface.
type Server struct {
	store          store.Store
	pub            bus.Publisher
	reasoningTopic string
	logger         *slog.Logger
}

// NewServer creates the ingress server. Pass nil logger for default.
func NewServer(st store.Store, pub bus.Publisher, reasoningTopic string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:          st,
		pub:            pub,
		reasoningTopic: reasoningTopic,
		logger:         logger.With("component", "ingress"),
	}
}

// Routes returns the handler for all ingress endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.handleSubmitMessage)
	mux.HandleFunc("/conversations", s.handleListConversations)
	mux.HandleFunc("/conversations/", s.handleConversationSubtree)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// handleSubmitMessage handles POST /messages.
//
// The idempotency claim happens before any other write so two concurrent
// submissions with the same key race inside one transaction and only one
// wins. The publish precedes the state transition; a transition failure
// after a successful publish is a 500, and the published event is absorbed
// downstream by receipts.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	req, err := parseSubmitRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, `Missing or invalid "content" field`)
		return
	}

	messageID := uuid.New().String()

	if key := r.Header.Get("X-Idempotency-Key"); key != "" {
		claim, err := s.store.ClaimIdempotencyKey(ctx, key, messageID)
		if err != nil {
			s.logger.Error("idempotency claim failed", "key", key, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "Failed to process request")
			return
		}
		if !claim.IsNew {
			s.logger.Info("idempotency key replay",
				"key", key, "original_message_id", claim.ExistingMessageID)
			s.sendJSON(w, http.StatusOK, DuplicateResponse{
				MessageID: claim.ExistingMessageID,
				Duplicate: true,
				Message:   "Request already accepted with this idempotency key",
			})
			return
		}
	}

	conversationID, status, errMsg := s.resolveConversation(r, req.ConversationID)
	if errMsg != "" {
		s.sendJSONError(w, status, errMsg)
		return
	}

	now := time.Now().UTC()
	if err := s.store.SaveMessage(ctx, &store.UserMessage{
		ID:             messageID,
		ConversationID: conversationID,
		Content:        req.Content,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		CreatedAt:      now,
	}); err != nil {
		s.logger.Error("saving message failed", "message_id", messageID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to persist message")
		return
	}

	env := &bus.Envelope{
		EventID:        uuid.New().String(),
		EventType:      bus.EventReasoningRequested,
		ConversationID: conversationID,
		MessageID:      messageID,
		Timestamp:      now,
		Producer:       bus.ProducerAPI,
		Payload:        map[string]any{"content": req.Content},
	}
	if err := s.pub.Publish(ctx, s.reasoningTopic, env); err != nil {
		s.logger.Error("publish failed", "event_id", env.EventID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to publish event")
		return
	}
	if err := s.store.AppendEvent(ctx, &store.EventLogEntry{
		EventID:        env.EventID,
		ConversationID: conversationID,
		EventType:      env.EventType,
		Producer:       env.Producer,
		Timestamp:      now,
		Payload:        env.Payload,
	}); err != nil {
		s.logger.Error("event log append failed", "event_id", env.EventID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	if err := s.store.TransitionState(ctx, conversationID, state.ReasoningRequested); err != nil {
		// A fast consumer may already have caught the conversation up past
		// REASONING_REQUESTED; that is success, not failure.
		conv, gerr := s.store.GetConversation(ctx, conversationID)
		if gerr != nil || conv.State == state.Received {
			s.logger.Error("transition failed", "conversation_id", conversationID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "Failed to advance conversation")
			return
		}
	}

	s.logger.Info("message accepted",
		"message_id", messageID,
		"conversation_id", conversationID,
		"event_id", env.EventID)

	s.sendJSON(w, http.StatusCreated, SubmitMessageResponse{
		MessageID:      messageID,
		ConversationID: conversationID,
		EventID:        env.EventID,
		State:          string(state.ReasoningRequested),
	})
}

// resolveConversation returns the conversation to attach the message to,
// creating it when needed. Reusing a conversation that already advanced
// past RECEIVED is rejected with 409: the pipeline processes one message
// per conversation.
func (s *Server) resolveConversation(r *http.Request, requested string) (string, int, string) {
	ctx := r.Context()

	if requested == "" {
		id := uuid.New().String()
		if _, err := s.store.CreateConversation(ctx, id); err != nil {
			s.logger.Error("creating conversation failed", "conversation_id", id, "error", err)
			return "", http.StatusInternalServerError, "Failed to create conversation"
		}
		return id, 0, ""
	}

	conv, err := s.store.GetConversation(ctx, requested)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := s.store.CreateConversation(ctx, requested); err != nil {
			s.logger.Error("creating conversation failed", "conversation_id", requested, "error", err)
			return "", http.StatusInternalServerError, "Failed to create conversation"
		}
		return requested, 0, ""
	case err != nil:
		s.logger.Error("loading conversation failed", "conversation_id", requested, "error", err)
		return "", http.StatusInternalServerError, "Failed to load conversation"
	case conv.State != state.Received:
		return "", http.StatusConflict, "Conversation is already processing a message"
	}
	return requested, 0, ""
}

// handleListConversations handles GET /conversations.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = n
	}

	convs, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing conversations failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}

	out := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationResponse(c))
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

// handleConversationSubtree dispatches GET /conversations/{id} and
// GET /conversations/{id}/events.
func (s *Server) handleConversationSubtree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.sendJSONError(w, http.StatusNotFound, "Conversation not found")
		return
	}

	switch sub {
	case "":
		s.handleGetConversation(w, r, id)
	case "events":
		s.handleGetEvents(w, r, id)
	default:
		s.sendJSONError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("loading conversation failed", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.store.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		s.logger.Error("loading conversation failed", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	events, err := s.store.ListEvents(r.Context(), id, 100)
	if err != nil {
		s.logger.Error("listing events failed", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			EventID:   e.EventID,
			EventType: e.EventType,
			Producer:  e.Producer,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Payload:   e.Payload,
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"conversationId": id, "events": out})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "api"})
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		State:     string(c.State),
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// parseSubmitRequest parses and validates a SubmitMessageRequest. Returns
// an error if the JSON is invalid or content is missing or blank.
func parseSubmitRequest(r io.Reader) (*SubmitMessageRequest, error) {
	var req SubmitMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errors.New("content is required")
	}
	return &req, nil
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
