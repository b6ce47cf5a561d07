// Package api exposes the chat service over HTTP for the web front-end.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zjgxky/lulu-chat/internal/chat"
	"github.com/zjgxky/lulu-chat/internal/script"
	"github.com/zjgxky/lulu-chat/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Pinger probes upstream connectivity for health reporting.
type Pinger interface {
	Ping(ctx context.Context) error
}

type AppDeps struct {
	Store       *storage.Store
	Chat        *chat.Service
	Runner      chat.Runner
	Upstream    Pinger // optional; if nil, health reports upstream as unknown
	Token       string
	ArtifactDir string // served under /static/plots/
	Logger      *slog.Logger
}

func (d AppDeps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// NewAppHandler builds the full HTTP surface. Health and the plot file server
// are open; everything else requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	if deps.ArtifactDir != "" {
		fs := http.StripPrefix("/static/plots/", http.FileServer(http.Dir(deps.ArtifactDir)))
		r.Get("/static/plots/*", fs.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/chat", handleChat(deps))
		r.Post("/chat/stream", handleChatStream(deps))
		r.Post("/chat/process", handleChatProcess(deps))
		r.Post("/scripts/execute", handleExecuteScript(deps))

		r.Post("/feedback", handleFeedback(deps))
		r.Get("/feedback/{conversationID}", handleFeedbackState(deps))

		r.Get("/conversations", handleListConversations(deps))
		r.Post("/conversations", handleCreateConversation(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Patch("/conversations/{id}", handleRenameConversation(deps))
		r.Delete("/conversations/{id}", handleDeleteConversation(deps))

		r.Post("/faq", handleAddFAQ(deps))
		r.Get("/faq", handleListFAQ(deps))
		r.Delete("/faq/{id}", handleRemoveFAQ(deps))
		r.Get("/faq/status/{conversationID}", handleFAQStatus(deps))

		r.Get("/dashboard", handleDashboard(deps))
		r.Post("/attachments", handleUpload(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		upstreamStatus := "unknown"
		if deps.Upstream != nil {
			if err := deps.Upstream.Ping(r.Context()); err != nil {
				upstreamStatus = "unreachable"
			} else {
				upstreamStatus = "ok"
			}
		}
		writeJSON(w, map[string]string{"status": "ok", "upstream": upstreamStatus})
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	FileID         string `json:"file_id,omitempty"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return req, false
	}
	if req.Message == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
		return req, false
	}
	if req.ConversationID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
		return req, false
	}
	return req, true
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		ans, err := deps.Chat.Ask(r.Context(), req.ConversationID, req.Message, req.FileID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "chat failed: %v", err)
			return
		}
		writeJSON(w, ans)
	}
}

func handleChatStream(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}

		flusher, canFlush := w.(http.Flusher)
		if !canFlush {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		emit := func(e chat.Event) {
			payload, err := json.Marshal(e)
			if err != nil {
				deps.logger().Error("marshaling stream event failed", "error", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}

		err := deps.Chat.AskStream(r.Context(), req.ConversationID, req.Message, req.FileID, emit)
		if errors.Is(err, storage.ErrNotFound) {
			emit(chat.Event{Type: chat.EventError, Error: "Error: conversation not found"})
			return
		}
		if err != nil {
			emit(chat.Event{Type: chat.EventError, Error: fmt.Sprintf("Error: %v", err)})
		}
	}
}

func handleChatProcess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ConversationID string `json:"conversation_id"`
			FullReply      string `json:"full_reply"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.FullReply == "" || req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "full_reply and conversation_id are required")
			return
		}

		reply, structured, err := deps.Chat.ProcessReply(r.Context(), req.ConversationID, req.FullReply)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "processing reply failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{"reply": reply, "is_json_response": structured})
	}
}

func handleExecuteScript(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ConversationID string `json:"conversation_id"`
			Script         string `json:"script"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Script == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "script is required")
			return
		}

		result := deps.Runner.Run(r.Context(), script.Normalize(req.Script), req.ConversationID)
		writeJSON(w, result)
	}
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ConversationID string `json:"conversation_id"`
			TurnID         string `json:"turn_id"`
			Type           string `json:"type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type != storage.FeedbackLike && req.Type != storage.FeedbackDislike {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type must be like or dislike")
			return
		}

		// The toggle targets a specific bot turn, which must exist.
		if _, err := deps.Store.GetTurn(req.TurnID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "turn not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "looking up turn: %v", err)
			return
		}

		action, err := deps.Store.ToggleFeedback(req.ConversationID, req.TurnID, req.Type)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "recording feedback: %v", err)
			return
		}
		writeJSON(w, map[string]string{"action": action})
	}
}

func handleFeedbackState(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := deps.Store.FeedbackState(chi.URLParam(r, "conversationID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading feedback state: %v", err)
			return
		}
		if state == nil {
			state = map[string]string{}
		}
		writeJSON(w, state)
	}
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, err := deps.Store.ListConversations()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}
		if convs == nil {
			convs = []storage.ConversationPreview{}
		}
		writeJSON(w, convs)
	}
}

func handleCreateConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := deps.Store.CreateConversation()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating conversation: %v", err)
			return
		}
		writeJSON(w, conv)
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, err := deps.Store.GetConversation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting conversation: %v", err)
			return
		}

		turns, err := deps.Store.ListTurns(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing turns: %v", err)
			return
		}
		if turns == nil {
			turns = []storage.Turn{}
		}
		writeJSON(w, map[string]any{"conversation": conv, "turns": turns})
	}
}

func handleRenameConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		err := deps.Store.RenameConversation(chi.URLParam(r, "id"), req.Title)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "renaming conversation: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "renamed"})
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteConversation(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting conversation: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleAddFAQ(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}

		ref, created, err := deps.Store.AddFAQ(req.ConversationID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "promoting to FAQ: %v", err)
			return
		}

		status := "already_in_faq"
		if created {
			status = "added"
		}
		writeJSON(w, map[string]any{"status": status, "faq": ref})
	}
}

func handleListFAQ(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refs, err := deps.Store.ListFAQ()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing FAQ: %v", err)
			return
		}
		if refs == nil {
			refs = []storage.FAQRef{}
		}
		writeJSON(w, refs)
	}
}

func handleRemoveFAQ(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.RemoveFAQ(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "FAQ entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "removing FAQ entry: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "removed"})
	}
}

func handleFAQStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inFAQ, err := deps.Store.IsInFAQ(chi.URLParam(r, "conversationID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking FAQ status: %v", err)
			return
		}
		writeJSON(w, map[string]bool{"in_faq": inFAQ})
	}
}

func handleDashboard(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Dashboard(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "building dashboard: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
