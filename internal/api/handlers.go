// Package api is the HTTP surface: authentication, two-phase ingestion,
// search, streaming chat and per-document tasks, all scoped to the session's
// credential.
package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/allcr/allcr/internal/chat"
	"github.com/allcr/allcr/internal/ingest"
	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/session"
	"github.com/allcr/allcr/internal/storage"
	"github.com/allcr/allcr/internal/task"
)

const maxRequestBodySize = 20 << 20 // 20MB; images and audio come in base64

// Deps holds everything the HTTP handlers need.
type Deps struct {
	Sessions  *session.Manager
	Store     storage.DocumentStore
	Pipeline  *ingest.Pipeline
	Searcher  *retrieval.Searcher
	Assistant *chat.Assistant
	Tasks     *task.Runner
}

// NewHandler builds the chi router for the whole API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/auth", handleAuth(deps))

	r.Group(func(r chi.Router) {
		r.Use(SessionAuth(deps.Sessions))

		r.Post("/ingest/preview", handlePreview(deps))
		r.Post("/ingest/confirm", handleConfirm(deps))
		r.Get("/search", handleSearch(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Get("/documents/{id}/tasks", handleListTasks(deps))
		r.Post("/documents/{id}/tasks", handleRunTask(deps))
		r.Post("/chat", handleChat(deps))
		r.Post("/chat/reset", handleChatReset(deps))
		r.Delete("/session", handleLogout(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAuth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Code string `json:"code"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sess, err := deps.Sessions.Authenticate(r.Context(), req.Code)
		if errors.Is(err, session.ErrInvalidCode) {
			httpError(w, http.StatusUnauthorized, "authentication_error", "invalid access code")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "authentication failed: %v", err)
			return
		}

		respondJSON(w, map[string]string{"token": sess.Token})
	}
}

type previewRequest struct {
	MediaType string `json:"media_type"` // "image", "file", "audio" or "url"
	Category  string `json:"category"`
	Content   string `json:"content"` // base64 payload for image/file/audio
	Filename  string `json:"filename"`
	URL       string `json:"url"`
}

type previewResponse struct {
	Extraction storage.Extraction `json:"extraction"`
	Media      string             `json:"media"`
	MediaType  string             `json:"media_type"`
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req previewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		var (
			preview ingest.Preview
			err     error
		)
		switch req.MediaType {
		case "image", "file":
			var payload []byte
			payload, err = base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64")
				return
			}
			if req.MediaType == "file" && ingest.IsPDF(req.Filename) {
				var text string
				text, err = ingest.ExtractPDFText(payload)
				if err == nil {
					preview, err = deps.Pipeline.PreviewText(r.Context(), text, req.Content, req.Category, "pdf_document", "file")
				}
			} else {
				preview, err = deps.Pipeline.PreviewImage(r.Context(), payload, mimeFromFilename(req.Filename), req.Category)
			}
		case "audio":
			var payload []byte
			payload, err = base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64")
				return
			}
			preview, err = deps.Pipeline.PreviewAudio(r.Context(), payload, req.Filename)
		case "url":
			preview, err = deps.Pipeline.PreviewURL(r.Context(), req.URL, req.Category)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown media_type %q", req.MediaType)
			return
		}

		if errors.Is(err, ingest.ErrBadExtraction) {
			httpError(w, http.StatusUnprocessableEntity, "extraction_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "preview failed: %v", err)
			return
		}

		respondJSON(w, previewResponse{
			Extraction: preview.Extraction,
			Media:      preview.Media,
			MediaType:  preview.MediaType,
		})
	}
}

func mimeFromFilename(filename string) string {
	switch {
	case strings.HasSuffix(strings.ToLower(filename), ".png"):
		return "image/png"
	case strings.HasSuffix(strings.ToLower(filename), ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func handleConfirm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req previewResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sess := sessionFrom(r)
		id, err := deps.Pipeline.Confirm(r.Context(), sess.Credential, ingest.Preview{
			Extraction: req.Extraction,
			Media:      req.Media,
			MediaType:  req.MediaType,
		})
		if errors.Is(err, ingest.ErrBadExtraction) {
			httpError(w, http.StatusUnprocessableEntity, "extraction_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "confirm failed: %v", err)
			return
		}

		slog.Debug("document confirmed", "id", id, "media_type", req.MediaType)
		respondJSON(w, map[string]string{"id": id})
	}
}

type documentPayload struct {
	ID         string               `json:"id"`
	MediaType  string               `json:"media_type"`
	Extraction storage.Extraction   `json:"extraction"`
	CreatedAt  time.Time            `json:"created_at"`
	Score      float32              `json:"score,omitempty"`
	Media      string               `json:"media,omitempty"`
	Tasks      []storage.TaskRecord `json:"tasks,omitempty"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		query := r.URL.Query().Get("q")
		mode := r.URL.Query().Get("mode")
		limit := parseIntParam(r, "limit", 20, 100)

		results, err := deps.Searcher.Search(r.Context(), sess.Credential, query, mode, limit)
		if errors.Is(err, retrieval.ErrUnknownMode) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}

		payload := make([]documentPayload, len(results))
		for i, res := range results {
			payload[i] = documentPayload{
				ID:         res.ID,
				MediaType:  res.MediaType,
				Extraction: res.Extraction,
				CreatedAt:  res.CreatedAt,
				Score:      res.Score,
			}
		}
		respondJSON(w, payload)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		limit := parseIntParam(r, "limit", 20, 100)

		docs, err := deps.Store.ListDocuments(r.Context(), sess.Credential, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		payload := make([]documentPayload, len(docs))
		for i, d := range docs {
			payload[i] = documentPayload{
				ID:         d.ID,
				MediaType:  d.MediaType,
				Extraction: d.Extraction,
				CreatedAt:  d.CreatedAt,
			}
		}
		respondJSON(w, payload)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(r.Context(), sess.Credential, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}

		respondJSON(w, documentPayload{
			ID:         doc.ID,
			MediaType:  doc.MediaType,
			Extraction: doc.Extraction,
			CreatedAt:  doc.CreatedAt,
			Media:      doc.Media,
			Tasks:      doc.Tasks,
		})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFrom(r)
		id := chi.URLParam(r, "id")

		records, err := deps.Tasks.History(r.Context(), sess.Credential, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		if records == nil {
			records = []storage.TaskRecord{}
		}
		respondJSON(w, records)
	}
}

func handleRunTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		sess := sessionFrom(r)
		id := chi.URLParam(r, "id")

		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		record, err := deps.Tasks.Run(r.Context(), sess.Credential, id, req.Prompt)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "task failed: %v", err)
			return
		}
		respondJSON(w, record)
	}
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		sess := sessionFrom(r)

		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		_, err := deps.Assistant.Turn(r.Context(), sess, req.Message, func(chunk string) {
			payload, err := json.Marshal(map[string]string{"content": chunk})
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		})
		if err != nil {
			// Headers are already out; report the failure as a final event.
			slog.Warn("chat turn failed", "error", err)
			payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
			if marshalErr == nil {
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
			return
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func handleChatReset(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionFrom(r).Reset()
		respondJSON(w, map[string]string{"status": "reset"})
	}
}

func handleLogout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Sessions.Destroy(sessionFrom(r).Token)
		respondJSON(w, map[string]string{"status": "logged_out"})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func respondJSON(w http.ResponseWriter, v any) {
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
