// Package httpapi exposes a chat session over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/logger"
	"github.com/comigor/chatbot-go/internal/session"
	"github.com/comigor/chatbot-go/internal/speech"
)

// maxUpload bounds the size of an uploaded recording.
const maxUpload = 32 << 20

// Chat is the part of a session the API drives.
type Chat interface {
	Send(ctx context.Context, text string) (chat.Message, error)
	Transcribe(ctx context.Context, wavPath string) (chat.Message, error)
	Messages() []chat.Message
	FullPrompt() string
	Clear(ctx context.Context) error
}

type sendRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the chat endpoints.
type Handler struct {
	chat Chat
}

// NewRouter registers every endpoint. Metrics are read from g, or from the
// default registry when g is nil.
func NewRouter(c Chat, g prometheus.Gatherer) *mux.Router {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	h := &Handler{chat: c}

	r := mux.NewRouter()
	r.HandleFunc("/messages", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages", h.sendMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages", h.clearMessages).Methods(http.MethodDelete)
	r.HandleFunc("/transcribe", h.transcribe).Methods(http.MethodPost)
	r.HandleFunc("/prompt", h.prompt).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Messages []chat.Message `json:"messages"`
	}{Messages: h.chat.Messages()})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	reply, err := h.chat.Send(r.Context(), req.Text)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	logger.L.Info("message sent", "reply_id", reply.ID)
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) clearMessages(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("missing audio file"))
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "recording-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, file)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	reply, err := h.chat.Transcribe(r.Context(), tmp.Name())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *Handler) prompt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, h.chat.FullPrompt())
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrCleared):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoTranscriber):
		return http.StatusNotImplemented
	case errors.Is(err, speech.ErrNoSpeech):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.L.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
