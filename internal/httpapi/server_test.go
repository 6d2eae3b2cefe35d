package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatbot-go/internal/chat"
	"github.com/comigor/chatbot-go/internal/session"
	"github.com/comigor/chatbot-go/internal/speech"
)

type fakeChat struct {
	SendFunc       func(ctx context.Context, text string) (chat.Message, error)
	TranscribeFunc func(ctx context.Context, path string) (chat.Message, error)
	msgs           []chat.Message
	prompt         string
	cleared        bool
}

func (f *fakeChat) Send(ctx context.Context, text string) (chat.Message, error) {
	return f.SendFunc(ctx, text)
}

func (f *fakeChat) Transcribe(ctx context.Context, path string) (chat.Message, error) {
	return f.TranscribeFunc(ctx, path)
}

func (f *fakeChat) Messages() []chat.Message { return f.msgs }
func (f *fakeChat) FullPrompt() string       { return f.prompt }

func (f *fakeChat) Clear(context.Context) error {
	f.cleared = true
	f.msgs = nil
	return nil
}

func serve(t *testing.T, c Chat, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	NewRouter(c, prometheus.NewRegistry()).ServeHTTP(rec, req)
	return rec
}

func TestListMessages(t *testing.T) {
	c := &fakeChat{msgs: []chat.Message{
		{ID: "2", Author: chat.Model, Text: "hello"},
		{ID: "1", Author: chat.User, Text: "hi"},
	}}
	rec := serve(t, c, httptest.NewRequest(http.MethodGet, "/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	require.Equal(t, "hello", body.Messages[0].Text)
	require.NotContains(t, rec.Body.String(), "framed")
}

func TestSendMessage(t *testing.T) {
	var got string
	c := &fakeChat{SendFunc: func(_ context.Context, text string) (chat.Message, error) {
		got = text
		return chat.Message{ID: "r", Author: chat.Model, Text: "pong"}, nil
	}}
	rec := serve(t, c, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"text":"ping"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ping", got)
	var reply chat.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.Equal(t, "pong", reply.Text)
}

func TestSendMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"empty", `{"text":""}`, session.ErrEmptyMessage, http.StatusBadRequest},
		{"busy", `{"text":"x"}`, session.ErrBusy, http.StatusConflict},
		{"cleared", `{"text":"x"}`, session.ErrCleared, http.StatusConflict},
		{"closed", `{"text":"x"}`, session.ErrSessionClosed, http.StatusServiceUnavailable},
		{"other", `{"text":"x"}`, fmt.Errorf("wrapped: %w", os.ErrPermission), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeChat{SendFunc: func(context.Context, string) (chat.Message, error) {
				return chat.Message{}, tt.err
			}}
			rec := serve(t, c, httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(tt.body)))
			require.Equal(t, tt.status, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestClearMessages(t *testing.T) {
	c := &fakeChat{msgs: []chat.Message{{ID: "1"}}}
	rec := serve(t, c, httptest.NewRequest(http.MethodDelete, "/messages", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, c.cleared)
}

func multipartAudio(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "clip.wav")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestTranscribe(t *testing.T) {
	var seen []byte
	c := &fakeChat{TranscribeFunc: func(_ context.Context, path string) (chat.Message, error) {
		require.True(t, strings.HasSuffix(path, ".wav"))
		var err error
		seen, err = os.ReadFile(path)
		require.NoError(t, err)
		return chat.Message{ID: "r", Author: chat.Model, Text: "heard you"}, nil
	}}

	rec := serve(t, c, multipartAudio(t, "audio", []byte("RIFF....WAVE")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []byte("RIFF....WAVE"), seen)
	require.Contains(t, rec.Body.String(), "heard you")
}

func TestTranscribe_Errors(t *testing.T) {
	c := &fakeChat{TranscribeFunc: func(context.Context, string) (chat.Message, error) {
		return chat.Message{}, speech.ErrNoSpeech
	}}
	rec := serve(t, c, multipartAudio(t, "audio", []byte("x")))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, c, multipartAudio(t, "file", []byte("x")))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	c.TranscribeFunc = func(context.Context, string) (chat.Message, error) {
		return chat.Message{}, session.ErrNoTranscriber
	}
	rec = serve(t, c, multipartAudio(t, "audio", []byte("x")))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestPromptHealthAndMetrics(t *testing.T) {
	c := &fakeChat{prompt: "<start_of_turn>user\nhi<end_of_turn>"}

	rec := serve(t, c, httptest.NewRequest(http.MethodGet, "/prompt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, c.prompt, rec.Body.String())

	rec = serve(t, c, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = serve(t, c, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(t, &fakeChat{}, httptest.NewRequest(http.MethodPut, "/messages", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
