package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/livebridge/internal/observe"
	"github.com/MrWong99/livebridge/internal/session"
)

// Response is the body of every session control endpoint. It mirrors the
// reply an extension content script sends back to its popup.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Session  *SessionInfo  `json:"session,omitempty"`
	Sessions []SessionInfo `json:"sessions,omitempty"`

	// Reply is the answer to a chat message.
	Reply string `json:"reply,omitempty"`

	Segments []Segment `json:"segments,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

const (
	maxChatBody = 64 << 10

	msgNoReply      = "Sorry, I couldn't understand that."
	msgNoTranscript = "No transcript to save."
)

// statusFor maps a start failure onto an HTTP status code.
func statusFor(r session.Reason) int {
	switch r {
	case session.ReasonMissingCredentials:
		return http.StatusUnauthorized
	case session.ReasonPermissionDenied:
		return http.StatusForbidden
	case session.ReasonNoAudioSource:
		return http.StatusUnprocessableEntity
	case session.ReasonConnectFailure:
		return http.StatusBadGateway
	case session.ReasonStopped:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// API exposes a [SessionManager] over HTTP.
type API struct {
	sessions   *SessionManager
	hub        *Hub
	chat       *ChatClient
	transcript *Transcript
	now        func() time.Time
}

// NewAPI returns an API backed by sm whose event stream is served from hub.
// The chat and transcript routes are only registered when chat and
// transcript are non-nil.
func NewAPI(sm *SessionManager, hub *Hub, chat *ChatClient, transcript *Transcript) *API {
	return &API{sessions: sm, hub: hub, chat: chat, transcript: transcript, now: time.Now}
}

// Register adds the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", a.list)
	mux.HandleFunc("POST /api/sessions/{kind}", a.start)
	mux.HandleFunc("DELETE /api/sessions/{kind}", a.stop)
	mux.Handle("GET /api/events", a.hub)
	if a.chat != nil {
		mux.HandleFunc("POST /api/chat", a.sendChat)
	}
	if a.transcript != nil {
		mux.HandleFunc("GET /api/transcript", a.downloadTranscript)
		mux.HandleFunc("DELETE /api/transcript", a.clearTranscript)
	}
}

func (a *API) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Sessions: a.sessions.List()})
}

func (a *API) start(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.PathValue("kind"))
	info, err := a.sessions.Start(r.Context(), kind)
	if err != nil {
		var se *session.StartError
		switch {
		case errors.Is(err, ErrUnknownKind):
			writeJSON(w, http.StatusNotFound, Response{Error: err.Error()})
		case errors.As(err, &se):
			writeJSON(w, statusFor(se.Reason), Response{Error: se.Reason.Message(), Reason: string(se.Reason)})
		default:
			observe.Logger(r.Context()).Error("start session", "kind", kind, "err", err)
			writeJSON(w, http.StatusInternalServerError, Response{Error: err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Session: &info})
}

func (a *API) stop(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.PathValue("kind"))
	if _, err := a.sessions.Stop(kind); err != nil {
		writeJSON(w, http.StatusNotFound, Response{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

// ── chat ─────────────────────────────────────────────────────────────────────

func (a *API) sendChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid chat request: " + err.Error()})
		return
	}

	reply, err := a.chat.Send(r.Context(), req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, Response{Success: true, Reply: reply})
	case errors.Is(err, ErrEmptyMessage):
		writeJSON(w, http.StatusBadRequest, Response{Error: err.Error()})
	case errors.Is(err, session.ErrMissingCredentials):
		reason := session.ReasonMissingCredentials
		writeJSON(w, statusFor(reason), Response{Error: reason.Message(), Reason: string(reason)})
	case errors.Is(err, ErrNoReply):
		writeJSON(w, http.StatusBadGateway, Response{Error: msgNoReply})
	default:
		observe.Logger(r.Context()).Warn("chat request failed", "err", err)
		writeJSON(w, http.StatusBadGateway, Response{Error: "Error: " + err.Error()})
	}
}

// ── transcript ───────────────────────────────────────────────────────────────

// downloadTranscript serves the transcript as a text attachment, or as JSON
// segments with ?format=json. ?kind= limits it to one session kind.
func (a *API) downloadTranscript(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.URL.Query().Get("kind"))
	if _, ok := Presets[kind]; kind != "" && !ok {
		writeJSON(w, http.StatusNotFound, Response{Error: fmt.Errorf("%w: %q", ErrUnknownKind, kind).Error()})
		return
	}

	segments := a.transcript.Segments(kind)
	if len(segments) == 0 {
		writeJSON(w, http.StatusNotFound, Response{Error: msgNoTranscript})
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, Response{Success: true, Segments: segments})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+TranscriptFilename(a.now())+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(FormatTranscript(segments))); err != nil {
		slog.Debug("write transcript", "err", err)
	}
}

func (a *API) clearTranscript(w http.ResponseWriter, _ *http.Request) {
	a.transcript.Clear()
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}
