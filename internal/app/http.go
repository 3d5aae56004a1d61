package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/observe"
	"github.com/MrWong99/panelist/internal/turn"
	"github.com/MrWong99/panelist/pkg/types"
)

const (
	maxRequestBody = 64 << 10
	endTimeout     = 15 * time.Second
	writeTimeout   = 5 * time.Second
)

// Register mounts the interview API on mux.
func (a *App) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/personas", a.handlePersonas)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/mic", a.handleMic)
	mux.HandleFunc("POST /v1/sessions/{id}/submit", a.handleSubmit)
	mux.HandleFunc("POST /v1/sessions/{id}/retry-mic", a.handleRetryMic)
	mux.HandleFunc("POST /v1/sessions/{id}/end", a.handleEnd)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", a.handleTranscript)
}

// ---- request and response bodies ----

type createRequest struct {
	Personas []string `json:"personas"`
	DeviceID string   `json:"device_id"`
}

type createResponse struct {
	SessionID string          `json:"session_id"`
	Personas  []types.Persona `json:"personas"`
	Avatars   []AvatarInfo    `json:"avatars"`
}

type sessionResponse struct {
	SessionInfo
	MicConnected bool `json:"mic_connected"`
}

type transcriptResponse struct {
	SessionID  string            `json:"session_id"`
	Ended      bool              `json:"ended"`
	Utterances []types.Utterance `json:"utterances"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// eventMessage is one frame on the events websocket.
type eventMessage struct {
	Type     string    `json:"type"`
	State    string    `json:"state,omitempty"`
	From     string    `json:"from,omitempty"`
	Persona  string    `json:"persona,omitempty"`
	Notice   string    `json:"notice,omitempty"`
	Error    string    `json:"error,omitempty"`
	MicOpen  *bool     `json:"mic_open,omitempty"`
	Energy   float64   `json:"energy,omitempty"`
	Speaking bool      `json:"speaking,omitempty"`

	// Set on speech frames and on state frames entering persona_speaking.
	Text      string             `json:"text,omitempty"`
	Voice     *types.VoiceParams `json:"voice,omitempty"`
	Audio     []byte             `json:"audio,omitempty"`
	AudioType string             `json:"audio_type,omitempty"`
	Fallback  bool               `json:"fallback,omitempty"`

	At time.Time `json:"at"`
}

// ---- handlers ----

func (a *App) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.catalogue.All())
}

func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	personas, err := a.catalogue.Select(req.Personas)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s, err := a.sessions.Create(personas, req.DeviceID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{SessionID: s.ID(), Personas: personas, Avatars: s.avatarInfo()})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	info := s.Info()
	writeJSON(w, http.StatusOK, sessionResponse{SessionInfo: info, MicConnected: a.hub.Connected(info.DeviceID)})
}

func (a *App) handleMic(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	a.hub.Serve(w, r, s.deviceID)
}

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s, ok := a.live(w, r)
	if !ok {
		return
	}
	s.machine.Submit()
	writeJSON(w, http.StatusAccepted, s.Info())
}

func (a *App) handleRetryMic(w http.ResponseWriter, r *http.Request) {
	s, ok := a.live(w, r)
	if !ok {
		return
	}
	s.machine.RetryMic()
	writeJSON(w, http.StatusAccepted, s.Info())
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), endTimeout)
	defer cancel()
	utts, err := a.sessions.End(ctx, s.ID())
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: s.ID(), Ended: true, Utterances: nonNil(utts)})
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID:  s.ID(),
		Ended:      ended(s),
		Utterances: nonNil(s.Transcript()),
	})
}

// handleEvents streams turn notifications and microphone levels until the
// session ends or the client goes away.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	s, ok := a.lookup(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.cfg.Server.AllowedOrigins})
	if err != nil {
		observe.Logger(r.Context()).Warn("events: accept failed", "session", s.ID(), "err", err)
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(observe.WithSession(r.Context(), s.ID()))

	notes := s.machine.Subscribe()
	levels, unsubscribe := s.SubscribeLevels()
	defer unsubscribe()

	st, speaker := s.machine.State()
	micOpen := s.machine.MicOpen()
	snap := eventMessage{Type: "snapshot", State: st.String(), Persona: speaker, MicOpen: &micOpen, At: time.Now()}
	if line, ok := s.machine.Speaking(); ok {
		withSpeech(&snap, line)
	}
	if err := send(ctx, conn, snap); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if err := send(ctx, conn, notificationMessage(n)); err != nil {
				observe.Logger(ctx).Debug("events: write failed", "err", err)
				return
			}
		case lv := <-levels:
			if err := send(ctx, conn, eventMessage{Type: "level", Energy: lv.Energy, Speaking: lv.Speaking, At: lv.At}); err != nil {
				return
			}
		}
	}
}

func notificationMessage(n turn.Notification) eventMessage {
	msg := eventMessage{Persona: n.Persona, At: n.At}
	switch n.Kind {
	case turn.NotifyStateChanged:
		msg.Type = "state"
		msg.From = n.From.String()
		msg.State = n.To.String()
		msg.Text = n.Text
		if n.To == turn.StatePersonaSpeaking {
			msg.Voice = &n.Voice
		}
	case turn.NotifyNotice:
		msg.Type = "notice"
		msg.Notice = string(n.Notice)
		if n.Err != nil {
			msg.Error = n.Err.Error()
		}
	case turn.NotifyTalking:
		msg.Type = "speech"
		withSpeech(&msg, n)
	}
	return msg
}

// withSpeech copies the spoken line onto msg. Audio is only present when the
// avatar fell back to local synthesis.
func withSpeech(msg *eventMessage, n turn.Notification) {
	msg.Text = n.Text
	msg.Voice = &n.Voice
	msg.Fallback = n.Fallback
	if len(n.Audio) > 0 {
		msg.Audio = n.Audio
		msg.AudioType = "audio/wav"
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg eventMessage) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// ---- helpers ----

func (a *App) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := a.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return s, true
}

// live is lookup restricted to sessions that have not ended.
func (a *App) live(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, ok := a.lookup(w, r)
	if !ok {
		return nil, false
	}
	if ended(s) {
		writeError(w, http.StatusConflict, errors.New("session has ended"))
		return nil, false
	}
	return s, true
}

func ended(s *Session) bool {
	select {
	case <-s.machine.Done():
		return true
	default:
		return false
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrUnknownPersona), errors.Is(err, types.ErrInvalidPanel):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(utts []types.Utterance) []types.Utterance {
	if utts == nil {
		return []types.Utterance{}
	}
	return utts
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
