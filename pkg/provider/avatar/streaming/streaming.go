// Package streaming implements avatar.Provider for HeyGen-style streaming
// avatar APIs.
//
// Session setup is a short REST handshake followed by an event websocket:
//
//	POST {base}/v1/streaming.create_token           (x-api-key)     → {data:{token}}
//	POST {base}/v1/streaming.new    {avatar_name, quality, version}  → {data:{session_id, url, access_token, realtime_endpoint}}
//	POST {base}/v1/streaming.start  {session_id}
//	WS   realtime_endpoint                          stream_ready | avatar_start_talking | avatar_stop_talking
//	POST {base}/v1/streaming.task   {session_id, text, task_type:"talk"}
//	POST {base}/v1/streaming.interrupt {session_id}
//	POST {base}/v1/streaming.stop   {session_id}
//
// CreateSession returns once the event socket reported stream_ready. The
// media url and access_token are handed to the browser through
// Session.Stream; video never passes through this service.
package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/panelist/pkg/provider/avatar"
)

const (
	defaultBaseURL  = "https://api.heygen.com"
	defaultQuality  = "low"
	defaultAvatarID = "99160ec3aef04ddab034f4a306665d00"
	stopTimeout     = 5 * time.Second
)

// ErrSessionClosed is returned by Speak and Interrupt after Close.
var ErrSessionClosed = errors.New("streaming: session closed")

var _ avatar.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithQuality sets the stream quality ("low", "medium", "high").
func WithQuality(q string) Option {
	return func(p *Provider) { p.quality = q }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider creates streaming avatar sessions.
type Provider struct {
	apiKey  string
	baseURL string
	quality string
	client  *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("streaming: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		quality: defaultQuality,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type tokenData struct {
	Token string `json:"token"`
}

type newRequest struct {
	AvatarName string `json:"avatar_name"`
	Quality    string `json:"quality"`
	Version    string `json:"version"`
}

type newData struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
}

type wireEvent struct {
	Type string `json:"type"`
}

// CreateSession implements avatar.Provider.
func (p *Provider) CreateSession(ctx context.Context, faceRef string) (avatar.Session, error) {
	if faceRef == "" {
		faceRef = defaultAvatarID
	}

	var tok envelope[tokenData]
	if err := p.post(ctx, "/v1/streaming.create_token", "", nil, &tok); err != nil {
		return nil, fmt.Errorf("streaming: create token: %w", err)
	}
	if tok.Data.Token == "" {
		return nil, errors.New("streaming: create token: empty token")
	}

	var nd envelope[newData]
	req := newRequest{AvatarName: faceRef, Quality: p.quality, Version: "v2"}
	if err := p.post(ctx, "/v1/streaming.new", tok.Data.Token, req, &nd); err != nil {
		return nil, fmt.Errorf("streaming: new session: %w", err)
	}
	if nd.Data.SessionID == "" {
		return nil, errors.New("streaming: new session: empty session id")
	}

	s := &session{
		p:      p,
		token:  tok.Data.Token,
		id:     nd.Data.SessionID,
		stream: avatar.Stream{URL: nd.Data.URL, Token: nd.Data.AccessToken},
		events: make(chan avatar.Event, 16),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	if s.stream.URL == "" {
		s.stop()
		return nil, errors.New("streaming: new session: no stream url")
	}
	if err := p.post(ctx, "/v1/streaming.start", s.token, sessionRequest{SessionID: s.id}, nil); err != nil {
		s.stop()
		return nil, fmt.Errorf("streaming: start session: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, nd.Data.RealtimeEndpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.token}},
	})
	if err != nil {
		s.stop()
		return nil, fmt.Errorf("streaming: dial events: %w", err)
	}
	s.conn = conn
	go s.readLoop()

	select {
	case <-s.ready:
		slog.Debug("streaming: session ready", "session", s.id, "face", faceRef)
		return s, nil
	case <-s.done:
		_ = s.Close(context.Background())
		return nil, errors.New("streaming: event socket closed before stream_ready")
	case <-ctx.Done():
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("streaming: wait for stream_ready: %w", ctx.Err())
	}
}

// post sends body as JSON and decodes the reply into out when non-nil. A
// bearer token is used when given, the API key otherwise.
func (p *Provider) post(ctx context.Context, path, token string, body, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("x-api-key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		if len(raw) > 256 {
			raw = raw[:256]
		}
		return fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// ---- session ----

type session struct {
	p      *Provider
	token  string
	id     string
	stream avatar.Stream
	conn   *websocket.Conn
	events chan avatar.Event

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *session) ID() string { return s.id }

func (s *session) Stream() avatar.Stream { return s.stream }

func (s *session) Events() <-chan avatar.Event { return s.events }

func (s *session) Speak(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	req := sessionRequest{SessionID: s.id, Text: text, TaskType: "talk"}
	if err := s.p.post(ctx, "/v1/streaming.task", s.token, req, nil); err != nil {
		return fmt.Errorf("streaming: speak: %w", err)
	}
	return nil
}

func (s *session) Interrupt(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.p.post(ctx, "/v1/streaming.interrupt", s.token, sessionRequest{SessionID: s.id}, nil); err != nil {
		return fmt.Errorf("streaming: interrupt: %w", err)
	}
	return nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	err := s.p.post(ctx, "/v1/streaming.stop", s.token, sessionRequest{SessionID: s.id}, nil)
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.done
	}
	if err != nil {
		return fmt.Errorf("streaming: stop %s: %w", s.id, err)
	}
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stop releases a half-created session on the vendor side.
func (s *session) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.p.post(ctx, "/v1/streaming.stop", s.token, sessionRequest{SessionID: s.id}, nil); err != nil {
		slog.Debug("streaming: stop half-created session", "session", s.id, "err", err)
	}
}

// readLoop translates vendor events until the socket closes, then closes
// the events channel.
func (s *session) readLoop() {
	defer s.closeOnce.Do(func() {
		close(s.events)
		close(s.done)
	})
	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			return
		}
		var ev wireEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "stream_ready":
			s.readyOnce.Do(func() { close(s.ready) })
		case "avatar_start_talking":
			s.emit(avatar.TalkingStarted)
		case "avatar_stop_talking":
			s.emit(avatar.TalkingStopped)
		}
	}
}

func (s *session) emit(kind avatar.EventKind) {
	select {
	case s.events <- avatar.Event{Kind: kind, At: time.Now()}:
	default:
		slog.Warn("streaming: event dropped, consumer lagging", "session", s.id, "kind", kind)
	}
}
