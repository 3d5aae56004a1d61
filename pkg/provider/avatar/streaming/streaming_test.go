package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/panelist/pkg/provider/avatar"
)

// fakeVendor is an in-process streaming avatar API.
type fakeVendor struct {
	srv *httptest.Server

	mu       sync.Mutex
	calls    []string
	tasks    []sessionRequest
	conn     *websocket.Conn
	noReady  bool
	noURL    bool
	failNew  bool
	newFaces []string
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	v := &fakeVendor{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/streaming.create_token", func(w http.ResponseWriter, r *http.Request) {
		v.record("create_token")
		if r.Header.Get("x-api-key") != "key" {
			http.Error(w, "bad key", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"token":"tok"}}`))
	})
	mux.HandleFunc("POST /v1/streaming.new", func(w http.ResponseWriter, r *http.Request) {
		v.record("new")
		var req newRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		v.mu.Lock()
		v.newFaces = append(v.newFaces, req.AvatarName)
		fail, noURL := v.failNew, v.noURL
		v.mu.Unlock()
		if fail {
			http.Error(w, "concurrent limit reached", http.StatusTooManyRequests)
			return
		}
		ws := "ws" + strings.TrimPrefix(v.srv.URL, "http") + "/events"
		nd := newData{SessionID: "s1", URL: "wss://media.test/s1", AccessToken: "viewer-s1", RealtimeEndpoint: ws}
		if noURL {
			nd.URL = ""
		}
		_ = json.NewEncoder(w).Encode(envelope[newData]{Data: nd})
	})
	for _, name := range []string{"start", "task", "interrupt", "stop"} {
		mux.HandleFunc("POST /v1/streaming."+name, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok" {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			var req sessionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			v.record(name)
			if name == "task" {
				v.mu.Lock()
				v.tasks = append(v.tasks, req)
				v.mu.Unlock()
			}
			_, _ = w.Write([]byte(`{}`))
		})
	}
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conn = conn
		noReady := v.noReady
		v.mu.Unlock()
		if !noReady {
			v.send(r.Context(), "stream_ready")
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) record(call string) {
	v.mu.Lock()
	v.calls = append(v.calls, call)
	v.mu.Unlock()
}

func (v *fakeVendor) send(ctx context.Context, typ string) {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	b, _ := json.Marshal(wireEvent{Type: typ})
	_ = conn.Write(ctx, websocket.MessageText, b)
}

func (v *fakeVendor) called(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.calls {
		if c == name {
			return true
		}
	}
	return false
}

func TestCreateSession_SpeakAndEvents(t *testing.T) {
	t.Parallel()

	v := newFakeVendor(t)
	p, err := New("key", WithBaseURL(v.srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := p.CreateSession(ctx, "face-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID() != "s1" {
		t.Fatalf("want session s1, got %q", s.ID())
	}
	if got, want := s.Stream(), (avatar.Stream{URL: "wss://media.test/s1", Token: "viewer-s1"}); got != want {
		t.Fatalf("stream: want %+v, got %+v", want, got)
	}
	if err := s.Speak(ctx, "Tell me about yourself."); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	v.mu.Lock()
	task := v.tasks[0]
	v.mu.Unlock()
	if task.Text != "Tell me about yourself." || task.TaskType != "talk" || task.SessionID != "s1" {
		t.Fatalf("unexpected task %+v", task)
	}

	v.send(ctx, "avatar_start_talking")
	v.send(ctx, "avatar_stop_talking")
	for _, want := range []avatar.EventKind{avatar.TalkingStarted, avatar.TalkingStopped} {
		select {
		case ev := <-s.Events():
			if ev.Kind != want {
				t.Fatalf("want %v, got %v", want, ev.Kind)
			}
		case <-ctx.Done():
			t.Fatalf("no %v event", want)
		}
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !v.called("stop") {
		t.Fatal("want streaming.stop called")
	}
	if err := s.Speak(ctx, "x"); err != ErrSessionClosed {
		t.Fatalf("want ErrSessionClosed, got %v", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("want events channel closed")
	}
}

func TestCreateSession_DefaultFace(t *testing.T) {
	t.Parallel()

	v := newFakeVendor(t)
	p, _ := New("key", WithBaseURL(v.srv.URL))
	s, err := p.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer s.Close(context.Background())
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.newFaces[0] != defaultAvatarID {
		t.Fatalf("want default avatar, got %q", v.newFaces[0])
	}
}

func TestCreateSession_VendorLimit(t *testing.T) {
	t.Parallel()

	v := newFakeVendor(t)
	v.mu.Lock()
	v.failNew = true
	v.mu.Unlock()
	p, _ := New("key", WithBaseURL(v.srv.URL))
	if _, err := p.CreateSession(context.Background(), "face"); err == nil {
		t.Fatal("want error when the vendor refuses a session")
	}
}

func TestCreateSession_NeverReady(t *testing.T) {
	t.Parallel()

	v := newFakeVendor(t)
	v.mu.Lock()
	v.noReady = true
	v.mu.Unlock()
	p, _ := New("key", WithBaseURL(v.srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.CreateSession(ctx, "face"); err == nil {
		t.Fatal("want error when stream_ready never arrives")
	}
	if !v.called("stop") {
		t.Fatal("want the half-created session stopped")
	}
}

func TestCreateSession_NoStreamURL(t *testing.T) {
	t.Parallel()

	v := newFakeVendor(t)
	v.mu.Lock()
	v.noURL = true
	v.mu.Unlock()
	p, _ := New("key", WithBaseURL(v.srv.URL))
	if _, err := p.CreateSession(context.Background(), "face"); err == nil || !strings.Contains(err.Error(), "no stream url") {
		t.Fatalf("want a missing stream url error, got %v", err)
	}
	if v.called("start") {
		t.Error("want the session not started without a stream url")
	}
	if !v.called("stop") {
		t.Error("want the half-created session stopped")
	}
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("want error for empty key")
	}
}
