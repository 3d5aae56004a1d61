package httpstt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
)

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(response{Text: "hello"})
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIKey("k"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Request{Clip: audio.Clip{Data: []byte("webm!"), MIMEType: audio.MIMEWebM}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello" {
		t.Fatalf("want hello, got %q", tr.Text)
	}
	if got.MIMEType != audio.MIMEWebM {
		t.Fatalf("want webm mime forwarded, got %q", got.MIMEType)
	}
	raw, _ := base64.StdEncoding.DecodeString(got.AudioBase64)
	if string(raw) != "webm!" {
		t.Fatalf("want audio forwarded verbatim, got %q", raw)
	}
}

func TestTranscribe_PCMIsSentAsWAV(t *testing.T) {
	t.Parallel()

	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(response{Text: "ok"})
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	clip := audio.Clip{Data: make([]byte, 320), MIMEType: audio.MIMEPCM, SampleRate: 16000, Channels: 1}
	if _, err := p.Transcribe(context.Background(), stt.Request{Clip: clip}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.MIMEType != audio.MIMEWAV {
		t.Fatalf("want audio/wav, got %q", got.MIMEType)
	}
}

func TestTranscribe_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	_, err := p.Transcribe(context.Background(), stt.Request{Clip: audio.Clip{Data: []byte{1}, MIMEType: audio.MIMEMP4}})
	var he *stt.HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadGateway {
		t.Fatalf("want HTTPError 502, got %v", err)
	}
}
