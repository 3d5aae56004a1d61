package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/types"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(types.Message{Role: "system", Content: "x"})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("want system message, got %+v %v", sys, err)
	}
	usr, err := convertMessage(types.Message{Role: "user", Content: "x"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("want user message, got %+v %v", usr, err)
	}
	asst, err := convertMessage(types.Message{Role: "assistant", Content: "x", Name: "The Architect"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("want assistant message, got %+v %v", asst, err)
	}
	if asst.OfAssistant.Name.Value != "The Architect" {
		t.Fatalf("want persona name on assistant message, got %q", asst.OfAssistant.Name.Value)
	}
	if _, err := convertMessage(types.Message{Role: "tool"}); err == nil {
		t.Fatal("want error for unknown role")
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"speaker\":\"The Architect\",\"content\":\"Walk me through it.\"}"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "panel",
		Messages:     []types.Message{{Role: "user", Content: "hi"}},
		Temperature:  0.7,
		JSONObject:   true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("want 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if resp.Content == "" {
		t.Fatal("want content")
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Fatalf("want json_object response format, got %v", body["response_format"])
	}
	if body["temperature"] != 0.7 {
		t.Fatalf("want temperature 0.7, got %v", body["temperature"])
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	if got := modelCapabilities("gpt-4o-mini").MaxOutputTokens; got != 16_384 {
		t.Fatalf("gpt-4o-mini: want 16384 output tokens, got %d", got)
	}
	if got := modelCapabilities("gpt-4").ContextWindow; got != 8_192 {
		t.Fatalf("gpt-4: want 8192 window, got %d", got)
	}
	if !modelCapabilities("my-custom-model").SupportsJSONMode {
		t.Fatal("want json mode assumed for compatible endpoints")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("want error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Fatal("want error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123"), WithMaxRetries(0), WithTimeout(time.Second)); err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

func TestComplete_NoChoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c2","object":"chat.completion","created":1,"model":"gpt-4o","choices":[]}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Complete(context.Background(), llm.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, ErrNoChoices) {
		t.Fatalf("want ErrNoChoices, got %v", err)
	}

	_, err = p.Complete(context.Background(), llm.CompletionRequest{Messages: []types.Message{{Role: "tool", Content: "x"}}})
	if err == nil {
		t.Fatal("want error for unsupported role")
	}
}
