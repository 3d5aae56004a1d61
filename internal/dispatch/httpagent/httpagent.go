// Package httpagent delegates interviewer replies to an external agent
// service.
//
//	POST {url}
//	{"message": "...", "history": [{"role":"user","content":"..."}],
//	 "personas": [{"id":"architect","name":"The Architect",...}],
//	 "persona": "The Architect"}
//	→ 200 {"content": "...", "speaker": "The Architect"}
//
// "persona" carries the first persona's name for services that only know a
// single interviewer. Non-2xx answers are errors.
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/pkg/types"
)

const maxErrorBody = 512

var _ dispatch.Agent = (*Agent)(nil)

// StatusError is a non-2xx answer from the agent service.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("httpagent: server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Option is a functional option for an [Agent].
type Option func(*Agent)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(a *Agent) { a.apiKey = key }
}

// WithHTTPClient replaces the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) { a.client = c }
}

// Agent implements [dispatch.Agent] over HTTP.
type Agent struct {
	url    string
	apiKey string
	client *http.Client
}

// New creates an agent posting to url.
func New(url string, opts ...Option) (*Agent, error) {
	if url == "" {
		return nil, errors.New("httpagent: url must not be empty")
	}
	a := &Agent{url: url, client: &http.Client{Timeout: 60 * time.Second}}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

type historyEntry struct {
	Role    types.Role `json:"role"`
	Content string     `json:"content"`
	Speaker string     `json:"speaker,omitempty"`
}

type request struct {
	Message  string          `json:"message"`
	History  []historyEntry  `json:"history"`
	Personas []types.Persona `json:"personas"`
	Persona  string          `json:"persona,omitempty"`
}

type response struct {
	Content string `json:"content"`
	Speaker string `json:"speaker"`
}

// Reply implements [dispatch.Agent].
func (a *Agent) Reply(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	names := make(map[string]string, len(req.Personas))
	for _, p := range req.Personas {
		names[p.ID] = p.Name
	}
	body := request{
		Message:  req.Message,
		History:  make([]historyEntry, 0, len(req.History)),
		Personas: req.Personas,
	}
	if len(req.Personas) > 0 {
		body.Persona = req.Personas[0].Name
	}
	for _, u := range req.History {
		body.History = append(body.History, historyEntry{Role: u.Role, Content: u.Text, Speaker: names[u.Speaker]})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return dispatch.Reply{}, fmt.Errorf("httpagent: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(raw))
	if err != nil {
		return dispatch.Reply{}, fmt.Errorf("httpagent: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return dispatch.Reply{}, fmt.Errorf("httpagent: http request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatch.Reply{}, fmt.Errorf("httpagent: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return dispatch.Reply{}, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	var out response
	if err := json.Unmarshal(data, &out); err != nil {
		return dispatch.Reply{}, fmt.Errorf("httpagent: decode response: %w", err)
	}
	return dispatch.Reply{Content: out.Content, Speaker: out.Speaker}, nil
}
