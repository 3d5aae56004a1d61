// Package llmagent runs the interviewer panel in-process on top of an
// [llm.Provider].
//
// The system prompt casts the model as the selected persona (or as a panel of
// two) and keeps replies short, conversational and one question at a time.
// With a two-persona panel the model is asked for a JSON object naming the
// speaker:
//
//	{"speaker": "The Architect", "content": "..."}
//
// Replies that are not valid JSON are used verbatim with no speaker, which
// the dispatcher resolves to the first persona.
package llmagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/types"
)

// DefaultTemperature is the sampling temperature interviews run at.
const DefaultTemperature = 0.7

const coreRules = `CORE RULES:
1. DEEP ROLEPLAY: Never break character. Adopt the exact tone, strictness and focus of your persona.
2. SHORT & NATURAL: Keep responses to 2-3 sentences. Speak like a real person on a video call. No bullet points.
3. CONVERSATIONAL: Ask exactly ONE question at a time.
4. EVALUATE & PIVOT: Briefly react to the candidate's last answer before asking your next question.
5. NO REPETITION: Do not keep praising answers. Challenge the candidate when it is warranted.`

var _ dispatch.Agent = (*Agent)(nil)

// Option is a functional option for an [Agent].
type Option func(*Agent)

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// WithHistoryLimit keeps only the last n utterances in the prompt. Zero
// keeps everything.
func WithHistoryLimit(n int) Option {
	return func(a *Agent) { a.historyLimit = n }
}

// Agent implements [dispatch.Agent] with a chat-completion model.
type Agent struct {
	llm          llm.Provider
	temperature  float64
	maxTokens    int
	historyLimit int
}

// New creates an agent backed by p.
func New(p llm.Provider, opts ...Option) *Agent {
	a := &Agent{llm: p, temperature: DefaultTemperature}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reply implements [dispatch.Agent].
func (a *Agent) Reply(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	if len(req.Personas) == 0 {
		return dispatch.Reply{}, errors.New("llmagent: no personas")
	}
	panel := len(req.Personas) > 1
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: SystemPrompt(req.Personas),
		Messages:     a.messages(req),
		Temperature:  a.temperature,
		MaxTokens:    a.maxTokens,
		JSONObject:   panel && a.llm.Capabilities().SupportsJSONMode,
	})
	if err != nil {
		return dispatch.Reply{}, fmt.Errorf("llmagent: complete: %w", err)
	}
	if resp == nil {
		return dispatch.Reply{}, errors.New("llmagent: complete: no response")
	}
	if !panel {
		return dispatch.Reply{Content: strings.TrimSpace(resp.Content), Speaker: req.Personas[0].Name}, nil
	}
	return ParsePanelReply(resp.Content), nil
}

func (a *Agent) messages(req dispatch.Request) []types.Message {
	history := req.History
	if a.historyLimit > 0 && len(history) > a.historyLimit {
		history = history[len(history)-a.historyLimit:]
	}
	names := make(map[string]string, len(req.Personas))
	for _, p := range req.Personas {
		names[p.ID] = p.Name
	}
	msgs := make([]types.Message, 0, len(history)+2)
	if len(history) > 0 && history[0].Role == types.RoleAgent {
		// The intro trigger is not part of the transcript, so a history
		// that opens with the panel needs it back as the leading user turn.
		trigger := req.Trigger
		if trigger == "" {
			trigger = dispatch.DefaultIntroTrigger
		}
		msgs = append(msgs, types.Message{Role: "user", Content: trigger})
	}
	for _, u := range history {
		if u.Role == types.RoleUser {
			msgs = append(msgs, types.Message{Role: "user", Content: u.Text})
			continue
		}
		msgs = append(msgs, types.Message{Role: "assistant", Content: u.Text, Name: names[u.Speaker]})
	}
	return append(msgs, types.Message{Role: "user", Content: req.Message})
}

// SystemPrompt builds the interviewer instructions for personas.
func SystemPrompt(personas []types.Persona) string {
	var sb strings.Builder
	sb.WriteString("You are an expert AI interviewer conducting a realistic job interview.\n")
	if len(personas) == 1 {
		p := personas[0]
		fmt.Fprintf(&sb, "Your assigned persona is: %s.\n", p.Name)
		if g := strings.TrimSpace(p.Guidance); g != "" {
			fmt.Fprintf(&sb, "\nYour persona guidelines:\n%s\n", g)
		}
		sb.WriteString("\n")
		sb.WriteString(coreRules)
		return sb.String()
	}

	sb.WriteString("You play a panel of interviewers who take turns. Exactly one of them speaks per reply.\n")
	for _, p := range personas {
		fmt.Fprintf(&sb, "\n## %s\n", p.Name)
		if g := strings.TrimSpace(p.Guidance); g != "" {
			sb.WriteString(g)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")
	sb.WriteString(coreRules)
	sb.WriteString("\n\nRespond ONLY with a JSON object of the form ")
	sb.WriteString(`{"speaker": "<persona name>", "content": "<what they say>"}`)
	sb.WriteString(". The speaker must be exactly one of: ")
	for i, p := range personas {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q", p.Name)
	}
	sb.WriteString(".")
	return sb.String()
}

type panelReply struct {
	Speaker string `json:"speaker"`
	Content string `json:"content"`
}

// ParsePanelReply extracts {"speaker","content"} from raw, tolerating text
// around the object. The speaker is returned as the model wrote it. When no
// usable object is found, raw is returned as content with an empty speaker.
func ParsePanelReply(raw string) dispatch.Reply {
	trimmed := strings.TrimSpace(raw)
	start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		var pr panelReply
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &pr); err == nil && strings.TrimSpace(pr.Content) != "" {
			return dispatch.Reply{Content: strings.TrimSpace(pr.Content), Speaker: pr.Speaker}
		}
	}
	return dispatch.Reply{Content: trimmed}
}
