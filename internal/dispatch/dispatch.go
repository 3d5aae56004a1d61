// Package dispatch sends the candidate's answer to the interviewer agent and
// decides which persona replies.
//
// The [Dispatcher] is agent-agnostic: anything implementing [Agent] can sit
// behind it, from the in-process LLM agent (llmagent) to a remote agent
// service (httpagent). The agent may name a speaker; the dispatcher resolves
// that label against the panel and falls back to the first persona when the
// label is missing or unknown.
//
// A successful dispatch yields the user utterance and then the agent
// utterance. They reach the session recorder through [Dispatcher.Commit],
// which the turn machine calls once it accepted the reply, so a failed or
// discarded dispatch appends nothing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/panelist/pkg/types"
)

// ErrDispatchFailed wraps agent failures and empty replies.
var ErrDispatchFailed = errors.New("dispatch: agent dispatch failed")

// DefaultIntroTrigger is sent as the first message of every session so the
// panel introduces itself. It is never recorded as a user utterance.
const DefaultIntroTrigger = "The candidate has just entered the virtual room. Introduce yourselves quickly and ask the first behavioral question."

// Request is what an [Agent] receives.
type Request struct {
	// Message is the candidate's latest answer or the intro trigger.
	Message string

	// History is the transcript so far in chronological order. It does not
	// include Message.
	History []types.Utterance

	// Personas is the session's panel, in selection order.
	Personas []types.Persona

	// Intro is true for the session-start trigger.
	Intro bool

	// Trigger is the session-start message. Agents whose models require
	// the conversation to open with a user turn replay it ahead of History.
	Trigger string
}

// Reply is what an [Agent] answers.
type Reply struct {
	// Content is the text the persona speaks.
	Content string

	// Speaker is the persona name the agent chose. It may be empty.
	Speaker string
}

// Agent produces the interviewers' next line.
//
// Implementations must be safe for concurrent use and honour ctx.
type Agent interface {
	Reply(ctx context.Context, req Request) (Reply, error)
}

// Recorder receives finalized utterances. *recorder.Recorder satisfies it.
type Recorder interface {
	Append(u types.Utterance) error
}

// Result is one resolved agent turn.
type Result struct {
	// PersonaID is the persona that speaks Text.
	PersonaID string

	// Text is the trimmed agent reply.
	Text string

	// Latency is the agent round trip.
	Latency time.Duration

	// Utterances are what this turn adds to the transcript, in order: the
	// candidate's answer (absent for the intro) and the agent's line.
	Utterances []types.Utterance
}

// Option is a functional option for a [Dispatcher].
type Option func(*Dispatcher)

// WithIntroTrigger replaces [DefaultIntroTrigger].
func WithIntroTrigger(text string) Option {
	return func(d *Dispatcher) {
		if text != "" {
			d.intro = text
		}
	}
}

// WithClock overrides the clock used to timestamp utterances.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher routes candidate answers to an [Agent]. It is safe for
// concurrent use, but the turn machine only ever runs one dispatch at a time.
type Dispatcher struct {
	agent Agent
	rec   Recorder
	intro string
	now   func() time.Time
}

// New creates a dispatcher. rec may be nil when nothing needs recording.
func New(agent Agent, rec Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		agent: agent,
		rec:   rec,
		intro: DefaultIntroTrigger,
		now:   time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch sends message with history to the agent and resolves the
// speaking persona. Errors wrap [ErrDispatchFailed].
func (d *Dispatcher) Dispatch(ctx context.Context, history []types.Utterance, message string, personas []types.Persona) (Result, error) {
	return d.dispatch(ctx, Request{Message: message, History: history, Personas: personas, Trigger: d.intro})
}

// Intro dispatches the session-start trigger. Only the agent's reply is
// part of the result's utterances.
func (d *Dispatcher) Intro(ctx context.Context, personas []types.Persona) (Result, error) {
	return d.dispatch(ctx, Request{Message: d.intro, Personas: personas, Intro: true, Trigger: d.intro})
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Result, error) {
	if len(req.Personas) == 0 {
		return Result{}, fmt.Errorf("%w: no personas", ErrDispatchFailed)
	}
	asked := d.now()
	start := time.Now()
	reply, err := d.agent.Reply(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return Result{Latency: latency}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{Latency: latency}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	text := strings.TrimSpace(reply.Content)
	if text == "" {
		return Result{Latency: latency}, fmt.Errorf("%w: empty reply", ErrDispatchFailed)
	}
	p := ResolveSpeaker(reply.Speaker, req.Personas)
	if len(req.Personas) > 1 && reply.Speaker != p.Name {
		slog.Debug("dispatch: speaker label unresolved, using first persona", "label", reply.Speaker, "persona", p.ID)
	}

	res := Result{PersonaID: p.ID, Text: text, Latency: latency}
	if !req.Intro {
		res.Utterances = append(res.Utterances, types.Utterance{Role: types.RoleUser, Text: req.Message, At: asked})
	}
	res.Utterances = append(res.Utterances, types.Utterance{Role: types.RoleAgent, Speaker: p.ID, Text: text, At: d.now()})
	return res, nil
}

// Commit appends res's utterances to the recorder. Call it once per accepted
// result.
func (d *Dispatcher) Commit(res Result) {
	if d.rec == nil {
		return
	}
	for _, u := range res.Utterances {
		if err := d.rec.Append(u); err != nil {
			slog.Warn("dispatch: record utterance", "role", u.Role, "err", err)
		}
	}
}

// ResolveSpeaker returns the persona whose Name equals label exactly, or the
// first persona when none does. The comparison is byte for byte: case and
// surrounding whitespace both count. personas must not be empty.
func ResolveSpeaker(label string, personas []types.Persona) types.Persona {
	if len(personas) == 1 {
		return personas[0]
	}
	for _, p := range personas {
		if p.Name == label {
			return p
		}
	}
	return personas[0]
}
