// Package types defines the shared types used across all panelist packages.
//
// These types are the common vocabulary between providers, the turn machine,
// the dispatcher and the recorder. Each package keeps its own domain types;
// only cross-cutting data structures live here to avoid import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced an [Utterance].
type Role string

const (
	// RoleUser marks an utterance spoken by the candidate.
	RoleUser Role = "user"

	// RoleAgent marks an utterance produced by one of the interviewer personas.
	RoleAgent Role = "agent"
)

// VoiceParams are the synthetic-voice settings used when a persona falls back
// to local speech synthesis. Zero values mean "engine default" (1.0).
type VoiceParams struct {
	// Pitch is a multiplier around 1.0 (0.5 lower, 2.0 higher).
	Pitch float64 `yaml:"pitch" json:"pitch"`

	// Rate is the speaking-rate multiplier around 1.0.
	Rate float64 `yaml:"rate" json:"rate"`

	// VoiceID optionally selects a concrete voice of the fallback synthesizer.
	VoiceID string `yaml:"voice_id,omitempty" json:"voiceId,omitempty"`
}

// EffectivePitch returns Pitch, or 1 when unset.
func (v VoiceParams) EffectivePitch() float64 {
	if v.Pitch <= 0 {
		return 1
	}
	return v.Pitch
}

// EffectiveRate returns Rate, or 1 when unset.
func (v VoiceParams) EffectiveRate() float64 {
	if v.Rate <= 0 {
		return 1
	}
	return v.Rate
}

// Persona is one simulated interviewer. A persona is built once per session
// from the candidate's selection and never changes for the session's lifetime.
type Persona struct {
	// ID is the stable identifier (e.g. "architect").
	ID string `yaml:"id" json:"id"`

	// Name is the display name the agent uses as its speaker label
	// (e.g. "The Architect"). Speaker resolution matches on it exactly.
	Name string `yaml:"name" json:"name"`

	// Description is a short blurb shown in persona pickers.
	Description string `yaml:"description" json:"desc"`

	// FaceRef is the opaque avatar-face reference handed to the streaming
	// avatar vendor.
	FaceRef string `yaml:"face_ref" json:"faceRef,omitempty"`

	// Voice configures the fallback speech synthesis for this persona.
	Voice VoiceParams `yaml:"voice" json:"voiceParams"`

	// Guidance is the interviewing focus and tone, appended to the agent
	// prompt by in-process agents.
	Guidance string `yaml:"guidance" json:"guidance,omitempty"`
}

// MaxPanelSize is the largest number of personas in a single interview.
const MaxPanelSize = 2

// ErrInvalidPanel wraps every error returned by [ValidatePanel].
var ErrInvalidPanel = errors.New("invalid panel")

// ValidatePanel checks a persona selection for a session. Every problem is
// reported; the result is nil when the panel is usable.
func ValidatePanel(personas []Persona) error {
	var errs []error
	switch {
	case len(personas) == 0:
		errs = append(errs, errors.New("panel: at least one persona is required"))
	case len(personas) > MaxPanelSize:
		errs = append(errs, fmt.Errorf("panel: at most %d personas are supported, got %d", MaxPanelSize, len(personas)))
	}
	ids := make(map[string]bool, len(personas))
	names := make(map[string]bool, len(personas))
	for i, p := range personas {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("panel: persona[%d]: id is required", i))
		} else if ids[p.ID] {
			errs = append(errs, fmt.Errorf("panel: persona[%d]: duplicate id %q", i, p.ID))
		}
		ids[p.ID] = true
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("panel: persona[%d]: name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("panel: persona[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidPanel, errors.Join(errs...))
}

// Utterance is one finalized line of the interview transcript. Once recorded
// it is never modified.
type Utterance struct {
	// Role is RoleUser or RoleAgent.
	Role Role `json:"role"`

	// Speaker is the persona ID for agent utterances and empty for the
	// candidate.
	Speaker string `json:"speaker,omitempty"`

	// Text is the finalized natural-language content.
	Text string `json:"content"`

	// At is when the utterance was recorded.
	At time.Time `json:"at"`
}

// Message is a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (the persona name for panel
	// replies).
	Name string
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64
}

// ProfileFor maps persona voice parameters onto a TTS voice profile. Pitch
// multipliers are spread over the ±10 shift scale.
func ProfileFor(v VoiceParams) VoiceProfile {
	shift := (v.EffectivePitch() - 1) * 10
	shift = max(-10, min(10, shift))
	return VoiceProfile{
		ID:          v.VoiceID,
		PitchShift:  shift,
		SpeedFactor: max(0.5, min(2.0, v.EffectiveRate())),
	}
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the model can be asked for a JSON object reply.
	SupportsJSONMode bool
}
