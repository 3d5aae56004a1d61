package turn

import (
	"time"

	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/pkg/types"
)

// State is the turn state of an interview. Exactly one state is current at
// any instant.
type State int

const (
	// StateIdle is the state before the session starts.
	StateIdle State = iota

	// StateListening means the candidate has the floor and the microphone is
	// open (or waiting for a retry after a microphone failure).
	StateListening

	// StateTranscribing means a clip is being transcribed.
	StateTranscribing

	// StateDispatching means the agent is producing the next line.
	StateDispatching

	// StatePersonaSpeaking means a persona is talking. The speaking persona
	// is reported alongside.
	StatePersonaSpeaking

	// StateEnded is terminal.
	StateEnded
)

// String returns a lower-case name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateDispatching:
		return "dispatching"
	case StatePersonaSpeaking:
		return "persona_speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Thinking reports whether the panel is busy producing a reply.
func (s State) Thinking() bool {
	return s == StateTranscribing || s == StateDispatching
}

// EventKind enumerates the inputs of the turn machine.
type EventKind int

const (
	EventSessionStart EventKind = iota
	EventFinishedSpeaking
	EventManualSubmit
	EventTranscriptReady
	EventTranscriptionFailed
	EventDispatchSucceeded
	EventDispatchFailed
	EventTalkingStarted
	EventTalkingStopped
	EventMicFailed
	EventRetryMic
	EventEndInterview
)

var eventNames = [...]string{
	EventSessionStart:        "session_start",
	EventFinishedSpeaking:    "finished_speaking",
	EventManualSubmit:        "manual_submit",
	EventTranscriptReady:     "transcript_ready",
	EventTranscriptionFailed: "transcription_failed",
	EventDispatchSucceeded:   "dispatch_succeeded",
	EventDispatchFailed:      "dispatch_failed",
	EventTalkingStarted:      "talking_started",
	EventTalkingStopped:      "talking_stopped",
	EventMicFailed:           "mic_failed",
	EventRetryMic:            "retry_mic",
	EventEndInterview:        "end_interview",
}

// String returns the event's name.
func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// async reports whether events of this kind are results of work launched by
// the machine and therefore carry a turn number.
func (k EventKind) async() bool {
	switch k {
	case EventTranscriptReady, EventTranscriptionFailed, EventDispatchSucceeded, EventDispatchFailed:
		return true
	}
	return false
}

// Event is one input of the turn machine.
type Event struct {
	Kind EventKind

	// Turn is the sequence number of the work that produced an async result.
	// Results whose Turn is not the machine's current turn are discarded.
	Turn uint64

	// Text is the transcript (TranscriptReady) or the persona line
	// (DispatchSucceeded, TalkingStarted).
	Text string

	// Reply is the whole result behind DispatchSucceeded. Its utterances are
	// committed to the transcript only if the machine accepts the result.
	Reply dispatch.Result

	// Audio is the synthesised line of a fallback TalkingStarted, as WAV.
	Audio []byte

	// Fallback marks talking events of the degraded avatar path.
	Fallback bool

	// Usable qualifies TranscriptReady.
	Usable bool

	// PersonaID names the persona of DispatchSucceeded and talking events.
	PersonaID string

	// Err carries the failure of TranscriptionFailed, DispatchFailed and
	// MicFailed.
	Err error

	// Latency is the duration of the work behind an async result.
	Latency time.Duration
}

// Snapshot is the machine's state as seen after processing an event.
type Snapshot struct {
	State   State
	Persona string
	Turn    uint64
	MicOpen bool
}

// ---- notifications ----

// NotificationKind classifies a [Notification].
type NotificationKind int

const (
	// NotifyStateChanged reports a transition.
	NotifyStateChanged NotificationKind = iota

	// NotifyNotice reports a recoverable problem the candidate should see.
	NotifyNotice

	// NotifyTalking reports that the speaking persona's avatar started
	// talking. It carries the line, and on the fallback path the synthesised
	// audio and the persona's voice so the client can play it.
	NotifyTalking
)

// NoticeKind classifies a notice.
type NoticeKind string

const (
	NoticeNoSpeech            NoticeKind = "no_speech"
	NoticeTranscriptionFailed NoticeKind = "transcription_failed"
	NoticeDispatchFailed      NoticeKind = "dispatch_failed"
	NoticeAvatarFailed        NoticeKind = "avatar_failed"
	NoticeMicFailed           NoticeKind = "mic_failed"
	NoticeExportFailed        NoticeKind = "export_failed"
)

// Notification is delivered to subscribers.
type Notification struct {
	Kind NotificationKind

	// From and To are set for NotifyStateChanged.
	From, To State

	// Persona is the speaking persona for transitions into
	// StatePersonaSpeaking and for NotifyTalking.
	Persona string

	// Text is the persona's line, set alongside Persona.
	Text string

	// Voice is the speaking persona's fallback voice.
	Voice types.VoiceParams

	// Audio is the synthesised line as WAV and Fallback marks the degraded
	// path. Both are only set for NotifyTalking.
	Audio    []byte
	Fallback bool

	// Notice and Err are set for NotifyNotice.
	Notice NoticeKind
	Err    error

	At time.Time
}
