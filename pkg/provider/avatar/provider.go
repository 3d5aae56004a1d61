// Package avatar defines the Provider interface for streaming talking-avatar
// vendors.
//
// A provider creates one rendering session per persona. A session accepts
// text to speak and reports, asynchronously, when the avatar starts and stops
// talking. Video itself flows from the vendor straight to the browser: the
// session's [Stream] tells the browser where to join, and this service only
// drives the session and listens to its talking-state events.
//
// Implementations must be safe for concurrent use.
package avatar

import (
	"context"
	"time"
)

// EventKind is the kind of a vendor talking-state event.
type EventKind int

const (
	// TalkingStarted is emitted when the avatar begins speaking.
	TalkingStarted EventKind = iota

	// TalkingStopped is emitted when the avatar finishes or is interrupted.
	TalkingStopped
)

// String returns a human-readable name for the kind.
func (k EventKind) String() string {
	switch k {
	case TalkingStarted:
		return "talking_started"
	case TalkingStopped:
		return "talking_stopped"
	default:
		return "unknown"
	}
}

// Event is a talking-state change reported by a vendor session.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Stream is what a browser needs to join a session's media stream.
type Stream struct {
	// URL is the vendor's media server for the session.
	URL string `json:"url"`

	// Token authorises the browser to join. It is scoped to one session.
	Token string `json:"token,omitempty"`
}

// Session is a live vendor avatar session.
type Session interface {
	// ID returns the vendor's session identifier.
	ID() string

	// Stream returns where the browser watches the avatar.
	Stream() Stream

	// Speak asks the avatar to say text. It returns once the vendor accepted
	// the task; talking-state changes arrive on Events.
	Speak(ctx context.Context, text string) error

	// Interrupt stops the current utterance.
	Interrupt(ctx context.Context) error

	// Events delivers talking-state changes. The channel is closed when the
	// session ends, including when the vendor drops it.
	Events() <-chan Event

	// Close ends the session. Safe to call more than once.
	Close(ctx context.Context) error
}

// Provider creates vendor sessions.
type Provider interface {
	// CreateSession connects a session rendering faceRef and blocks until it
	// is ready to speak or ctx is done.
	CreateSession(ctx context.Context, faceRef string) (Session, error)
}
