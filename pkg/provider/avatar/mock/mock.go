// Package mock provides test doubles for the avatar package interfaces.
//
// Provider hands out Sessions; a test drives talking-state events with
// Session.Emit and inspects what was spoken through Session.Spoken.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/panelist/pkg/provider/avatar"
)

// Provider is a mock implementation of avatar.Provider.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by CreateSession.
	Err error

	// ErrFor overrides Err per face reference.
	ErrFor map[string]error

	// Hold, if non-nil, makes CreateSession block until it is closed or the
	// context is cancelled.
	Hold chan struct{}

	// AutoStop makes new sessions emit TalkingStarted and TalkingStopped
	// right after every Speak.
	AutoStop bool

	// Sessions records every session created, keyed by face reference.
	Sessions map[string]*Session

	// Faces records every CreateSession call in order.
	Faces []string
}

var _ avatar.Provider = (*Provider)(nil)

// CreateSession records the call and returns a new Session or the configured error.
func (p *Provider) CreateSession(ctx context.Context, faceRef string) (avatar.Session, error) {
	p.mu.Lock()
	p.Faces = append(p.Faces, faceRef)
	hold := p.Hold
	err := p.Err
	if e, ok := p.ErrFor[faceRef]; ok {
		err = e
	}
	autoStop := p.AutoStop
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := NewSession(faceRef)
	s.AutoStop = autoStop
	p.mu.Lock()
	if p.Sessions == nil {
		p.Sessions = make(map[string]*Session)
	}
	p.Sessions[faceRef] = s
	p.mu.Unlock()
	return s, nil
}

// Session returns the session created for faceRef, if any. Thread-safe.
func (p *Provider) Session(faceRef string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Sessions[faceRef]
}

// CreateCount returns the number of CreateSession calls. Thread-safe.
func (p *Provider) CreateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Faces)
}

// Session is a mock implementation of avatar.Session.
type Session struct {
	mu sync.Mutex

	id     string
	events chan avatar.Event
	closed bool

	// AutoStop emits TalkingStarted and TalkingStopped after every Speak.
	AutoStop bool

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error

	spoken         []string
	interrupts     int
	closeCallCount int
}

var _ avatar.Session = (*Session)(nil)

// NewSession creates a session with a buffered event channel.
func NewSession(id string) *Session {
	return &Session{id: id, events: make(chan avatar.Event, 32)}
}

func (s *Session) ID() string { return s.id }

// Stream returns a fake media location derived from the session ID.
func (s *Session) Stream() avatar.Stream {
	return avatar.Stream{URL: "wss://avatar.test/" + s.id, Token: "token-" + s.id}
}

func (s *Session) Events() <-chan avatar.Event { return s.events }

// Speak records text and, with AutoStop, emits a talking cycle.
func (s *Session) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	if s.SpeakErr != nil {
		err := s.SpeakErr
		s.mu.Unlock()
		return err
	}
	s.spoken = append(s.spoken, text)
	auto := s.AutoStop
	s.mu.Unlock()
	if auto {
		s.Emit(avatar.TalkingStarted)
		s.Emit(avatar.TalkingStopped)
	}
	return nil
}

// Interrupt records the call and emits TalkingStopped.
func (s *Session) Interrupt(context.Context) error {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	s.Emit(avatar.TalkingStopped)
	return nil
}

// Close closes the event channel. Safe to call more than once.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Emit delivers a talking-state event. It is a no-op after Close.
func (s *Session) Emit(kind avatar.EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- avatar.Event{Kind: kind, At: time.Now()}:
	default:
	}
}

// Spoken returns a copy of every text passed to Speak. Thread-safe.
func (s *Session) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// InterruptCount returns the number of Interrupt calls. Thread-safe.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// CloseCallCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

// Closed reports whether Close was called. Thread-safe.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
