// Package mock provides a test double for the tts.Synthesizer interface.
//
// Example:
//
//	s := &mock.Synthesizer{Result: tts.NewSpeech(pcm, 16000, 1)}
//	speech, _ := s.Synthesize(ctx, "Hello.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice types.VoiceProfile
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Result is returned by Synthesize when Err is nil.
	Result tts.Speech

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize records the call and returns Result, Err.
func (s *Synthesizer) Synthesize(_ context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voice})
	if s.Err != nil {
		return tts.Speech{}, s.Err
	}
	return s.Result, nil
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = nil
}
