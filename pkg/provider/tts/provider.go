// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// Synthesis is only used on the degraded avatar path: when a persona has no
// live streaming avatar its reply is spoken locally, and the length of the
// synthesised audio decides when that persona stops talking. Backends return
// the whole utterance at once together with its playback duration.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/types"
)

// ErrEmptyText is returned when there is nothing to synthesise.
var ErrEmptyText = errors.New("tts: empty text")

// Speech is one synthesised utterance.
type Speech struct {
	// Audio is raw 16-bit little-endian PCM.
	Audio []byte

	// SampleRate and Channels describe Audio.
	SampleRate int
	Channels   int

	// Duration is the playback length of Audio.
	Duration time.Duration
}

// NewSpeech builds a Speech from PCM and derives its duration.
func NewSpeech(pcm []byte, sampleRate, channels int) Speech {
	if channels <= 0 {
		channels = 1
	}
	return Speech{
		Audio:      pcm,
		SampleRate: sampleRate,
		Channels:   channels,
		Duration:   audio.PCMDuration(len(pcm), sampleRate, channels),
	}
}

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text in the given voice. Backends apply the parts of
	// voice they support (voice ID, speed, pitch) and ignore the rest.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Speech, error)
}
