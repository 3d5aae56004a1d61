package vad

import "time"

// VADEvent is the detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Energy is the measured level of the frame.
	Energy float64

	// At is the media time at the end of the frame, relative to session start.
	At time.Duration
}

// Speaking reports whether the frame counts as speech.
func (e VADEvent) Speaking() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech: either nothing has been said yet or
	// the speaker is pausing.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun (or resumed after a pause).
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates the first quiet frame after speech; the silence
	// timer starts here.
	VADSpeechEnd

	// VADFinished indicates the speaker has finished: speech was heard and
	// the signal stayed quiet for longer than the configured silence. It is
	// reported at most once per session.
	VADFinished

	// VADStopped is returned for every frame after VADFinished.
	VADStopped
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADFinished:
		return "finished"
	case VADStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
