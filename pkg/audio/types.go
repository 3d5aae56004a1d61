package audio

import "time"

// AudioFrame is a single frame of 16-bit little-endian PCM flowing from a
// microphone stream into the capture controller.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for browser Opus, 16000 for STT).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Clip is a finalized recording handed to a transcription backend.
type Clip struct {
	// Data holds the encoded audio. For MIMEType "audio/pcm" it is raw
	// 16-bit little-endian PCM; for "audio/wav" a RIFF container; other
	// types (audio/webm, audio/mp4) are passed through opaque.
	Data []byte

	// MIMEType is the format hint forwarded to the transcription service.
	MIMEType string

	// SampleRate and Channels describe PCM and WAV data. Zero for opaque
	// containers.
	SampleRate int
	Channels   int

	// Duration is the recorded length.
	Duration time.Duration
}

// Well-known clip MIME types.
const (
	MIMEPCM  = "audio/pcm"
	MIMEWAV  = "audio/wav"
	MIMEWebM = "audio/webm"
	MIMEMP4  = "audio/mp4"
)

// Empty reports whether the clip carries no audio.
func (c Clip) Empty() bool { return len(c.Data) == 0 }

// WAV returns the clip as a WAV container. PCM clips are wrapped; WAV clips
// are returned as-is. ok is false for opaque containers.
func (c Clip) WAV() (data []byte, ok bool) {
	switch c.MIMEType {
	case MIMEWAV:
		return c.Data, true
	case MIMEPCM, "":
		return EncodeWAV(c.Data, c.SampleRate, c.Channels), true
	default:
		return nil, false
	}
}
