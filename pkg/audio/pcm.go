package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-audio/wav"
)

// PCMDuration returns the playback length of n bytes of 16-bit PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// RMS computes the root-mean-square energy of 16-bit little-endian PCM on the
// int16 scale (0–32768). Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ToMono folds interleaved stereo PCM into mono by averaging each L/R pair.
// Mono input is returned unchanged.
func ToMono(pcm []byte, channels int) []byte {
	if channels != 2 {
		return pcm
	}
	out := make([]byte, len(pcm)/2)
	for i := 0; i+3 < len(pcm); i += 4 {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i+2:])))
		binary.LittleEndian.PutUint16(out[i/2:], uint16(int16((l+r)/2)))
	}
	return out
}

// Resample converts mono 16-bit PCM from one sample rate to another using
// linear interpolation. Same-rate input is returned unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	src := len(pcm) / 2
	dst := int(int64(src) * int64(to) / int64(from))
	out := make([]byte, dst*2)
	step := float64(from) / float64(to)
	sample := func(i int) float64 {
		if i >= src {
			i = src - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	for i := range dst {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// ToSTTFormat normalises a frame's PCM to mono at the given rate.
func ToSTTFormat(f AudioFrame, rate int) []byte {
	return Resample(ToMono(f.Data, f.Channels), f.SampleRate, rate)
}

// PCMToFloat32 converts 16-bit PCM into float32 samples in [-1, 1).
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeWAV wraps 16-bit PCM in a minimal 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	byteRate := sampleRate * channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+len(pcm)))
	copy(buf[8:], "WAVE")
	copy(buf[12:], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// ErrInvalidWAV is returned by [DecodeWAV] for input that is not a 16-bit
// PCM RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: not a 16-bit PCM WAV file")

// DecodeWAV extracts 16-bit PCM and its format from a RIFF/WAVE file.
// Chunks between the format and data chunks are skipped.
func DecodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err == nil {
		err = dec.Err()
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 || buf == nil || len(buf.Data) == 0 {
		return nil, 0, 0, ErrInvalidWAV
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("%w: %d-bit samples", ErrInvalidWAV, dec.BitDepth)
	}
	pcm = make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}

// WAVDuration returns the playback length of a WAV file, or 0 when it cannot
// be decoded.
func WAVDuration(data []byte) time.Duration {
	pcm, rate, ch, ok := WAVPCM(data)
	if !ok {
		return 0
	}
	return PCMDuration(len(pcm), rate, ch)
}

// WAVPCM is [DecodeWAV] with a boolean result.
func WAVPCM(data []byte) (pcm []byte, sampleRate, channels int, ok bool) {
	pcm, sampleRate, channels, err := DecodeWAV(data)
	return pcm, sampleRate, channels, err == nil
}

// PCM returns the clip as raw 16-bit PCM with its format. ok is false for
// opaque containers.
func (c Clip) PCM() (pcm []byte, sampleRate, channels int, ok bool) {
	switch c.MIMEType {
	case MIMEWAV:
		return WAVPCM(c.Data)
	case MIMEPCM, "":
		ch := c.Channels
		if ch <= 0 {
			ch = 1
		}
		return c.Data, c.SampleRate, ch, true
	default:
		return nil, 0, 0, false
	}
}
