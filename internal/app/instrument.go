package app

import (
	"context"
	"time"

	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/internal/observe"
	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/internal/transcript"
	"github.com/MrWong99/panelist/internal/turn"
	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

// NamedExporter is a transcript exporter with a name for metrics and logs.
type NamedExporter struct {
	Name string
	recorder.Exporter
}

// meteredExporter counts export attempts.
type meteredExporter struct {
	NamedExporter
	metrics *observe.Metrics
}

func (e meteredExporter) ExportTranscript(ctx context.Context, sessionID string, utts []types.Utterance) error {
	err := e.Exporter.ExportTranscript(ctx, sessionID, utts)
	e.metrics.RecordExport(ctx, e.Name, observe.Status(err))
	if err != nil {
		observe.Logger(ctx).Warn("transcript export failed", "exporter", e.Name, "err", err)
	}
	return err
}

// meteredAgent bounds each agent call and counts it.
type meteredAgent struct {
	dispatch.Agent
	name    string
	timeout time.Duration
	metrics *observe.Metrics
}

func (a *meteredAgent) Reply(ctx context.Context, req dispatch.Request) (dispatch.Reply, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "dispatch.reply")
	defer span.End()

	reply, err := a.Agent.Reply(ctx, req)
	a.metrics.RecordProviderRequest(ctx, a.name, "agent", observe.Status(err))
	return reply, err
}

// meteredSTT counts transcription calls.
type meteredSTT struct {
	stt.Provider
	name    string
	metrics *observe.Metrics
}

// MeterSTT wraps p so every call is counted under name.
func MeterSTT(p stt.Provider, name string, m *observe.Metrics) stt.Provider {
	return &meteredSTT{Provider: p, name: name, metrics: m}
}

func (p *meteredSTT) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	res, err := p.Provider.Transcribe(ctx, req)
	p.metrics.RecordProviderRequest(ctx, p.name, "stt", observe.Status(err))
	return res, err
}

// meteredTTS records fallback synthesis latency.
type meteredTTS struct {
	tts.Synthesizer
	metrics *observe.Metrics
}

func (s *meteredTTS) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	start := time.Now()
	speech, err := s.Synthesizer.Synthesize(ctx, text, voice)
	s.metrics.RecordLatency(ctx, s.metrics.TTSDuration, time.Since(start), observe.Status(err))
	return speech, err
}

// answerMeter records the length of every clip sent for transcription.
type answerMeter struct {
	turn.Transcriber
	metrics *observe.Metrics
}

func (t answerMeter) Transcribe(ctx context.Context, clip audio.Clip) (transcript.Result, error) {
	t.metrics.RecordLatency(ctx, t.metrics.AnswerDuration, clip.Duration, "")
	return t.Transcriber.Transcribe(ctx, clip)
}
