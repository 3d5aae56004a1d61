package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

// TTSFallback implements [tts.Synthesizer] with failover across several
// speech backends. Empty text is not retried.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = func(err error) bool { return errors.Is(err, tts.ErrEmptyText) }
	}
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *TTSFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize renders text with the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	return ExecuteWithResult(ctx, f.group, func(s tts.Synthesizer) (tts.Speech, error) {
		return s.Synthesize(ctx, text, voice)
	})
}
