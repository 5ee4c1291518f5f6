package resilience

import (
	"context"

	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

// TranscribeFallback implements [transcribe.Provider] with automatic
// failover across multiple transcription backends. Each backend has its
// own circuit breaker, so a flapping hosted API stops being tried while a
// local whisper server keeps resolving clips.
type TranscribeFallback struct {
	group *FallbackGroup[transcribe.Provider]
}

// Compile-time interface assertion.
var _ transcribe.Provider = (*TranscribeFallback)(nil)

// NewTranscribeFallback creates a [TranscribeFallback] with primary as the
// preferred backend.
func NewTranscribeFallback(primary transcribe.Provider, primaryName string, cfg FallbackConfig) *TranscribeFallback {
	return &TranscribeFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *TranscribeFallback) AddFallback(name string, provider transcribe.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe submits the clip to the first healthy provider. When the
// primary fails the fallbacks are tried in registration order.
func (f *TranscribeFallback) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	return ExecuteWithResult(f.group, func(p transcribe.Provider) (string, error) {
		return p.Transcribe(ctx, req)
	})
}
