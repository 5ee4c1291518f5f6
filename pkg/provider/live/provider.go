// Package live defines the Provider interface for continuous speech
// recognizers that drive the live transcript display.
//
// A live provider wraps a streaming recognition backend (a hosted
// WebSocket API or an on-device model) and exposes a uniform session
// interface: once opened, a session accepts raw PCM audio frames and
// emits interim hypothesis revisions. Each revision carries the full
// cumulative current-utterance text, so consumers replace — never
// append — the displayed value.
//
// Interim text exists purely for human feedback. It is never the input
// to verse matching; the authoritative path is the one-shot transcriber
// in package transcribe.
//
// Implementations must be safe for concurrent use.
package live

import "context"

// Transcript is one interim hypothesis revision from a live recognizer.
type Transcript struct {
	// Text is the cumulative current-utterance hypothesis. Each value
	// fully supersedes the previous one.
	Text string

	// Confidence is the recognizer's score for this hypothesis (0.0–1.0).
	// Zero when the backend does not report confidence.
	Confidence float64
}

// StreamConfig describes the audio format and recognition hints for a new
// live session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16-bit signed LE PCM).
	SampleRate int

	// Channels is the number of audio channels; 1 for recitation capture.
	Channels int

	// Language is the BCP-47 recognition locale. The engine fixes this to
	// Arabic ("ar-SA" by default) for recitation.
	Language string
}

// SessionHandle is an open live recognition session.
//
// Callers must call Close when the session is no longer needed; failing
// to do so may leak goroutines and connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio for recognition.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim hypothesis
	// revisions. The channel is closed when the session ends.
	Partials() <-chan Transcript

	// Close terminates the session and releases its resources. After
	// Close returns the Partials channel is closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any continuous recognition backend.
type Provider interface {
	// StartStream opens a new live recognition session. The returned
	// handle is ready to accept audio immediately. Returns an error if
	// the backend cannot establish the session.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
