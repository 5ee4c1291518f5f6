// Package transcribe defines the Provider interface for one-shot
// authoritative transcription backends.
//
// Unlike the streaming recognizers in package live, a transcribe provider
// receives one complete recorded clip and returns the final recognized
// text. This result is the only input ever used for verse matching.
//
// Failure semantics are strict: a network error, a non-success response,
// or a malformed body yields a non-nil error — never an empty-string
// success — so the session layer can distinguish "service failed" from
// "service heard nothing".
package transcribe

import "context"

// Request is one complete recorded clip plus recognition hints.
type Request struct {
	// WAV is the full audio clip in a RIFF/WAV container (16-bit signed
	// little-endian PCM).
	WAV []byte

	// Language is the recognition language hint (e.g. "ar").
	Language string
}

// Provider is the abstraction over any one-shot transcription backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe submits the clip and returns the recognized text. The
	// returned text may be empty when the backend succeeded but heard no
	// speech; errors are reserved for transport and protocol failures.
	Transcribe(ctx context.Context, req Request) (string, error)
}
