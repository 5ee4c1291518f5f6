// Package capture implements the authoritative audio path of a
// recitation session: it records the raw audio of the whole session and,
// on stop, packages the clip and submits it to a one-shot transcription
// backend.
//
// The recorder accepts either raw 16-bit signed LE PCM or Opus packets
// (decoded with gopus, as delivered by browser capture pipelines). Its
// output — the final recognized text — is the only input ever used for
// verse matching.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

// Encoding identifies the wire format of audio handed to Append.
type Encoding string

const (
	// EncodingPCM is raw 16-bit signed little-endian PCM.
	EncodingPCM Encoding = "pcm"

	// EncodingOpus is one Opus packet per Append call, 20 ms frames.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM || e == EncodingOpus
}

// opusFrameMs is the packet frame duration produced by browser capture
// pipelines.
const opusFrameMs = 20

// defaultMaxDuration caps the recorded clip so a forgotten session cannot
// grow the buffer without bound.
const defaultMaxDuration = 5 * time.Minute

// ErrNotRecording is returned by Append before Start or after Stop.
var ErrNotRecording = errors.New("capture: recorder is not recording")

// ErrClipTooLong is returned by Append once the configured maximum clip
// duration has been reached; already-buffered audio is kept.
var ErrClipTooLong = errors.New("capture: maximum clip duration reached")

// Config holds the audio format and the transcription backend for a
// [Recorder].
type Config struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Channels is the channel count of the recorded audio.
	Channels int

	// Encoding selects PCM passthrough or Opus decode.
	Encoding Encoding

	// Language is the recognition language hint forwarded to the
	// transcriber (e.g. "ar").
	Language string

	// Transcriber is the one-shot backend the finalized clip is sent to.
	Transcriber transcribe.Provider

	// MaxDuration caps the recorded clip. Zero means the default (5 min).
	MaxDuration time.Duration
}

// Recorder accumulates one session's audio and finalizes it into the
// authoritative transcript. All methods are safe for concurrent use.
type Recorder struct {
	cfg      Config
	maxBytes int

	mu      sync.Mutex
	pcm     []byte
	dec     *gopus.Decoder
	started bool
	stopped bool
}

// NewRecorder creates a recorder for one session. It validates the
// config and, for Opus input, allocates the packet decoder up front so a
// misconfigured session fails at start rather than mid-recording.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("capture: transcriber must not be nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("capture: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("capture: invalid channel count %d", cfg.Channels)
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingPCM
	}
	if !cfg.Encoding.IsValid() {
		return nil, fmt.Errorf("capture: invalid encoding %q", cfg.Encoding)
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}

	// Millisecond resolution so sub-second caps keep a non-zero budget.
	r := &Recorder{
		cfg:      cfg,
		maxBytes: int(cfg.MaxDuration.Milliseconds()) * cfg.SampleRate * cfg.Channels * 2 / 1000,
	}

	if cfg.Encoding == EncodingOpus {
		dec, err := gopus.NewDecoder(cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("capture: create opus decoder: %w", err)
		}
		r.dec = dec
	}

	return r, nil
}

// Start begins recording. Calling Start on a recorder that already ran a
// session returns an error; recorders are single-use by construction.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("capture: recorder already started")
	}
	r.started = true
	return nil
}

// Append adds one chunk of session audio. Opus packets are decoded to
// PCM; PCM chunks are buffered as-is.
func (r *Recorder) Append(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return ErrNotRecording
	}
	if len(r.pcm) >= r.maxBytes {
		return ErrClipTooLong
	}

	if r.cfg.Encoding == EncodingOpus {
		frameSize := r.cfg.SampleRate * opusFrameMs / 1000
		samples, err := r.dec.Decode(chunk, frameSize, false)
		if err != nil {
			return fmt.Errorf("capture: opus decode: %w", err)
		}
		r.pcm = append(r.pcm, int16sToBytes(samples)...)
		return nil
	}

	r.pcm = append(r.pcm, chunk...)
	return nil
}

// Duration returns the length of the buffered clip.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	bytesPerSec := r.cfg.SampleRate * r.cfg.Channels * 2
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(len(r.pcm)) * time.Second / time.Duration(bytesPerSec)
}

// Stop finalizes the recording, packages the clip as WAV, and submits it
// to the transcription backend, returning the authoritative recognized
// text. A clip that captured no audio at all resolves to empty text
// without a network round-trip; transport and protocol failures are
// returned as errors, never as empty-string successes.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	if r.stopped {
		r.mu.Unlock()
		return "", errors.New("capture: recorder already stopped")
	}
	r.stopped = true
	pcm := r.pcm
	r.pcm = nil
	r.mu.Unlock()

	if len(pcm) == 0 {
		return "", nil
	}

	wav := EncodeWAV(pcm, r.cfg.SampleRate, r.cfg.Channels)
	text, err := r.cfg.Transcriber.Transcribe(ctx, transcribe.Request{
		WAV:      wav,
		Language: r.cfg.Language,
	})
	if err != nil {
		return "", fmt.Errorf("capture: transcribe clip: %w", err)
	}
	return text, nil
}

// int16sToBytes converts interleaved int16 samples to little-endian bytes.
func int16sToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
