// Package session owns the recitation session lifecycle. A Controller is
// the single authority over the Idle → Recording → Processing → Idle
// state machine: it opens and closes the live recognition channel, feeds
// the audio recorder, and turns the finalized clip into a verse match.
//
// Exactly one session can be active at a time. Starting while a session
// is in flight is rejected rather than queued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tahfizlab/rattil/internal/capture"
	"github.com/tahfizlab/rattil/internal/match"
	"github.com/tahfizlab/rattil/internal/observe"
	"github.com/tahfizlab/rattil/pkg/provider/live"
	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

// State is a phase of the session lifecycle.
type State string

const (
	// StateIdle means no session is active. The last terminal result, if
	// any, remains visible until the next Start or a Reset.
	StateIdle State = "idle"

	// StateRecording means audio is being captured and, when a live
	// provider is configured, streamed for interim display.
	StateRecording State = "recording"

	// StateProcessing means recording has stopped and the clip is being
	// transcribed and matched. No audio is accepted in this state.
	StateProcessing State = "processing"
)

var (
	// ErrSessionActive is returned by Start while a session is already in
	// Recording or Processing.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoSession is returned by Append and Stop when no recording is in
	// progress.
	ErrNoSession = errors.New("session: no active recording")

	// ErrNotIdle is returned by Reset while a session is in flight.
	ErrNotIdle = errors.New("session: cannot reset while a session is active")
)

// Snapshot is a point-in-time view of the controller for display. Interim
// carries the latest cumulative live hypothesis and fully supersedes any
// previously shown value. Result is nil until a session has completed.
type Snapshot struct {
	State     State         `json:"state"`
	Interim   string        `json:"interim,omitempty"`
	Result    *match.Result `json:"result,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Config wires a Controller's channels and matching backend.
type Config struct {
	// Live is the interim recognition provider. Nil disables the live
	// display channel; capture and matching still work without it.
	Live live.Provider

	// LiveName labels the live provider in logs and metrics.
	LiveName string

	// Transcriber produces the authoritative transcript from the
	// finalized clip. Required.
	Transcriber transcribe.Provider

	// TranscriberName labels the transcriber in logs and metrics.
	TranscriberName string

	// Resolver matches final transcripts against the corpus. Required.
	Resolver *match.Resolver

	// SampleRate is the session audio sample rate in Hz. Default 16000.
	SampleRate int

	// Channels is the audio channel count. Default 1.
	Channels int

	// Encoding is the inbound audio encoding. Default PCM.
	Encoding capture.Encoding

	// Language is the BCP-47 recognition locale. Default "ar-SA".
	Language string

	// MaxDuration caps a single recording. Zero means the capture
	// package default.
	MaxDuration time.Duration

	// Metrics receives session instrumentation. Nil disables it.
	Metrics *observe.Metrics
}

// Controller drives the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	state      State
	gen        uint64
	recorder   *capture.Recorder
	liveSess   live.SessionHandle
	liveCancel context.CancelFunc
	interim    string
	result     *match.Result
	started    time.Time
	subs       map[chan Snapshot]struct{}
}

// NewController validates cfg, applies defaults, and returns a Controller
// in the Idle state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Transcriber == nil {
		return nil, errors.New("session: transcriber must not be nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("session: resolver must not be nil")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Language == "" {
		cfg.Language = "ar-SA"
	}
	return &Controller{
		cfg:   cfg,
		state: StateIdle,
		subs:  make(map[chan Snapshot]struct{}),
	}, nil
}

// Start transitions Idle → Recording. When a live provider is configured
// it must come up for the transition to happen: a failed stream open
// aborts the start and the controller stays Idle. Returns
// [ErrSessionActive] if a session is already in flight.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return ErrSessionActive
	}

	rec, err := capture.NewRecorder(capture.Config{
		SampleRate:  c.cfg.SampleRate,
		Channels:    c.cfg.Channels,
		Encoding:    c.cfg.Encoding,
		Language:    baseLanguage(c.cfg.Language),
		Transcriber: c.cfg.Transcriber,
		MaxDuration: c.cfg.MaxDuration,
	})
	if err != nil {
		return fmt.Errorf("session: create recorder: %w", err)
	}

	var (
		sess       live.SessionHandle
		liveCancel context.CancelFunc
	)
	if c.cfg.Live != nil {
		// The stream must outlive this call: when Start is driven by an
		// HTTP handler, the request context is cancelled as soon as the
		// response is written, which would tear down the provider's read
		// and write loops mid-session. Detach the stream's context and
		// cancel it from Stop instead.
		liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sess, err = c.cfg.Live.StartStream(liveCtx, live.StreamConfig{
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
			Language:   c.cfg.Language,
		})
		if err != nil {
			cancel()
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordProviderError(ctx, c.cfg.LiveName, "live")
			}
			return fmt.Errorf("session: start live stream: %w", err)
		}
		liveCancel = cancel
	}

	if err := rec.Start(); err != nil {
		if sess != nil {
			_ = sess.Close()
			liveCancel()
		}
		return fmt.Errorf("session: start recorder: %w", err)
	}

	c.state = StateRecording
	c.gen++
	c.recorder = rec
	c.liveSess = sess
	c.liveCancel = liveCancel
	c.interim = ""
	c.result = nil
	c.started = time.Now()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SessionsStarted.Add(ctx, 1)
		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("session started",
		"live_provider", c.cfg.LiveName,
		"transcriber", c.cfg.TranscriberName,
		"sample_rate", c.cfg.SampleRate,
	)

	if sess != nil {
		go c.consumeInterims(sess, c.gen)
	}
	c.notifyLocked()
	return nil
}

// consumeInterims folds live hypothesis revisions into the snapshot.
// Revisions arriving after the session left Recording (stale generation)
// are discarded.
func (c *Controller) consumeInterims(sess live.SessionHandle, gen uint64) {
	for tr := range sess.Partials() {
		c.mu.Lock()
		if c.gen == gen && c.state == StateRecording {
			c.interim = tr.Text
			c.notifyLocked()
		}
		c.mu.Unlock()
	}
}

// Append delivers one audio chunk to the active session. The chunk always
// goes to the recorder; when a live session is open it is forwarded there
// too, with forwarding failures logged but not surfaced — the live channel
// is display-only. Returns [ErrNoSession] outside Recording and
// [capture.ErrClipTooLong] once the clip cap is reached.
func (c *Controller) Append(chunk []byte) error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNoSession
	}
	rec, sess := c.recorder, c.liveSess
	c.mu.Unlock()

	if err := rec.Append(chunk); err != nil {
		return err
	}
	if sess != nil {
		if err := sess.SendAudio(chunk); err != nil {
			slog.Warn("live audio forward failed", "provider", c.cfg.LiveName, "err", err)
		}
	}
	return nil
}

// Stop transitions Recording → Processing → Idle: it closes the live
// channel, finalizes the clip into the authoritative transcript, and
// resolves it against the corpus. Capture and transcription failures are
// absorbed into a not-found result so the reciter always gets a terminal
// answer. Returns [ErrNoSession] outside Recording.
func (c *Controller) Stop(ctx context.Context) (match.Result, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return match.Result{}, ErrNoSession
	}
	c.state = StateProcessing
	c.gen++
	rec, sess, liveCancel := c.recorder, c.liveSess, c.liveCancel
	clipLen := rec.Duration()
	c.notifyLocked()
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			slog.Warn("live session close failed", "provider", c.cfg.LiveName, "err", err)
		}
	}
	if liveCancel != nil {
		liveCancel()
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordingDuration.Record(ctx, clipLen.Seconds())
	}

	begin := time.Now()
	text, err := rec.Stop(ctx)

	var res match.Result
	if err != nil {
		slog.Error("transcription failed, finishing as not found",
			"transcriber", c.cfg.TranscriberName, "err", err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordProviderError(ctx, c.cfg.TranscriberName, "transcribe")
			c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.TranscriberName, "transcribe", "error")
		}
		res = match.Result{Outcome: match.OutcomeNotFound}
	} else {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.TranscribeDuration.Record(ctx, time.Since(begin).Seconds())
			c.cfg.Metrics.RecordProviderRequest(ctx, c.cfg.TranscriberName, "transcribe", "ok")
		}
		matchBegin := time.Now()
		res = c.cfg.Resolver.Resolve(text)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.MatchDuration.Record(ctx, time.Since(matchBegin).Seconds())
		}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordMatchOutcome(ctx, string(res.Outcome))
		c.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.recorder = nil
	c.liveSess = nil
	c.liveCancel = nil
	c.interim = ""
	c.result = &res
	c.notifyLocked()
	c.mu.Unlock()

	if res.Matched() {
		slog.Info("session resolved", "outcome", res.Outcome,
			"verse", res.Verse.Ref(), "score", res.Score, "clip", clipLen)
	} else {
		slog.Info("session resolved", "outcome", res.Outcome, "clip", clipLen)
	}
	return res, nil
}

// Reset clears the last result and interim display. Only valid while
// Idle; returns [ErrNotIdle] otherwise.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.interim = ""
	c.result = nil
	c.started = time.Time{}
	c.notifyLocked()
	return nil
}

// Snapshot returns the current display state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:     c.state,
		Interim:   c.interim,
		Result:    c.result,
		StartedAt: c.started,
	}
	if c.recorder != nil {
		s.Duration = c.recorder.Duration()
	}
	return s
}

// Subscribe registers a snapshot listener. The returned channel carries
// the latest snapshot after every state or interim change; when the
// consumer lags, older snapshots are dropped so it always sees the
// newest value. The cancel function unregisters the listener and closes
// the channel.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// notifyLocked pushes the current snapshot to every subscriber without
// blocking. Callers must hold c.mu.
func (c *Controller) notifyLocked() {
	snap := c.snapshotLocked()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot and retry once; latest wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// baseLanguage reduces a BCP-47 tag to its primary subtag ("ar-SA" →
// "ar") for backends that only accept ISO 639-1 codes.
func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i > 0 {
		return tag[:i]
	}
	return tag
}
