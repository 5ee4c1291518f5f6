// Package server exposes the recitation session over HTTP.
//
// The API is a thin facade over [session.Controller]:
//
//   - POST /v1/session/start  — begin a recording session.
//   - POST /v1/session/stop   — finalize, transcribe and match the clip.
//   - POST /v1/session/reset  — clear the last result while idle.
//   - GET  /v1/session        — current session snapshot.
//   - GET  /v1/session/stream — WebSocket: binary frames append audio,
//     text frames carry JSON snapshot pushes.
//
// Health probes, Prometheus metrics and request instrumentation are
// mounted on the same mux.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tahfizlab/rattil/internal/health"
	"github.com/tahfizlab/rattil/internal/match"
	"github.com/tahfizlab/rattil/internal/observe"
	"github.com/tahfizlab/rattil/internal/session"
)

// Config wires the handler's dependencies.
type Config struct {
	// Controller drives the session state machine. Required.
	Controller *session.Controller

	// Health serves liveness and readiness probes. Nil disables them.
	Health *health.Handler

	// Metrics instruments HTTP requests. Nil disables instrumentation.
	Metrics *observe.Metrics
}

// Server is the HTTP facade over the session controller.
type Server struct {
	ctrl    *session.Controller
	health  *health.Handler
	metrics *observe.Metrics
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: controller must not be nil")
	}
	return &Server{
		ctrl:    cfg.Controller,
		health:  cfg.Health,
		metrics: cfg.Metrics,
	}, nil
}

// Handler returns the fully wired http.Handler, including health probes,
// /metrics and request instrumentation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("POST /v1/session/reset", s.handleReset)
	mux.HandleFunc("GET /v1/session", s.handleSnapshot)
	mux.HandleFunc("GET /v1/session/stream", s.handleStream)

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// sessionView is the JSON shape of a session snapshot. Durations are
// reported in milliseconds so clients don't have to parse Go duration
// strings.
type sessionView struct {
	State      session.State `json:"state"`
	Interim    string        `json:"interim,omitempty"`
	Result     *resultView   `json:"result,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	DurationMs int64         `json:"duration_ms,omitempty"`
}

// resultView is the JSON shape of a terminal match result. Verse fields
// are present only for a matched outcome.
type resultView struct {
	Outcome     match.Outcome `json:"outcome"`
	Ref         string        `json:"ref,omitempty"`
	Surah       int           `json:"surah,omitempty"`
	SurahName   string        `json:"surah_name,omitempty"`
	SurahNameEn string        `json:"surah_name_en,omitempty"`
	Ayah        int           `json:"ayah,omitempty"`
	Text        string        `json:"text,omitempty"`
	Score       float64       `json:"score,omitempty"`
}

func toSessionView(snap session.Snapshot) sessionView {
	v := sessionView{
		State:      snap.State,
		Interim:    snap.Interim,
		StartedAt:  snap.StartedAt,
		DurationMs: snap.Duration.Milliseconds(),
	}
	if snap.Result != nil {
		rv := toResultView(*snap.Result)
		v.Result = &rv
	}
	return v
}

func toResultView(r match.Result) resultView {
	v := resultView{Outcome: r.Outcome}
	if r.Matched() {
		v.Ref = r.Verse.Ref()
		v.Surah = r.Verse.Surah
		v.SurahName = r.Verse.SurahName
		v.SurahNameEn = r.Verse.SurahNameEn
		v.Ayah = r.Verse.NumberInSurah
		v.Text = r.Verse.Text
		v.Score = r.Score
	}
	return v
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Start(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrSessionActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(s.ctrl.Snapshot()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.ctrl.Stop(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNoSession) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultView(result))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reset(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionView(s.ctrl.Snapshot()))
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
