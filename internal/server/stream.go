package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tahfizlab/rattil/internal/session"
)

// handleStream upgrades to WebSocket and bridges the connection to the
// session controller. Binary frames are audio chunks appended to the
// active recording; every controller state or interim change is pushed
// to the client as a JSON text frame.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, unsubscribe := s.ctrl.Subscribe()
	defer unsubscribe()

	// Writer: one goroutine owns all outbound frames.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for snap := range snaps {
			if err := wsjson.Write(ctx, conn, toSessionView(snap)); err != nil {
				cancel()
				return
			}
		}
	}()

	// Reader: binary frames carry audio, everything else is ignored.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read ended", "err", err)
			}
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := s.ctrl.Append(data); err != nil {
			if errors.Is(err, session.ErrNoSession) {
				// Audio arriving outside a recording is dropped; the
				// client learns the state from snapshot pushes.
				continue
			}
			slog.Warn("failed to append streamed audio", "err", err)
		}
	}

	unsubscribe()
	<-writeDone
	conn.Close(websocket.StatusNormalClosure, "")
}
