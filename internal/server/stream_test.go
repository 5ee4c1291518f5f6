package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	transcribemock "github.com/tahfizlab/rattil/pkg/provider/transcribe/mock"
)

// streamView mirrors the JSON snapshot frames pushed on the stream.
type streamView struct {
	State   string `json:"state"`
	Interim string `json:"interim"`
	Result  *struct {
		Outcome string `json:"outcome"`
		Ref     string `json:"ref"`
	} `json:"result"`
}

// readUntil reads snapshot frames until cond is satisfied or the
// context expires.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, cond func(streamView) bool) streamView {
	t.Helper()
	for {
		var v streamView
		if err := wsjson.Read(ctx, conn, &v); err != nil {
			t.Fatalf("read snapshot: %v", err)
		}
		if cond(v) {
			return v
		}
	}
}

func TestStream_LifecyclePush(t *testing.T) {
	t.Parallel()
	tp := &transcribemock.Provider{Text: "بسم الله الرحمن الرحيم"}
	h, ctrl := newTestServer(t, tp)

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/v1/session/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription delivers the current state immediately.
	first := readUntil(ctx, t, conn, func(v streamView) bool { return true })
	if first.State != "idle" {
		t.Fatalf("initial state = %q, want idle", first.State)
	}

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	readUntil(ctx, t, conn, func(v streamView) bool { return v.State == "recording" })

	// Binary frames append audio to the active recording.
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 3200)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	// Wait until the chunk landed before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.Snapshot().Duration == 0 {
		if time.Now().After(deadline) {
			t.Fatal("streamed audio never reached the recorder")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	final := readUntil(ctx, t, conn, func(v streamView) bool {
		return v.State == "idle" && v.Result != nil
	})
	if final.Result.Outcome != "matched" {
		t.Errorf("outcome = %q, want matched", final.Result.Outcome)
	}
	if final.Result.Ref != "1:1" {
		t.Errorf("ref = %q, want 1:1", final.Result.Ref)
	}
}

func TestStream_AudioOutsideRecordingIsDropped(t *testing.T) {
	t.Parallel()
	h, ctrl := newTestServer(t, &transcribemock.Provider{})

	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/v1/session/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readUntil(ctx, t, conn, func(v streamView) bool { return v.State == "idle" })

	// No recording is active; the frame must not kill the connection.
	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 640)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	if err := ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := readUntil(ctx, t, conn, func(v streamView) bool { return v.State == "recording" })
	if v.State != "recording" {
		t.Fatalf("state = %q, want recording", v.State)
	}
}

func TestStream_RejectsNonWebSocket(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(t, &transcribemock.Provider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/session/stream", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("plain GET accepted with status %d", rec.Code)
	}
}
