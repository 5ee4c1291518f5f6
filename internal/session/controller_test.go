package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tahfizlab/rattil/internal/match"
	"github.com/tahfizlab/rattil/internal/quran"
	"github.com/tahfizlab/rattil/internal/session"
	"github.com/tahfizlab/rattil/pkg/provider/live"
	livemock "github.com/tahfizlab/rattil/pkg/provider/live/mock"
	transcribemock "github.com/tahfizlab/rattil/pkg/provider/transcribe/mock"
)

// fakeSource serves a fixed verse list for index tests.
type fakeSource struct {
	verses []quran.Verse
}

func (f fakeSource) Fetch(_ context.Context) ([]quran.Verse, error) { return f.verses, nil }
func (f fakeSource) Edition() string                                { return "quran-simple" }

// fatihaVerses returns the opening chapter with normalization applied,
// matching what the corpus client produces.
func fatihaVerses() []quran.Verse {
	texts := []string{
		"بِسْمِ اللَّهِ الرَّحْمَٰنِ الرَّحِيمِ",
		"الْحَمْدُ لِلَّهِ رَبِّ الْعَالَمِينَ",
		"الرَّحْمَٰنِ الرَّحِيمِ",
		"مَالِكِ يَوْمِ الدِّينِ",
		"إِيَّاكَ نَعْبُدُ وَإِيَّاكَ نَسْتَعِينُ",
		"اهْدِنَا الصِّرَاطَ الْمُسْتَقِيمَ",
		"صِرَاطَ الَّذِينَ أَنْعَمْتَ عَلَيْهِمْ غَيْرِ الْمَغْضُوبِ عَلَيْهِمْ وَلَا الضَّالِّينَ",
	}
	verses := make([]quran.Verse, 0, len(texts))
	for i, txt := range texts {
		verses = append(verses, quran.Verse{
			Surah:         1,
			SurahName:     "الفاتحة",
			NumberInSurah: i + 1,
			Text:          txt,
			Normalized:    quran.Normalize(txt),
		})
	}
	return verses
}

// newTestResolver builds a loaded resolver over Al-Fatiha.
func newTestResolver(t *testing.T) *match.Resolver {
	t.Helper()
	ix := quran.NewIndex(fakeSource{verses: fatihaVerses()})
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return match.NewResolver(ix)
}

// pcmChunk returns n bytes of silence-ish PCM so the recorder holds a
// non-empty clip.
func pcmChunk(n int) []byte {
	return make([]byte, n)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestController_FullLifecycle(t *testing.T) {
	t.Parallel()

	sess := &livemock.Session{PartialsCh: make(chan live.Transcript, 4)}
	liveProv := &livemock.Provider{Session: sess}
	tr := &transcribemock.Provider{Text: "بسم الله الرحمن الرحيم"}

	c, err := session.NewController(session.Config{
		Live:        liveProv,
		LiveName:    "mock-live",
		Transcriber: tr,
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if got := c.Snapshot().State; got != session.StateIdle {
		t.Fatalf("initial state = %q, want %q", got, session.StateIdle)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.Snapshot().State; got != session.StateRecording {
		t.Fatalf("state after Start = %q, want %q", got, session.StateRecording)
	}

	// Each interim revision fully replaces the previous one.
	sess.PartialsCh <- live.Transcript{Text: "بسم"}
	waitFor(t, func() bool { return c.Snapshot().Interim == "بسم" })
	sess.PartialsCh <- live.Transcript{Text: "بسم الله"}
	waitFor(t, func() bool { return c.Snapshot().Interim == "بسم الله" })

	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Matched() {
		t.Fatalf("outcome = %q, want matched", res.Outcome)
	}
	if res.Verse.Surah != 1 || res.Verse.NumberInSurah != 1 {
		t.Errorf("matched verse = %s, want 1:1", res.Verse.Ref())
	}
	if tr.CallCount() != 1 {
		t.Errorf("transcriber calls = %d, want 1", tr.CallCount())
	}

	snap := c.Snapshot()
	if snap.State != session.StateIdle {
		t.Errorf("state after Stop = %q, want %q", snap.State, session.StateIdle)
	}
	if snap.Interim != "" {
		t.Errorf("interim after Stop = %q, want empty", snap.Interim)
	}
	if snap.Result == nil || !snap.Result.Matched() {
		t.Error("snapshot result missing or not matched")
	}
}

func TestController_StartWhileActive(t *testing.T) {
	t.Parallel()

	c, err := session.NewController(session.Config{
		Transcriber: &transcribemock.Provider{},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, session.ErrSessionActive) {
		t.Errorf("second Start error = %v, want ErrSessionActive", err)
	}
}

func TestController_LiveStartFailure_StaysIdle(t *testing.T) {
	t.Parallel()

	liveProv := &livemock.Provider{StartStreamErr: errors.New("backend unavailable")}
	c, err := session.NewController(session.Config{
		Live:        liveProv,
		Transcriber: &transcribemock.Provider{},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite live stream failure")
	}
	if got := c.Snapshot().State; got != session.StateIdle {
		t.Errorf("state = %q, want %q", got, session.StateIdle)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Stop error = %v, want ErrNoSession", err)
	}
}

func TestController_NoLiveProvider_CaptureOnly(t *testing.T) {
	t.Parallel()

	tr := &transcribemock.Provider{Text: "الحمد لله رب العالمين"}
	c, err := session.NewController(session.Config{
		Transcriber: tr,
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Matched() {
		t.Fatalf("outcome = %q, want matched", res.Outcome)
	}
	if res.Verse.NumberInSurah != 2 {
		t.Errorf("matched verse = %s, want 1:2", res.Verse.Ref())
	}
}

func TestController_TranscribeFailure_ResolvesNotFound(t *testing.T) {
	t.Parallel()

	tr := &transcribemock.Provider{Err: errors.New("upstream 503")}
	c, err := session.NewController(session.Config{
		Transcriber: tr,
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Outcome != match.OutcomeNotFound {
		t.Errorf("outcome = %q, want %q", res.Outcome, match.OutcomeNotFound)
	}
	if got := c.Snapshot().State; got != session.StateIdle {
		t.Errorf("state = %q, want %q", got, session.StateIdle)
	}
}

func TestController_EmptyClip_ResolvesEmpty(t *testing.T) {
	t.Parallel()

	tr := &transcribemock.Provider{Text: "should never be used"}
	c, err := session.NewController(session.Config{
		Transcriber: tr,
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Outcome != match.OutcomeEmpty {
		t.Errorf("outcome = %q, want %q", res.Outcome, match.OutcomeEmpty)
	}
	if tr.CallCount() != 0 {
		t.Errorf("transcriber calls = %d, want 0 for an empty clip", tr.CallCount())
	}
}

func TestController_LiveStreamOutlivesStartContext(t *testing.T) {
	t.Parallel()

	sess := &livemock.Session{PartialsCh: make(chan live.Transcript, 4)}
	liveProv := &livemock.Provider{Session: sess}
	c, err := session.NewController(session.Config{
		Live:        liveProv,
		Transcriber: &transcribemock.Provider{Text: "بسم الله الرحمن الرحيم"},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	startCtx, cancelStart := context.WithCancel(context.Background())
	if err := c.Start(startCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The caller's context ends as soon as Start returns, the way an HTTP
	// request context does. The stream the provider received must not die
	// with it.
	cancelStart()

	if len(liveProv.StartStreamCalls) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(liveProv.StartStreamCalls))
	}
	streamCtx := liveProv.StartStreamCalls[0].Ctx
	if err := streamCtx.Err(); err != nil {
		t.Fatalf("stream context cancelled while recording: %v", err)
	}

	// Interim events still flow after the start context is gone.
	sess.PartialsCh <- live.Transcript{Text: "بسم"}
	waitFor(t, func() bool { return c.Snapshot().Interim == "بسم" })

	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Stop releases the stream context so provider goroutines can exit.
	waitFor(t, func() bool { return streamCtx.Err() != nil })
}

// lingeringSession keeps its Partials channel open across Close, so a
// test can deliver an in-flight interim event after the session stopped.
type lingeringSession struct {
	partials chan live.Transcript
}

func (s *lingeringSession) SendAudio([]byte) error { return nil }

func (s *lingeringSession) Partials() <-chan live.Transcript { return s.partials }

func (s *lingeringSession) Close() error { return nil }

func TestController_LateInterimAfterStopDiscarded(t *testing.T) {
	t.Parallel()

	sess := &lingeringSession{partials: make(chan live.Transcript, 4)}
	c, err := session.NewController(session.Config{
		Live:        &livemock.Provider{Session: sess},
		Transcriber: &transcribemock.Provider{Text: "بسم الله الرحمن الرحيم"},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.partials <- live.Transcript{Text: "بسم"}
	waitFor(t, func() bool { return c.Snapshot().Interim == "بسم" })

	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Matched() {
		t.Fatalf("outcome = %q, want matched", res.Outcome)
	}

	// An interim revision that was already in flight when Stop ran must
	// not resurface in the snapshot or disturb the terminal result.
	sess.partials <- live.Transcript{Text: "هذا نص متأخر"}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.Interim != "" {
			t.Fatalf("stale interim surfaced: %q", snap.Interim)
		}
		if snap.Result == nil || !snap.Result.Matched() {
			t.Fatal("terminal result disturbed by stale interim")
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(sess.partials)
}

func TestController_AppendForwardsToLive(t *testing.T) {
	t.Parallel()

	sess := &livemock.Session{PartialsCh: make(chan live.Transcript, 1)}
	c, err := session.NewController(session.Config{
		Live:        &livemock.Provider{Session: sess},
		Transcriber: &transcribemock.Provider{},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	chunk := pcmChunk(640)
	if err := c.Append(chunk); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := len(sess.SendAudioCalls); got != 1 {
		t.Fatalf("live SendAudio calls = %d, want 1", got)
	}
	if got := len(sess.SendAudioCalls[0].Chunk); got != len(chunk) {
		t.Errorf("forwarded chunk size = %d, want %d", got, len(chunk))
	}

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sess.CloseCalls != 1 {
		t.Errorf("live Close calls = %d, want 1", sess.CloseCalls)
	}
}

func TestController_AppendOutsideRecording(t *testing.T) {
	t.Parallel()

	c, err := session.NewController(session.Config{
		Transcriber: &transcribemock.Provider{},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := c.Append(pcmChunk(640)); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("Append error = %v, want ErrNoSession", err)
	}
}

func TestController_Reset(t *testing.T) {
	t.Parallel()

	tr := &transcribemock.Provider{Text: "مالك يوم الدين"}
	c, err := session.NewController(session.Config{
		Transcriber: tr,
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Reset is rejected while a session is in flight.
	if err := c.Reset(); !errors.Is(err, session.ErrNotIdle) {
		t.Errorf("Reset during recording = %v, want ErrNotIdle", err)
	}

	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.Snapshot().Result == nil {
		t.Fatal("result missing after Stop")
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	snap := c.Snapshot()
	if snap.Result != nil {
		t.Error("result not cleared by Reset")
	}
	if snap.Interim != "" {
		t.Error("interim not cleared by Reset")
	}
}

func TestController_Subscribe(t *testing.T) {
	t.Parallel()

	c, err := session.NewController(session.Config{
		Transcriber: &transcribemock.Provider{Text: "اهدنا الصراط المستقيم"},
		Resolver:    newTestResolver(t),
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	ch, cancel := c.Subscribe()
	defer cancel()

	// The subscription starts with the current snapshot.
	select {
	case snap := <-ch:
		if snap.State != session.StateIdle {
			t.Errorf("initial snapshot state = %q, want %q", snap.State, session.StateIdle)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.State != session.StateRecording {
			t.Errorf("snapshot state = %q, want %q", snap.State, session.StateRecording)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after Start")
	}

	if err := c.Append(pcmChunk(3200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Intermediate snapshots may be superseded; the latest one must show
	// the terminal result.
	waitFor(t, func() bool {
		select {
		case snap := <-ch:
			return snap.State == session.StateIdle && snap.Result != nil
		default:
			return false
		}
	})
}
