package quran_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tahfizlab/rattil/internal/quran"
)

// stubSource serves a fixed verse list and counts Fetch calls.
type stubSource struct {
	mu      sync.Mutex
	verses  []quran.Verse
	err     error
	fetches int
}

func (s *stubSource) Fetch(_ context.Context) ([]quran.Verse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.verses, nil
}

func (s *stubSource) Edition() string { return "quran-simple" }

func (s *stubSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// stubCache is an in-memory quran.Cache with injectable failures.
type stubCache struct {
	mu      sync.Mutex
	verses  map[string][]quran.Verse
	loadErr error
	saves   int
}

func newStubCache() *stubCache {
	return &stubCache{verses: map[string][]quran.Verse{}}
}

func (c *stubCache) Load(_ context.Context, edition string) ([]quran.Verse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	return c.verses[edition], nil
}

func (c *stubCache) Save(_ context.Context, edition string, verses []quran.Verse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.verses[edition] = verses
	return nil
}

func verse(surah, ayah int, text string) quran.Verse {
	return quran.Verse{
		Surah:         surah,
		SurahName:     "test",
		NumberInSurah: ayah,
		Text:          text,
		Normalized:    quran.Normalize(text),
	}
}

func sampleVerses() []quran.Verse {
	return []quran.Verse{
		verse(1, 1, "بِسْمِ اللَّهِ الرَّحْمَٰنِ الرَّحِيمِ"),
		verse(1, 2, "الْحَمْدُ لِلَّهِ رَبِّ الْعَالَمِينَ"),
		verse(1, 3, "الرَّحْمَٰنِ الرَّحِيمِ"),
		verse(1, 4, "مَالِكِ يَوْمِ الدِّينِ"),
		verse(112, 1, "قُلْ هُوَ اللَّهُ أَحَدٌ"),
	}
}

func loadedIndex(t *testing.T, opts ...quran.IndexOption) *quran.Index {
	t.Helper()
	ix := quran.NewIndex(&stubSource{verses: sampleVerses()}, opts...)
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return ix
}

func TestIndex_QueryBeforeLoad(t *testing.T) {
	t.Parallel()

	ix := quran.NewIndex(&stubSource{verses: sampleVerses()})
	if ix.Ready() {
		t.Fatal("Ready() = true before Load")
	}
	_, err := ix.Query("بسم الله")
	if !errors.Is(err, quran.ErrNotReady) {
		t.Fatalf("Query error = %v, want ErrNotReady", err)
	}
}

func TestIndex_ExactMatch(t *testing.T) {
	t.Parallel()

	ix := loadedIndex(t)
	if got, want := ix.Len(), len(sampleVerses()); got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}

	m, err := ix.Query(quran.Normalize("بِسْمِ اللَّهِ الرَّحْمَٰنِ الرَّحِيمِ"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if m.Verse.Ref() != "1:1" {
		t.Errorf("matched %s, want 1:1", m.Verse.Ref())
	}
	if m.Score != 1.0 {
		t.Errorf("score = %v, want 1.0", m.Score)
	}
}

func TestIndex_FuzzyMatch(t *testing.T) {
	t.Parallel()

	ix := loadedIndex(t)

	// One word dropped; the verse must still clear the default threshold.
	m, err := ix.Query("الحمد لله رب العلمين")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if m.Verse.Ref() != "1:2" {
		t.Errorf("matched %s, want 1:2", m.Verse.Ref())
	}
	if m.Score >= 1.0 || m.Score < 0.8 {
		t.Errorf("score = %v, want in [0.8, 1.0)", m.Score)
	}
}

func TestIndex_NoMatch(t *testing.T) {
	t.Parallel()

	ix := loadedIndex(t)
	_, err := ix.Query("the quick brown fox jumps over the lazy dog")
	if !errors.Is(err, quran.ErrNoMatch) {
		t.Fatalf("Query error = %v, want ErrNoMatch", err)
	}
}

func TestIndex_EmptyQuery(t *testing.T) {
	t.Parallel()

	ix := loadedIndex(t)
	_, err := ix.Query("")
	if !errors.Is(err, quran.ErrNoMatch) {
		t.Fatalf("Query error = %v, want ErrNoMatch", err)
	}
}

func TestIndex_ThresholdBoundaryAccepted(t *testing.T) {
	t.Parallel()

	// An exact match scores exactly 1.0; with threshold 1.0 the at-boundary
	// candidate must be accepted.
	ix := loadedIndex(t, quran.WithThreshold(1.0))
	m, err := ix.Query("قل هو الله احد")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if m.Verse.Ref() != "112:1" {
		t.Errorf("matched %s, want 112:1", m.Verse.Ref())
	}

	// The same near-miss that passes the default threshold is rejected
	// strictly below the boundary.
	if _, err := ix.Query("قل هو الله"); !errors.Is(err, quran.ErrNoMatch) {
		t.Fatalf("below-boundary error = %v, want ErrNoMatch", err)
	}
}

func TestIndex_TieBreaksByCanonicalOrder(t *testing.T) {
	t.Parallel()

	// Two verses with identical normalized text; the earlier one wins.
	text := "الرَّحْمَٰنِ الرَّحِيمِ"
	src := &stubSource{verses: []quran.Verse{
		verse(1, 3, text),
		verse(55, 1, text),
	}}
	ix := quran.NewIndex(src)
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	m, err := ix.Query(quran.Normalize(text))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if m.Verse.Ref() != "1:3" {
		t.Errorf("matched %s, want the canonically earlier 1:3", m.Verse.Ref())
	}
}

func TestIndex_Determinism(t *testing.T) {
	t.Parallel()

	ix := loadedIndex(t)
	query := "مالك يوم الدين"

	first, err := ix.Query(query)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for range 10 {
		m, err := ix.Query(query)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if m.Verse.Ref() != first.Verse.Ref() || m.Score != first.Score {
			t.Fatalf("repeat query diverged: %s/%v vs %s/%v",
				m.Verse.Ref(), m.Score, first.Verse.Ref(), first.Score)
		}
	}
}

func TestIndex_LoadIsIdempotent(t *testing.T) {
	t.Parallel()

	src := &stubSource{verses: sampleVerses()}
	ix := quran.NewIndex(src)
	for range 3 {
		if err := ix.Load(context.Background()); err != nil {
			t.Fatalf("Load: %v", err)
		}
	}
	if got := src.fetchCount(); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

func TestIndex_LoadRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	src := &stubSource{verses: sampleVerses(), err: errors.New("corpus source down")}
	ix := quran.NewIndex(src)

	if err := ix.Load(context.Background()); err == nil {
		t.Fatal("Load succeeded with failing source")
	}
	if ix.Ready() {
		t.Fatal("index built despite failed load")
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("retry Load: %v", err)
	}
	if !ix.Ready() {
		t.Fatal("index not ready after successful retry")
	}
}

func TestIndex_CacheFirst(t *testing.T) {
	t.Parallel()

	cache := newStubCache()
	cache.verses["quran-simple"] = sampleVerses()
	src := &stubSource{err: errors.New("remote must not be called")}

	ix := quran.NewIndex(src, quran.WithCache(cache))
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := src.fetchCount(); got != 0 {
		t.Errorf("fetch count = %d, want 0 when cache is warm", got)
	}
}

func TestIndex_CacheWriteThrough(t *testing.T) {
	t.Parallel()

	cache := newStubCache()
	src := &stubSource{verses: sampleVerses()}

	ix := quran.NewIndex(src, quran.WithCache(cache))
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.saves != 1 {
		t.Errorf("cache saves = %d, want 1", cache.saves)
	}
	if len(cache.verses["quran-simple"]) != len(sampleVerses()) {
		t.Error("fetched verses not written through to cache")
	}
}

func TestIndex_CacheErrorFallsBackToFetch(t *testing.T) {
	t.Parallel()

	cache := newStubCache()
	cache.loadErr = errors.New("connection refused")
	src := &stubSource{verses: sampleVerses()}

	ix := quran.NewIndex(src, quran.WithCache(cache))
	if err := ix.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := src.fetchCount(); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

func TestIndex_ConcurrentLoad(t *testing.T) {
	t.Parallel()

	src := &stubSource{verses: sampleVerses()}
	ix := quran.NewIndex(src)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ix.Load(context.Background()); err != nil {
				t.Errorf("Load: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := src.fetchCount(); got != 1 {
		t.Errorf("fetch count = %d, want 1 across concurrent loads", got)
	}
}
