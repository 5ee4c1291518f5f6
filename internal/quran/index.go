package quran

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultThreshold is the minimum Jaro-Winkler similarity a candidate
	// must reach to be reported as a match. Recited classical Arabic
	// transcribed by general-purpose STT loses diacritics and merges
	// words, so the gate sits well below exact-match territory.
	defaultThreshold = 0.80

	// defaultMaxCandidates bounds how many trigram-prefiltered verses are
	// fully scored per query.
	defaultMaxCandidates = 256
)

var (
	// ErrNotReady is returned by Query before a successful Load. Callers
	// treat it like a no-match for end users but keep the distinction for
	// diagnostics and retry logic.
	ErrNotReady = errors.New("quran: corpus index not loaded")

	// ErrNoMatch is the expected outcome when no verse clears the
	// similarity threshold. It is not a failure.
	ErrNoMatch = errors.New("quran: no verse above similarity threshold")
)

// Match is the result of a successful index query: the best-scoring verse
// and its similarity score in [0, 1].
type Match struct {
	Verse Verse
	Score float64
}

// Source supplies the full verse sequence, typically a [Client].
type Source interface {
	Fetch(ctx context.Context) ([]Verse, error)
	Edition() string
}

// Cache optionally persists fetched editions so that reloads survive
// corpus-source outages. Implemented by the Postgres store.
type Cache interface {
	Load(ctx context.Context, edition string) ([]Verse, error)
	Save(ctx context.Context, edition string, verses []Verse) error
}

// IndexOption is a functional option for configuring an [Index].
type IndexOption func(*Index)

// WithThreshold sets the acceptance threshold. A candidate scoring exactly
// at the threshold is accepted; strictly below is rejected. Default: 0.80.
func WithThreshold(t float64) IndexOption {
	return func(ix *Index) {
		if t > 0 && t <= 1 {
			ix.threshold = t
		}
	}
}

// WithMaxCandidates caps the number of prefiltered candidates that are
// fully scored per query. Default: 256.
func WithMaxCandidates(n int) IndexOption {
	return func(ix *Index) {
		if n > 0 {
			ix.maxCandidates = n
		}
	}
}

// WithCache attaches an edition cache consulted before the remote fetch
// and written through after a successful fetch.
func WithCache(c Cache) IndexOption {
	return func(ix *Index) {
		ix.cache = c
	}
}

// Index owns the ordered verse sequence and a trigram posting structure
// over the normalized text. It is built at most once per successful Load
// and is read-only afterwards, so queries need no locking beyond the
// build-completion check.
type Index struct {
	source        Source
	cache         Cache
	threshold     float64
	maxCandidates int

	group singleflight.Group

	mu       sync.RWMutex
	verses   []Verse
	trigrams map[string][]int32
}

// NewIndex creates an index over the given source. The index is unbuilt
// until Load succeeds.
func NewIndex(source Source, opts ...IndexOption) *Index {
	ix := &Index{
		source:        source,
		threshold:     defaultThreshold,
		maxCandidates: defaultMaxCandidates,
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Ready reports whether the index has been built.
func (ix *Index) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.verses) > 0
}

// Len returns the number of indexed verses (0 when unbuilt).
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.verses)
}

// Threshold returns the configured acceptance threshold.
func (ix *Index) Threshold() float64 { return ix.threshold }

// Load fetches and indexes the corpus. It is idempotent: once built,
// subsequent calls return immediately. Concurrent callers share a single
// in-flight fetch via singleflight; on failure the index stays unbuilt
// and the next Load retries the fetch.
func (ix *Index) Load(ctx context.Context) error {
	if ix.Ready() {
		return nil
	}
	_, err, _ := ix.group.Do("load", func() (any, error) {
		if ix.Ready() {
			return nil, nil
		}
		verses, err := ix.loadVerses(ctx)
		if err != nil {
			return nil, err
		}
		ix.build(verses)
		return nil, nil
	})
	return err
}

// loadVerses tries the cache first, falls back to the remote source, and
// writes through to the cache on a successful fetch.
func (ix *Index) loadVerses(ctx context.Context) ([]Verse, error) {
	edition := ix.source.Edition()

	if ix.cache != nil {
		cached, err := ix.cache.Load(ctx, edition)
		if err != nil {
			slog.Warn("corpus cache read failed, falling back to remote fetch",
				"edition", edition, "err", err)
		} else if len(cached) > 0 {
			slog.Info("corpus loaded from cache", "edition", edition, "verses", len(cached))
			return cached, nil
		}
	}

	start := time.Now()
	verses, err := ix.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("quran: load corpus: %w", err)
	}
	slog.Info("corpus fetched",
		"edition", edition,
		"verses", len(verses),
		"took", time.Since(start),
	)

	if ix.cache != nil {
		if err := ix.cache.Save(ctx, edition, verses); err != nil {
			slog.Warn("corpus cache write failed", "edition", edition, "err", err)
		}
	}
	return verses, nil
}

// build constructs the trigram posting lists and publishes the verse
// sequence. Posting lists hold verse positions in canonical order.
func (ix *Index) build(verses []Verse) {
	trigrams := make(map[string][]int32, len(verses)*8)
	for i, v := range verses {
		seen := make(map[string]struct{})
		for _, g := range trigramsOf(v.Normalized) {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
			trigrams[g] = append(trigrams[g], int32(i))
		}
	}

	ix.mu.Lock()
	ix.verses = verses
	ix.trigrams = trigrams
	ix.mu.Unlock()
}

// Query finds the single best verse for the given normalized text.
// Returns [ErrNotReady] before a successful Load and [ErrNoMatch] when no
// candidate clears the threshold. Among candidates clearing the
// threshold, the best score wins; ties break by canonical corpus order.
func (ix *Index) Query(normalized string) (Match, error) {
	ix.mu.RLock()
	verses, trigrams := ix.verses, ix.trigrams
	ix.mu.RUnlock()

	if len(verses) == 0 {
		return Match{}, ErrNotReady
	}
	if normalized == "" {
		return Match{}, ErrNoMatch
	}

	best := Match{Score: -1}
	for _, i := range ix.candidates(normalized, verses, trigrams) {
		v := verses[i]
		// longTolerance adjusts Jaro-Winkler for long strings; full ayat
		// routinely run past a hundred runes.
		score := matchr.JaroWinkler(normalized, v.Normalized, true)
		// Strict > over candidates in canonical order keeps the earliest
		// verse on equal scores.
		if score > best.Score {
			best = Match{Verse: v, Score: score}
		}
	}

	if best.Score < ix.threshold {
		return Match{}, ErrNoMatch
	}
	return best, nil
}

// candidates returns the verse positions to score, in canonical order.
// Verses are ranked by shared-trigram count and capped at maxCandidates;
// when the query is too short to produce trigrams every verse is scored.
func (ix *Index) candidates(normalized string, verses []Verse, trigrams map[string][]int32) []int32 {
	grams := trigramsOf(normalized)
	if len(grams) == 0 {
		all := make([]int32, len(verses))
		for i := range all {
			all[i] = int32(i)
		}
		return all
	}

	counts := make(map[int32]int)
	seen := make(map[string]struct{}, len(grams))
	for _, g := range grams {
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		for _, id := range trigrams[g] {
			counts[id]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	ids := make([]int32, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if counts[ids[a]] != counts[ids[b]] {
			return counts[ids[a]] > counts[ids[b]]
		}
		return ids[a] < ids[b]
	})
	if len(ids) > ix.maxCandidates {
		ids = ids[:ix.maxCandidates]
	}

	// Canonical order for deterministic tie-breaking.
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// trigramsOf returns the sliding rune trigrams of s, spaces included so
// that word boundaries contribute to candidate selection.
func trigramsOf(s string) []string {
	r := []rune(s)
	if len(r) < 3 {
		return nil
	}
	grams := make([]string, 0, len(r)-2)
	for i := 0; i+3 <= len(r); i++ {
		grams = append(grams, string(r[i:i+3]))
	}
	return grams
}
