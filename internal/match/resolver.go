// Package match resolves final transcribed text to the single
// closest-matching verse of the corpus.
//
// The resolver is deliberately thin: normalization and fuzzy search live
// in package quran; this layer adds the short-circuit rules that keep
// junk input away from the index and collapses every failure mode into a
// terminal outcome the session layer can report directly.
package match

import (
	"errors"
	"log/slog"

	"github.com/tahfizlab/rattil/internal/quran"
)

// Outcome classifies a resolution for reporting and metrics. NotReady
// and Empty are presented to the reciter identically to NotFound; the
// distinction exists for diagnostics only.
type Outcome string

const (
	// OutcomeMatched means a verse cleared the similarity threshold.
	OutcomeMatched Outcome = "matched"

	// OutcomeNotFound means no verse cleared the threshold.
	OutcomeNotFound Outcome = "not_found"

	// OutcomeNotReady means the corpus index has not been loaded yet.
	OutcomeNotReady Outcome = "not_ready"

	// OutcomeEmpty means the input normalized to the empty string and the
	// index was never queried.
	OutcomeEmpty Outcome = "empty"
)

// Result is the transient outcome of one resolution. Verse and Score are
// only meaningful when Outcome is [OutcomeMatched].
type Result struct {
	Outcome Outcome
	Verse   quran.Verse
	Score   float64
}

// Matched reports whether the resolution produced a verse.
func (r Result) Matched() bool { return r.Outcome == OutcomeMatched }

// Resolver turns final transcribed text into a verse match.
type Resolver struct {
	index *quran.Index
}

// NewResolver creates a resolver over the given index.
func NewResolver(index *quran.Index) *Resolver {
	return &Resolver{index: index}
}

// Resolve normalizes finalText and queries the corpus index for the best
// candidate above the similarity threshold. Empty input (after
// normalization) and an unbuilt index short-circuit without a query, so
// spurious low-confidence hits against degenerate input are impossible.
// Resolve never returns an error; every failure mode maps to a terminal
// outcome.
func (r *Resolver) Resolve(finalText string) Result {
	normalized := quran.Normalize(finalText)
	if normalized == "" {
		return Result{Outcome: OutcomeEmpty}
	}
	if !r.index.Ready() {
		slog.Warn("match attempted before corpus index load; reporting no match")
		return Result{Outcome: OutcomeNotReady}
	}

	m, err := r.index.Query(normalized)
	switch {
	case errors.Is(err, quran.ErrNotReady):
		return Result{Outcome: OutcomeNotReady}
	case errors.Is(err, quran.ErrNoMatch):
		return Result{Outcome: OutcomeNotFound}
	case err != nil:
		// Query has no other failure modes today; treat unknown errors as
		// a no-match so the session still terminates cleanly.
		slog.Error("unexpected index query error", "err", err)
		return Result{Outcome: OutcomeNotFound}
	}

	return Result{Outcome: OutcomeMatched, Verse: m.Verse, Score: m.Score}
}
