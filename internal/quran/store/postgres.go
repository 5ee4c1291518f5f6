// Package store provides a PostgreSQL-backed corpus edition cache.
//
// The cache keeps a full copy of every fetched corpus edition so that
// index reloads survive corpus-source outages and cold starts avoid the
// remote round-trip. It implements [quran.Cache] over a single
// [pgxpool.Pool]; [NewStore] installs the required table via
// CREATE TABLE IF NOT EXISTS.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tahfizlab/rattil/internal/quran"
)

// Compile-time interface check.
var _ quran.Cache = (*Store)(nil)

const ddlCorpusVerses = `
CREATE TABLE IF NOT EXISTS corpus_verses (
    edition          TEXT    NOT NULL,
    surah            INTEGER NOT NULL,
    surah_name       TEXT    NOT NULL,
    surah_name_en    TEXT    NOT NULL,
    number_in_surah  INTEGER NOT NULL,
    text             TEXT    NOT NULL,
    normalized       TEXT    NOT NULL,
    PRIMARY KEY (edition, surah, number_in_surah)
)`

// Store is a corpus edition cache backed by PostgreSQL. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the corpus table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("corpus store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("corpus store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlCorpusVerses); err != nil {
		pool.Close()
		return nil, fmt.Errorf("corpus store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database connection; used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load returns the cached verse sequence for edition in canonical order,
// or an empty slice when the edition has not been cached yet.
func (s *Store) Load(ctx context.Context, edition string) ([]quran.Verse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT surah, surah_name, surah_name_en, number_in_surah, text, normalized
		FROM corpus_verses
		WHERE edition = $1
		ORDER BY surah, number_in_surah`, edition)
	if err != nil {
		return nil, fmt.Errorf("corpus store: query edition %q: %w", edition, err)
	}
	defer rows.Close()

	var verses []quran.Verse
	for rows.Next() {
		var v quran.Verse
		if err := rows.Scan(&v.Surah, &v.SurahName, &v.SurahNameEn, &v.NumberInSurah, &v.Text, &v.Normalized); err != nil {
			return nil, fmt.Errorf("corpus store: scan verse: %w", err)
		}
		verses = append(verses, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("corpus store: iterate edition %q: %w", edition, err)
	}
	return verses, nil
}

// Save replaces the cached copy of edition with verses in one
// transaction, so concurrent Loads never observe a partial edition.
func (s *Store) Save(ctx context.Context, edition string, verses []quran.Verse) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("corpus store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM corpus_verses WHERE edition = $1`, edition); err != nil {
		return fmt.Errorf("corpus store: clear edition %q: %w", edition, err)
	}

	rows := make([][]any, 0, len(verses))
	for _, v := range verses {
		rows = append(rows, []any{edition, v.Surah, v.SurahName, v.SurahNameEn, v.NumberInSurah, v.Text, v.Normalized})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"corpus_verses"},
		[]string{"edition", "surah", "surah_name", "surah_name_en", "number_in_surah", "text", "normalized"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("corpus store: copy edition %q: %w", edition, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("corpus store: commit edition %q: %w", edition, err)
	}
	return nil
}
