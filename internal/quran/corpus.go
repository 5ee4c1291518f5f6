package quran

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// defaultBaseURL is the REST corpus source. The full text of every
	// surah is served as one JSON document per edition.
	defaultBaseURL = "https://api.alquran.cloud/v1"

	// defaultEdition is the plain-text edition without embedded pause
	// marks, which keeps the normalized corpus closest to what a
	// transcriber emits.
	defaultEdition = "quran-simple"
)

// Verse is one ayah of the corpus. Verses are created once at index build
// time and are read-only afterwards.
type Verse struct {
	// Surah is the 1-based surah number in canonical order.
	Surah int

	// SurahName is the Arabic surah name as served by the corpus source.
	SurahName string

	// SurahNameEn is the transliterated surah name (e.g. "Al-Faatiha"),
	// carried for display alongside the Arabic.
	SurahNameEn string

	// NumberInSurah is the 1-based ayah ordinal within the surah.
	NumberInSurah int

	// Text is the canonical Arabic text of the ayah.
	Text string

	// Normalized is Text passed through [Normalize]. Matching runs on
	// this field only.
	Normalized string
}

// Ref returns the conventional surah:ayah reference (e.g. "1:1").
func (v Verse) Ref() string {
	return fmt.Sprintf("%d:%d", v.Surah, v.NumberInSurah)
}

// ClientOption is a functional option for configuring a [Client].
type ClientOption func(*Client)

// WithBaseURL overrides the corpus API base URL. Useful for mirrors and
// for tests backed by httptest servers.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

// WithEdition selects the corpus text edition (e.g. "quran-simple",
// "quran-uthmani"). Defaults to "quran-simple".
func WithEdition(edition string) ClientOption {
	return func(c *Client) {
		if edition != "" {
			c.edition = edition
		}
	}
}

// WithHTTPClient replaces the HTTP client used for the corpus fetch.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// Client fetches the full Qur'an text from the remote corpus source.
// It performs exactly one GET per Fetch call; callers (the [Index]) are
// responsible for caching.
type Client struct {
	baseURL    string
	edition    string
	httpClient *http.Client
}

// NewClient creates a corpus client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		edition:    defaultEdition,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Edition returns the configured corpus edition identifier.
func (c *Client) Edition() string { return c.edition }

// corpusResponse mirrors the corpus API envelope: surahs in canonical
// order, each carrying its ayahs in order.
type corpusResponse struct {
	Code int    `json:"code"`
	Data struct {
		Surahs []struct {
			Number      int    `json:"number"`
			Name        string `json:"name"`
			EnglishName string `json:"englishName"`
			Ayahs       []struct {
				NumberInSurah int    `json:"numberInSurah"`
				Text          string `json:"text"`
			} `json:"ayahs"`
		} `json:"surahs"`
	} `json:"data"`
}

// Fetch downloads the full corpus and flattens it into one ordered verse
// sequence (surah order, then ayah order within surah), computing the
// normalized form of every verse.
func (c *Client) Fetch(ctx context.Context) ([]Verse, error) {
	endpoint := fmt.Sprintf("%s/quran/%s", c.baseURL, c.edition)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("quran: create corpus request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quran: fetch corpus: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quran: corpus source returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("quran: read corpus body: %w", err)
	}

	var cr corpusResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("quran: parse corpus JSON: %w", err)
	}
	if len(cr.Data.Surahs) == 0 {
		return nil, errors.New("quran: corpus response contains no surahs")
	}

	var verses []Verse
	for _, s := range cr.Data.Surahs {
		for _, a := range s.Ayahs {
			verses = append(verses, Verse{
				Surah:         s.Number,
				SurahName:     s.Name,
				SurahNameEn:   s.EnglishName,
				NumberInSurah: a.NumberInSurah,
				Text:          a.Text,
				Normalized:    Normalize(a.Text),
			})
		}
	}
	return verses, nil
}
