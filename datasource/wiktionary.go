// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aqea/aqea-extractor/aqea"
)

const (
	defaultRequestDelay   = 200 * time.Millisecond
	defaultMaxConcurrent  = 5
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 5
	defaultUserAgent      = "aqea-extractor/1.0 (lexical data pipeline)"

	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second

	allPagesLimit = 500
)

// errSkipRecord marks a soft per-record failure: skip, count, continue.
var errSkipRecord = errors.New("skip record")

// Wiktionary extracts entries through the MediaWiki Action API: one
// allpages listing walk over the range, then one revision fetch per
// title. All upstream traffic flows through a shared rate limiter and
// a concurrency cap so parallel workers on one host stay polite.
type Wiktionary struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *slog.Logger
}

// NewWiktionary applies defaults and builds the client.
func NewWiktionary(cfg Config, logger *slog.Logger) *Wiktionary {
	if cfg.RequestDelay <= 0 {
		cfg.RequestDelay = defaultRequestDelay
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Wiktionary{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		logger:  logger,
	}
}

func (w *Wiktionary) Name() string { return "wiktionary" }

func (w *Wiktionary) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func (w *Wiktionary) apiURL(language string) (string, error) {
	if w.cfg.BaseURL != "" {
		return w.cfg.BaseURL, nil
	}
	iso1, ok := aqea.ISO6391(language)
	if !ok {
		return "", fmt.Errorf("no wiktionary endpoint for language %q", language)
	}
	return fmt.Sprintf("https://%s.wiktionary.org/w/api.php", iso1), nil
}

// ExtractRange walks the title listing and fetches each page's
// wikitext. Records stream out as they parse; titles that fail to
// fetch or parse are skipped.
func (w *Wiktionary) ExtractRange(ctx context.Context, language, rangeStart, rangeEnd string) (<-chan aqea.Record, <-chan error) {
	records := make(chan aqea.Record)
	errc := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errc)

		api, err := w.apiURL(language)
		if err != nil {
			errc <- err
			return
		}
		w.logger.Info("starting extraction",
			"source", "wiktionary", "language", language,
			"range_start", rangeStart, "range_end", rangeEnd)

		titles, err := w.pagesInRange(ctx, api, rangeStart, rangeEnd)
		if err != nil {
			errc <- err
			return
		}
		w.logger.Info("range listing complete", "pages", len(titles))

		extracted := 0
		for _, title := range titles {
			rec, err := w.extractTitle(ctx, api, language, title)
			if err != nil {
				if errors.Is(err, errSkipRecord) {
					continue
				}
				if ctx.Err() != nil {
					errc <- ctx.Err()
					return
				}
				w.logger.Warn("failed to extract title", "title", title, "error", err)
				continue
			}
			if rec == nil {
				continue
			}
			select {
			case records <- *rec:
				extracted++
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		w.logger.Info("extraction complete", "pages", len(titles), "records", extracted)
	}()

	return records, errc
}

// apiGet performs one rate-limited API call with retry/backoff on 429
// and 5xx. A persistent 4xx yields errSkipRecord.
func (w *Wiktionary) apiGet(ctx context.Context, api string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			if delay > backoffCap {
				delay = backoffCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		raw, status, err := w.fetch(ctx, api+"?"+params.Encode())
		<-w.sem

		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusOK:
			return raw, nil
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("upstream HTTP %d", status)
		default:
			return nil, fmt.Errorf("%w: upstream HTTP %d", errSkipRecord, status)
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", errSkipRecord, lastErr)
}

func (w *Wiktionary) fetch(ctx context.Context, fullURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", w.cfg.UserAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

type allPagesResponse struct {
	Continue struct {
		APContinue string `json:"apcontinue"`
	} `json:"continue"`
	Query struct {
		AllPages []struct {
			Title string `json:"title"`
		} `json:"allpages"`
	} `json:"query"`
}

func (w *Wiktionary) pagesInRange(ctx context.Context, api, rangeStart, rangeEnd string) ([]string, error) {
	var titles []string
	continueToken := ""
	for {
		params := url.Values{
			"action":      {"query"},
			"format":      {"json"},
			"list":        {"allpages"},
			"apfrom":      {rangeStart},
			"apto":        {RangeEndSucc(rangeEnd)},
			"aplimit":     {fmt.Sprint(allPagesLimit)},
			"apnamespace": {"0"},
		}
		if continueToken != "" {
			params.Set("apcontinue", continueToken)
		}
		raw, err := w.apiGet(ctx, api, params)
		if err != nil {
			if errors.Is(err, errSkipRecord) {
				return nil, fmt.Errorf("page listing failed: %v", err)
			}
			return nil, err
		}
		var resp allPagesResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("decode allpages: %w", err)
		}
		for _, p := range resp.Query.AllPages {
			if isValidEntryTitle(p.Title) && InRange(p.Title, rangeStart, rangeEnd) {
				titles = append(titles, p.Title)
			}
		}
		if resp.Continue.APContinue == "" {
			return titles, nil
		}
		continueToken = resp.Continue.APContinue
	}
}

var (
	badTitleChars = regexp.MustCompile(`[/\[\]{}]`)
	wordTitle     = regexp.MustCompile(`^[\p{L}\p{M}\s\-']+$`)
)

// isValidEntryTitle filters out non-lemma pages: namespaced titles,
// disambiguations, bare numbers and markup-ish titles.
func isValidEntryTitle(title string) bool {
	if title == "" || len(title) > 50 {
		return false
	}
	if strings.Contains(title, ":") || strings.Contains(title, " (") {
		return false
	}
	if badTitleChars.MatchString(title) {
		return false
	}
	return wordTitle.MatchString(title)
}

type revisionsResponse struct {
	Query struct {
		Pages map[string]struct {
			Revisions []struct {
				Slots struct {
					Main struct {
						Content string `json:"*"`
					} `json:"main"`
				} `json:"slots"`
			} `json:"revisions"`
		} `json:"pages"`
	} `json:"query"`
}

func (w *Wiktionary) extractTitle(ctx context.Context, api, language, title string) (*aqea.Record, error) {
	params := url.Values{
		"action":  {"query"},
		"format":  {"json"},
		"titles":  {title},
		"prop":    {"revisions"},
		"rvprop":  {"content"},
		"rvslots": {"main"},
	}
	raw, err := w.apiGet(ctx, api, params)
	if err != nil {
		return nil, err
	}
	var resp revisionsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode revisions: %v", errSkipRecord, err)
	}
	for id, page := range resp.Query.Pages {
		if id == "-1" || len(page.Revisions) == 0 {
			return nil, errSkipRecord
		}
		return parseWikitext(title, page.Revisions[0].Slots.Main.Content, language), nil
	}
	return nil, errSkipRecord
}

// parseWikitext dispatches on the wiki's markup dialect. German
// Wiktionary uses its own template set; everything else goes through
// the generic English-style parser. Returns nil when the page carries
// no usable lexical data.
func parseWikitext(title, wikitext, language string) *aqea.Record {
	rec := aqea.Record{Word: title, Language: language}
	if aqea.NormalizeLanguageCode(language) == "deu" {
		return parseGermanWikitext(rec, wikitext)
	}
	return parseGenericWikitext(rec, wikitext)
}

var (
	germanPOS       = regexp.MustCompile(`\{\{Wortart\|([^|{}]+)`)
	germanIPA       = regexp.MustCompile(`\{\{Lautschrift\|([^}|]+)`)
	germanHyphen    = regexp.MustCompile(`\{\{Worttrennung\}\}\s*\n:([^\n]+)`)
	genericIPA      = regexp.MustCompile(`\{\{IPA\|[^}]*?\|/?([^}|/]+)/?`)
	genericAudio    = regexp.MustCompile(`(?i)\{\{audio\|[^}|]*\|([^}|]+)`)
	genericDefLine  = regexp.MustCompile(`(?m)^#\s*([^#*:\n][^\n]*)`)
	genericPOSHead  = regexp.MustCompile(`(?i)===\s*(Noun|Proper noun|Verb|Adjective|Adverb|Pronoun|Preposition|Conjunction|Determiner|Numeral|Interjection|Particle)\s*===`)
	wikiLink        = regexp.MustCompile(`\[\[(?:[^|\]]+\|)?([^\]]+)\]\]`)
	wikiTemplate    = regexp.MustCompile(`\{\{[^{}]*\}\}`)
	htmlTag         = regexp.MustCompile(`<[^>]+>`)
	whitespaceRun   = regexp.MustCompile(`\s+`)
	defIndexMarker  = regexp.MustCompile(`^\[\d+[^\]]*\]\s*`)
	germanPOSByName = map[string]string{
		"Substantiv":   "noun",
		"Verb":         "verb",
		"Adjektiv":     "adjective",
		"Adverb":       "adverb",
		"Pronomen":     "pronoun",
		"Präposition":  "preposition",
		"Konjunktion":  "conjunction",
		"Artikel":      "determiner",
		"Numerale":     "numeral",
		"Interjektion": "interjection",
		"Eigenname":    "proper_noun",
	}
)

func parseGermanWikitext(rec aqea.Record, wikitext string) *aqea.Record {
	if m := germanPOS.FindStringSubmatch(wikitext); m != nil {
		pos, ok := germanPOSByName[strings.TrimSpace(m[1])]
		if !ok {
			pos = "unknown"
		}
		rec.POS = pos
	}
	if m := germanIPA.FindStringSubmatch(wikitext); m != nil {
		rec.IPA = strings.TrimSpace(m[1])
	}
	if m := germanHyphen.FindStringSubmatch(wikitext); m != nil {
		rec.Hyphenation = cleanDefinition(m[1])
	}

	// Definitions live between {{Bedeutungen}} and the next template
	// heading, one ":" line each.
	inDefinitions := false
	for _, line := range strings.Split(wikitext, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "{{Bedeutungen}}"):
			inDefinitions = true
			continue
		case inDefinitions && strings.HasPrefix(trimmed, "{{") && !strings.HasPrefix(trimmed, "{{#"):
			inDefinitions = false
		}
		if inDefinitions && strings.HasPrefix(trimmed, ":") {
			def := cleanDefinition(strings.TrimPrefix(trimmed, ":"))
			def = strings.TrimSpace(defIndexMarker.ReplaceAllString(def, ""))
			if def != "" {
				rec.Definitions = append(rec.Definitions, def)
			}
		}
	}
	if len(rec.Definitions) > 5 {
		rec.Definitions = rec.Definitions[:5]
	}
	if len(rec.Definitions) == 0 && rec.POS == "" {
		return nil
	}
	return &rec
}

func parseGenericWikitext(rec aqea.Record, wikitext string) *aqea.Record {
	if m := genericIPA.FindStringSubmatch(wikitext); m != nil {
		rec.IPA = strings.TrimSpace(m[1])
	}
	if m := genericAudio.FindStringSubmatch(wikitext); m != nil {
		rec.Audio = []string{strings.TrimSpace(m[1])}
	}
	if m := genericPOSHead.FindStringSubmatch(wikitext); m != nil {
		rec.POS = strings.ReplaceAll(strings.ToLower(m[1]), " ", "_")
	}
	for _, m := range genericDefLine.FindAllStringSubmatch(wikitext, 3) {
		if def := cleanDefinition(m[1]); def != "" {
			rec.Definitions = append(rec.Definitions, def)
		}
	}
	if len(rec.Definitions) == 0 && rec.IPA == "" {
		return nil
	}
	return &rec
}

// cleanDefinition strips wiki markup down to plain text.
func cleanDefinition(def string) string {
	def = wikiLink.ReplaceAllString(def, "$1")
	def = wikiTemplate.ReplaceAllString(def, "")
	def = htmlTag.ReplaceAllString(def, "")
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(def, " "))
}
