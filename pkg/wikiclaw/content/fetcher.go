// Package content retrieves page text from the wiki and flattens rendered
// HTML into the lightweight inline markup used in chat. Fetch failures never
// escape this package: they are logged and reported as "no content".
package content

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

// API is the subset of the wiki client the fetcher needs.
type API interface {
	ParseHTML(ctx context.Context, title, section string) (string, error)
	Sections(ctx context.Context, title string) ([]wiki.Section, error)
	Extract(ctx context.Context, title string) (string, error)
	BaseURL() *url.URL
}

// Fetcher fetches and flattens page content.
type Fetcher struct {
	api    API
	logger *slog.Logger
}

// NewFetcher creates a content fetcher.
func NewFetcher(api API, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		api:    api,
		logger: logger.With("component", "content"),
	}
}

// FetchLead returns the flattened lead section of a page. The rendered lead
// is preferred; the plain-text extract is used when it renders empty.
func (f *Fetcher) FetchLead(ctx context.Context, title string) (string, bool) {
	htmlText, err := f.api.ParseHTML(ctx, title, "0")
	if err != nil {
		f.logger.Warn("lead fetch failed", "title", title, "error", err)
	} else if text := Flatten(htmlText, f.api.BaseURL()); text != "" {
		return text, true
	}

	extract, err := f.api.Extract(ctx, title)
	if err != nil {
		f.logger.Warn("lead extract failed", "title", title, "error", err)
		return "", false
	}
	extract = strings.TrimSpace(extract)
	return extract, extract != ""
}

// FetchSection returns the flattened content of the named section. The name
// is matched case-insensitively against section headings and anchors. A
// missing heading is logged as "section not found" and reported as false.
func (f *Fetcher) FetchSection(ctx context.Context, title, section string) (string, bool) {
	index, ok := f.FindSection(ctx, title, section)
	if !ok {
		return "", false
	}

	htmlText, err := f.api.ParseHTML(ctx, title, index)
	if err != nil {
		f.logger.Warn("section fetch failed", "title", title, "section", section, "error", err)
		return "", false
	}
	text := Flatten(htmlText, f.api.BaseURL())
	return text, text != ""
}

// FindSection looks a section heading up in the page's section table and
// returns its index.
func (f *Fetcher) FindSection(ctx context.Context, title, section string) (string, bool) {
	sections, err := f.api.Sections(ctx, title)
	if err != nil {
		f.logger.Warn("section table fetch failed", "title", title, "error", err)
		return "", false
	}

	want := normalizeHeading(section)
	for _, s := range sections {
		if normalizeHeading(Flatten(s.Line, nil)) == want || normalizeHeading(s.Anchor) == want {
			return s.Index, true
		}
	}

	f.logger.Info("section not found", "title", title, "section", section, "sections", len(sections))
	return "", false
}

func normalizeHeading(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	// Emphasis markers from flattened headings do not count.
	s = strings.ReplaceAll(s, "*", "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
