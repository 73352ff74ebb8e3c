// Package transclude expands wiki link and template syntax embedded in chat
// text. Each expansion scans the text once, resolves every token
// concurrently, and renders the result in a single pass over the original.
package transclude

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
	"golang.org/x/sync/errgroup"
)

// UnknownReplacement replaces template tokens whose page does not resolve or
// has no content.
const UnknownReplacement = "I don't know."

// DefaultTemplateBudget is the default rune budget for transcluded content.
const DefaultTemplateBudget = 1000

// Resolver resolves references to canonical titles.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (titles.Title, bool)
}

// Fetcher retrieves flattened page content.
type Fetcher interface {
	FetchLead(ctx context.Context, title string) (string, bool)
	FetchSection(ctx context.Context, title, section string) (string, bool)
}

// Linker builds article URLs.
type Linker interface {
	PageURL(title, fragment string) string
}

// Config tunes the engine.
type Config struct {
	// TemplateBudget caps transcluded content, in runes.
	TemplateBudget int
	// MaxConcurrency bounds in-flight resolutions per expansion; 0 means
	// unbounded.
	MaxConcurrency int
}

// Engine expands tokens. It is safe for concurrent use.
type Engine struct {
	resolver Resolver
	fetcher  Fetcher
	linker   Linker
	cfg      Config
	logger   *slog.Logger
}

// New creates a transclusion engine.
func New(resolver Resolver, fetcher Fetcher, linker Linker, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TemplateBudget <= 0 {
		cfg.TemplateBudget = DefaultTemplateBudget
	}
	return &Engine{
		resolver: resolver,
		fetcher:  fetcher,
		linker:   linker,
		cfg:      cfg,
		logger:   logger.With("component", "transclude"),
	}
}

// Expand applies link expansion and then template expansion.
func (e *Engine) Expand(ctx context.Context, text string) string {
	text = e.ExpandLinks(ctx, text)
	return e.ExpandTemplates(ctx, text)
}

// ExpandLinks replaces every [[Page]] / [[Page|Label]] with a rendered link.
func (e *Engine) ExpandLinks(ctx context.Context, text string) string {
	return Render(text, e.ResolveAll(ctx, text, KindLink))
}

// ExpandTemplates replaces every {{Name}} / {{Name|Param}} with the page's
// transcluded content.
func (e *Engine) ExpandTemplates(ctx context.Context, text string) string {
	return Render(text, e.ResolveAll(ctx, text, KindTemplate))
}

// ResolveAll scans text for tokens of one kind and resolves them all
// concurrently. Each token is resolved from its own payload only, so the
// result does not depend on completion order.
func (e *Engine) ResolveAll(ctx context.Context, text string, kind Kind) []ResolvedToken {
	tokens := Scan(text, kind)
	if len(tokens) == 0 {
		return nil
	}

	resolved := make([]ResolvedToken, len(tokens))
	var g errgroup.Group
	if e.cfg.MaxConcurrency > 0 {
		g.SetLimit(e.cfg.MaxConcurrency)
	}
	for i, tok := range tokens {
		g.Go(func() error {
			resolved[i] = ResolvedToken{Token: tok, Replacement: e.resolveToken(ctx, tok)}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug("tokens expanded", "kind", kind, "count", len(tokens))
	return resolved
}

func (e *Engine) resolveToken(ctx context.Context, tok Token) string {
	if tok.Kind == KindTemplate {
		return e.renderTemplate(ctx, tok)
	}
	return e.renderLink(ctx, tok)
}

// renderLink links to the canonical page, or to the raw name when the
// reference does not resolve.
// An unresolved link shows the raw name even when a label was given.
func (e *Engine) renderLink(ctx context.Context, tok Token) string {
	t, ok := e.resolver.Resolve(ctx, tok.Name)
	if !ok {
		e.logger.Debug("link target unresolved", "ref", tok.Name)
		return FormatLink(tok.Name, e.linker.PageURL(tok.Name, ""))
	}

	label := tok.Name
	if tok.HasParam && tok.Param != "" {
		label = tok.Param
	}
	return FormatLink(label, e.linker.PageURL(t.Page, t.Fragment))
}

// renderTemplate transcludes the section the title points at, or the lead.
func (e *Engine) renderTemplate(ctx context.Context, tok Token) string {
	t, ok := e.resolver.Resolve(ctx, tok.Name)
	if !ok {
		return UnknownReplacement
	}

	var content string
	if t.Fragment != "" {
		content, ok = e.fetcher.FetchSection(ctx, t.Page, t.Fragment)
	} else {
		content, ok = e.fetcher.FetchLead(ctx, t.Page)
	}
	if !ok {
		e.logger.Warn("template content unavailable", "title", t.String())
		return UnknownReplacement
	}

	return fmt.Sprintf("**%s** -> %s\n%s",
		t.String(),
		TruncateRunes(content, e.cfg.TemplateBudget),
		"<"+e.linker.PageURL(t.Page, t.Fragment)+">",
	)
}

// FormatLink renders a masked chat link. The angle brackets suppress the
// platform's automatic link preview.
func FormatLink(label, url string) string {
	return "[" + label + "](<" + url + ">)"
}

// TruncateRunes cuts s to at most n runes, marking the cut with an ellipsis.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	cut := strings.TrimRightFunc(string([]rune(s)[:n-3]), func(r rune) bool {
		return r == ' ' || r == '\n'
	})
	return cut + "..."
}
