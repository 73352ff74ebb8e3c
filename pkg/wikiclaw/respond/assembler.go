// Package respond turns raw model output into chat-sized chunks. It strips
// control markers, honors explicit message boundaries, keeps code fences
// well-formed across chunks, and pulls out page-embed directives.
package respond

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
)

const (
	// DefaultMaxChunkLen is the platform's per-message limit.
	DefaultMaxChunkLen = 2000
	// DefaultSafetyMargin is how far before the limit cut points are searched.
	DefaultSafetyMargin = 100
)

// Resolver resolves embed targets to canonical titles.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (titles.Title, bool)
}

// Config tunes the assembler.
type Config struct {
	MaxChunkLen  int
	SafetyMargin int
}

// Result is an assembled reply.
type Result struct {
	Chunks []string
	// Embeds are the resolved embed targets, deduplicated by canonical title.
	Embeds []titles.Title
	// Terminated is set when the model asked for no reply; Chunks and Embeds
	// are empty.
	Terminated bool
}

// Empty reports whether there is nothing to deliver.
func (r Result) Empty() bool {
	return len(r.Chunks) == 0 && len(r.Embeds) == 0
}

// Assembler builds replies. It is safe for concurrent use.
type Assembler struct {
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
}

// NewAssembler creates an assembler. A nil resolver drops every embed.
func NewAssembler(resolver Resolver, cfg Config, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChunkLen <= 0 {
		cfg.MaxChunkLen = DefaultMaxChunkLen
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	return &Assembler{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "respond"),
	}
}

// Assemble splits raw model output into deliverable chunks.
func (a *Assembler) Assemble(ctx context.Context, raw string) Result {
	if IsTerminate(raw) {
		a.logger.Debug("reply suppressed by terminate marker")
		return Result{Terminated: true}
	}

	text := StripControl(raw)
	text, refs := ExtractEmbeds(text)
	embeds := a.resolveEmbeds(ctx, refs)

	units := Boundaries(text)
	if units == nil {
		units = []string{strings.TrimSpace(text)}
	}

	var chunks []string
	for _, unit := range units {
		for _, c := range Split(unit, a.cfg.MaxChunkLen, a.cfg.SafetyMargin) {
			if strings.TrimSpace(c) != "" {
				chunks = append(chunks, c)
			}
		}
	}
	return Result{Chunks: chunks, Embeds: embeds}
}

// Chunks splits already-final text without marker processing.
func (a *Assembler) Chunks(text string) []string {
	return Split(strings.TrimSpace(text), a.cfg.MaxChunkLen, a.cfg.SafetyMargin)
}

func (a *Assembler) resolveEmbeds(ctx context.Context, refs []string) []titles.Title {
	if len(refs) == 0 || a.resolver == nil {
		return nil
	}
	seen := make(map[string]bool, len(refs))
	var out []titles.Title
	for _, ref := range refs {
		t, ok := a.resolver.Resolve(ctx, ref)
		if !ok {
			a.logger.Warn("embed target unresolved", "title", ref)
			continue
		}
		key := titles.Key(t.String())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
