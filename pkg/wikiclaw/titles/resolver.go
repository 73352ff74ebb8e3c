// Package titles maps arbitrary, possibly malformed page references to
// canonical wiki titles. A Resolver owns a preloaded Index and falls back to
// the live wiki API, backfilling the index with every successful resolution.
package titles

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
	"golang.org/x/sync/errgroup"
)

// Title is a canonical page title, optionally paired with a section fragment.
type Title struct {
	Page     string
	Fragment string
}

// String renders the title as "Page" or "Page#Fragment".
func (t Title) String() string {
	if t.Fragment == "" {
		return t.Page
	}
	return t.Page + "#" + t.Fragment
}

// API is the subset of the wiki client the resolver needs.
type API interface {
	AllPages(ctx context.Context, namespace int) ([]string, error)
	QueryTitle(ctx context.Context, title string) (*wiki.QueryResult, error)
}

// Resolver resolves references to canonical titles. It is safe for
// concurrent use.
type Resolver struct {
	api        API
	index      *Index
	namespaces []int
	logger     *slog.Logger

	reloadMu sync.Mutex
}

// NewResolver creates a resolver with an empty index. Call Reload to
// preload it.
func NewResolver(api API, namespaces []int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if len(namespaces) == 0 {
		namespaces = []int{0}
	}
	return &Resolver{
		api:        api,
		index:      NewIndex(),
		namespaces: namespaces,
		logger:     logger.With("component", "titles"),
	}
}

// Index returns the resolver's title index.
func (r *Resolver) Index() *Index { return r.index }

// Reload lists every configured namespace and merges the titles into the
// index. Existing entries are kept.
func (r *Resolver) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	results := make([][]string, len(r.namespaces))
	g, gctx := errgroup.WithContext(ctx)
	for i, ns := range r.namespaces {
		g.Go(func() error {
			titles, err := r.api.AllPages(gctx, ns)
			if err != nil {
				return err
			}
			results[i] = titles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("reloading title index: %w", err)
	}

	total := 0
	for _, titles := range results {
		for _, t := range titles {
			r.index.AddPage(t)
		}
		total += len(titles)
	}
	r.logger.Info("title index loaded", "listed", total, "pages", r.index.Pages(), "keys", r.index.Len())
	return nil
}

// Resolve maps ref to its canonical title. The second result is false when
// no variant of ref names an existing page.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Title, bool) {
	page, explicit := splitFragment(ref)
	if page == "" {
		return Title{}, false
	}

	withFragment := func(t Title) Title {
		if explicit != "" {
			t.Fragment = explicit
		}
		return t
	}

	// 1. Exact normalized match.
	if t, ok := r.index.Lookup(page); ok {
		return withFragment(t), true
	}

	// 2. Namespace-aware title casing.
	cased := TitleCase(page)
	if HasNamespace(page) {
		if t, ok := r.index.Lookup(cased); ok {
			return withFragment(t), true
		}
	}

	// 3. Live fallback: raw, whitespace-normalized, title-cased.
	raw, _, _ := strings.Cut(ref, "#")
	for _, variant := range dedupe(raw, CollapseSpace(raw), cased) {
		t, ok := r.query(ctx, variant)
		if !ok {
			continue
		}
		// 5. Backfill under the reference and the canonical page.
		r.index.Alias(page, t)
		r.index.Alias(variant, t)
		r.index.AddPage(t.Page)
		return withFragment(t), true
	}

	r.logger.Debug("reference did not resolve", "ref", ref)
	return Title{}, false
}

// query asks the wiki API about one variant. API failures are logged and
// treated as unresolved.
func (r *Resolver) query(ctx context.Context, variant string) (Title, bool) {
	res, err := r.api.QueryTitle(ctx, variant)
	if err != nil {
		r.logger.Warn("title query failed", "variant", variant, "error", err)
		return Title{}, false
	}
	page, ok := res.Existing()
	if !ok {
		return Title{}, false
	}
	// 4. Redirect chains ending on a section anchor carry the fragment.
	return Title{Page: page.Title, Fragment: res.Fragment()}, true
}

func dedupe(variants ...string) []string {
	out := make([]string, 0, len(variants))
	seen := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
