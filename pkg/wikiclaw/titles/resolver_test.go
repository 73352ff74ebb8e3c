package titles

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

// fakeAPI serves a fixed set of pages and redirects and records queries.
type fakeAPI struct {
	mu        sync.Mutex
	pages     map[int][]string
	existing  map[string]string        // exact query string -> canonical title
	redirects map[string]wiki.Redirect // exact query string -> redirect hop
	queries   []string
	failAll   bool
}

func (f *fakeAPI) AllPages(_ context.Context, ns int) ([]string, error) {
	if f.failAll {
		return nil, errors.New("boom")
	}
	return f.pages[ns], nil
}

func (f *fakeAPI) QueryTitle(_ context.Context, title string) (*wiki.QueryResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, title)
	f.mu.Unlock()

	if f.failAll {
		return nil, errors.New("boom")
	}
	if rd, ok := f.redirects[title]; ok {
		return &wiki.QueryResult{
			Redirects: []wiki.Redirect{rd},
			Pages:     []wiki.Page{{Title: rd.To}},
		}, nil
	}
	if canonical, ok := f.existing[title]; ok {
		return &wiki.QueryResult{Pages: []wiki.Page{{Title: canonical}}}, nil
	}
	return &wiki.QueryResult{Pages: []wiki.Page{{Title: title, Missing: true}}}, nil
}

func (f *fakeAPI) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func newLoadedResolver(t *testing.T, api *fakeAPI) *Resolver {
	t.Helper()
	r := NewResolver(api, []int{0, 4}, nil)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return r
}

func TestResolve_IndexHit(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: map[int][]string{0: {"Tower Map", "Boss Rush"}, 4: {"Help:Getting Started"}}}
	r := newLoadedResolver(t, api)

	tests := []struct {
		ref  string
		want string
	}{
		{"Tower Map", "Tower Map"},
		{"tower map", "Tower Map"},
		{"Tower_Map", "Tower Map"},
		{"  tower   MAP ", "Tower Map"},
		{"boss_rush", "Boss Rush"},
		{"help:getting started", "Help:Getting Started"},
	}
	for _, tt := range tests {
		got, ok := r.Resolve(context.Background(), tt.ref)
		if !ok || got.Page != tt.want || got.Fragment != "" {
			t.Errorf("Resolve(%q) = %+v, %v; want %q", tt.ref, got, ok, tt.want)
		}
	}
	if n := api.queryCount(); n != 0 {
		t.Errorf("index hits should not query the API, got %d queries", n)
	}
}

func TestResolve_NamespaceTitleCase(t *testing.T) {
	t.Parallel()

	// Namespace references match the canonical spelling regardless of case.
	api := &fakeAPI{pages: map[int][]string{4: {"Help:Getting Started"}}}
	r := newLoadedResolver(t, api)

	got, ok := r.Resolve(context.Background(), "HELP:getting started")
	if !ok || got.Page != "Help:Getting Started" {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestResolve_LiveFallbackOrderAndBackfill(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		existing: map[string]string{"Secret_Level": "Secret Level"},
	}
	r := newLoadedResolver(t, api)

	got, ok := r.Resolve(context.Background(), "secret  level")
	if !ok || got.Page != "Secret Level" {
		t.Fatalf("got %+v, %v", got, ok)
	}

	want := []string{"secret  level", "secret level", "Secret_Level"}
	api.mu.Lock()
	queries := append([]string(nil), api.queries...)
	api.mu.Unlock()
	if len(queries) != len(want) {
		t.Fatalf("queries = %q, want %q", queries, want)
	}
	for i := range want {
		if queries[i] != want[i] {
			t.Errorf("query[%d] = %q, want %q", i, queries[i], want[i])
		}
	}

	// Subsequent lookups are served from the index.
	before := api.queryCount()
	for _, ref := range []string{"secret level", "Secret Level", "secret_level"} {
		if got, ok := r.Resolve(context.Background(), ref); !ok || got.Page != "Secret Level" {
			t.Errorf("Resolve(%q) after backfill = %+v, %v", ref, got, ok)
		}
	}
	if api.queryCount() != before {
		t.Errorf("backfilled lookups queried the API")
	}
}

func TestResolve_RedirectToFragment(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		redirects: map[string]wiki.Redirect{
			"Old Name": {From: "Old Name", To: "New Name", ToFragment: "Section"},
		},
	}
	r := newLoadedResolver(t, api)

	got, ok := r.Resolve(context.Background(), "Old Name")
	if !ok {
		t.Fatal("expected resolution")
	}
	if got.Page != "New Name" || got.Fragment != "Section" {
		t.Errorf("got %+v, want {New Name Section}", got)
	}
	if got.String() != "New Name#Section" {
		t.Errorf("String() = %q", got.String())
	}

	// The backfilled alias keeps the fragment.
	again, ok := r.Resolve(context.Background(), "old name")
	if !ok || again != got {
		t.Errorf("backfilled resolve = %+v, %v", again, ok)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		pages: map[int][]string{0: {"Tower Map"}},
		redirects: map[string]wiki.Redirect{
			"Old Name": {From: "Old Name", To: "New Name", ToFragment: "Section"},
		},
	}
	r := newLoadedResolver(t, api)

	for _, ref := range []string{"tower_map", "Old Name", "Tower Map#Floors"} {
		first, ok := r.Resolve(context.Background(), ref)
		if !ok {
			t.Fatalf("Resolve(%q) failed", ref)
		}
		second, ok := r.Resolve(context.Background(), first.String())
		if !ok || second != first {
			t.Errorf("Resolve(Resolve(%q)) = %+v, want %+v", ref, second, first)
		}
	}
}

func TestResolve_Unknown(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	r := newLoadedResolver(t, api)

	if got, ok := r.Resolve(context.Background(), "Nonexistent Page"); ok {
		t.Errorf("expected unknown, got %+v", got)
	}
	if got, ok := r.Resolve(context.Background(), "   "); ok {
		t.Errorf("expected unknown for blank ref, got %+v", got)
	}
}

func TestResolve_APIFailureIsUnknown(t *testing.T) {
	t.Parallel()

	r := NewResolver(&fakeAPI{failAll: true}, nil, nil)
	if _, ok := r.Resolve(context.Background(), "Anything"); ok {
		t.Error("API failures must resolve to unknown")
	}
}

func TestReload_Error(t *testing.T) {
	t.Parallel()

	r := NewResolver(&fakeAPI{failAll: true}, []int{0}, nil)
	if err := r.Reload(context.Background()); err == nil {
		t.Error("expected reload error")
	}
}

func TestReload_NeverPrunes(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{pages: map[int][]string{0: {"A"}}}
	r := NewResolver(api, []int{0}, nil)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	api.pages = map[int][]string{0: {"B"}}
	if err := r.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, ref := range []string{"A", "B"} {
		if _, ok := r.Resolve(context.Background(), ref); !ok {
			t.Errorf("%q missing after refresh", ref)
		}
	}
	if r.Index().Pages() != 2 {
		t.Errorf("Pages() = %d, want 2", r.Index().Pages())
	}
}

func TestResolve_ConcurrentBackfill(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{existing: map[string]string{"Shared": "Shared"}}
	r := NewResolver(api, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, ok := r.Resolve(context.Background(), "Shared"); !ok || got.Page != "Shared" {
				t.Errorf("got %+v, %v", got, ok)
			}
		}()
	}
	wg.Wait()
}
