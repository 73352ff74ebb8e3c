package transclude

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResolver resolves from a fixed table after a random delay, so
// completion order differs from token order.
type fakeResolver struct {
	table  map[string]titles.Title
	jitter bool

	mu    sync.Mutex
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (titles.Title, bool) {
	if f.jitter {
		time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
	}
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	f.mu.Unlock()
	t, ok := f.table[titles.Key(ref)]
	return t, ok
}

type fakeFetcher struct {
	leads    map[string]string
	sections map[string]string // "page#section"
}

func (f *fakeFetcher) FetchLead(_ context.Context, title string) (string, bool) {
	s, ok := f.leads[title]
	return s, ok
}

func (f *fakeFetcher) FetchSection(_ context.Context, title, section string) (string, bool) {
	s, ok := f.sections[title+"#"+section]
	return s, ok
}

type fakeLinker struct{}

func (fakeLinker) PageURL(title, fragment string) string {
	u := "https://wiki.example.org/wiki/" + strings.ReplaceAll(title, " ", "_")
	if fragment != "" {
		u += "#" + strings.ReplaceAll(fragment, " ", "_")
	}
	return u
}

func newTestEngine(budget int) (*Engine, *fakeResolver) {
	res := &fakeResolver{
		table: map[string]titles.Title{
			"tower map": {Page: "Tower Map"},
			"old name":  {Page: "New Name", Fragment: "Section"},
			"boss rush": {Page: "Boss Rush"},
		},
		jitter: true,
	}
	fetch := &fakeFetcher{
		leads: map[string]string{
			"Tower Map": "The Tower has ten floors.",
		},
		sections: map[string]string{
			"New Name#Section": "Section body.",
		},
	}
	return New(res, fetch, fakeLinker{}, Config{TemplateBudget: budget}, nil), res
}

func TestScan(t *testing.T) {
	t.Parallel()

	text := "a [[Tower Map]] b [[Boss Rush|the rush]] {{Tower Map|x=1}} [[ ]] [[bad[x]]"
	links := Scan(text, KindLink)
	if len(links) != 2 {
		t.Fatalf("links = %+v", links)
	}
	if links[0].Name != "Tower Map" || links[0].HasParam {
		t.Errorf("first link = %+v", links[0])
	}
	if links[1].Name != "Boss Rush" || links[1].Param != "the rush" || !links[1].HasParam {
		t.Errorf("second link = %+v", links[1])
	}
	if got := text[links[0].Start:links[0].End()]; got != "[[Tower Map]]" {
		t.Errorf("span = %q", got)
	}

	templates := Scan(text, KindTemplate)
	if len(templates) != 1 || templates[0].Name != "Tower Map" || templates[0].Param != "x=1" {
		t.Errorf("templates = %+v", templates)
	}
}

func TestHasTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want bool
	}{
		{"plain question", false},
		{"see [[Tower Map]]", true},
		{"{{Boss Rush}}", true},
		{"[single] {single}", false},
	}
	for _, tt := range tests {
		if got := HasTokens(tt.text); got != tt.want {
			t.Errorf("HasTokens(%q) = %v", tt.text, got)
		}
	}
}

func TestExpandLinks(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(0)
	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "check [[Tower Map]] please",
			want: "check [Tower Map](<https://wiki.example.org/wiki/Tower_Map>) please",
		},
		{
			in:   "[[tower map|the map]]",
			want: "[the map](<https://wiki.example.org/wiki/Tower_Map>)",
		},
		{
			in:   "[[Old Name]]",
			want: "[Old Name](<https://wiki.example.org/wiki/New_Name#Section>)",
		},
		{
			in:   "[[Nowhere Land]]",
			want: "[Nowhere Land](<https://wiki.example.org/wiki/Nowhere_Land>)",
		},
		{
			in:   "[[Nowhere Land|click me]]",
			want: "[Nowhere Land](<https://wiki.example.org/wiki/Nowhere_Land>)",
		},
		{
			in:   "no tokens at all",
			want: "no tokens at all",
		},
	}
	for _, tt := range tests {
		if got := e.ExpandLinks(context.Background(), tt.in); got != tt.want {
			t.Errorf("ExpandLinks(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandTemplates(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(0)
	tests := []struct {
		in   string
		want string
	}{
		{
			in:   "{{Nonexistent Page}}",
			want: UnknownReplacement,
		},
		{
			in:   "{{Tower Map}}",
			want: "**Tower Map** -> The Tower has ten floors.\n<https://wiki.example.org/wiki/Tower_Map>",
		},
		{
			in:   "{{Old Name|ignored}}",
			want: "**New Name#Section** -> Section body.\n<https://wiki.example.org/wiki/New_Name#Section>",
		},
		{
			// Resolves, but the fetcher has no content.
			in:   "{{Boss Rush}}",
			want: UnknownReplacement,
		},
	}
	for _, tt := range tests {
		if got := e.ExpandTemplates(context.Background(), tt.in); got != tt.want {
			t.Errorf("ExpandTemplates(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpand_TemplateBudget(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(12)
	got := e.ExpandTemplates(context.Background(), "{{Tower Map}}")
	want := "**Tower Map** -> The Tower...\n<https://wiki.example.org/wiki/Tower_Map>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExpand_ResolvesEachTokenOnce(t *testing.T) {
	t.Parallel()

	e, res := newTestEngine(0)
	in := "[[A]] [[B]] [[C]] [[D]] [[E]] [[F]]"
	e.ExpandLinks(context.Background(), in)

	res.mu.Lock()
	defer res.mu.Unlock()
	if len(res.calls) != 6 {
		t.Errorf("resolver called %d times, want 6", len(res.calls))
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"héllo wörld again", 10, "héllo w..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

// Non-token text is preserved byte for byte and each token is replaced
// exactly once, whatever order the resolutions complete in.
func TestExpandLinks_PreservesLiterals(t *testing.T) {
	e, _ := newTestEngine(0)
	linker := fakeLinker{}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "tokens")
		var in, want strings.Builder
		for i := 0; i < n; i++ {
			lit := rapid.StringMatching(`[a-z .,!?()]{0,12}`).Draw(rt, "literal")
			name := rapid.StringMatching(`[A-Z][a-z]{1,8}`).Draw(rt, "name")
			in.WriteString(lit + "[[" + name + "]]")
			want.WriteString(lit + FormatLink(name, linker.PageURL(name, "")))
		}
		tail := rapid.StringMatching(`[a-z .,!?]{0,12}`).Draw(rt, "tail")
		in.WriteString(tail)
		want.WriteString(tail)

		if got := e.ExpandLinks(context.Background(), in.String()); got != want.String() {
			rt.Fatalf("ExpandLinks(%q) = %q, want %q", in.String(), got, want.String())
		}
	})
}

func TestRender_MatchesDescendingSplice(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.StringMatching(`([a-z ]{0,6}(\[\[[A-Za-z ]{1,6}\]\])?){0,6}`).Draw(rt, "text")
		tokens := Scan(text, KindLink)
		resolved := make([]ResolvedToken, len(tokens))
		for i, tok := range tokens {
			resolved[i] = ResolvedToken{
				Token:       tok,
				Replacement: rapid.StringMatching(`[A-Z]{0,10}`).Draw(rt, "replacement"),
			}
		}

		// Splicing from the last token backwards leaves earlier offsets valid.
		spliced := text
		for i := len(resolved) - 1; i >= 0; i-- {
			r := resolved[i]
			spliced = spliced[:r.Start] + r.Replacement + spliced[r.End():]
		}

		if got := Render(text, resolved); got != spliced {
			rt.Fatalf("Render = %q, splice = %q", got, spliced)
		}
	})
}
