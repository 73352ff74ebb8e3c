package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/llm"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/memory"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/respond"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/transclude"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

// ---------- Fakes ----------

type fakeWiki struct {
	hits []wiki.SearchHit
	err  error
}

func (f *fakeWiki) PageURL(title, fragment string) string {
	u := "https://wiki.example.org/wiki/" + strings.ReplaceAll(title, " ", "_")
	if fragment != "" {
		u += "#" + strings.ReplaceAll(fragment, " ", "_")
	}
	return u
}

func (f *fakeWiki) Search(_ context.Context, _ string, _ int) ([]wiki.SearchHit, error) {
	return f.hits, f.err
}

type fakeResolver struct {
	index   *titles.Index
	reloads atomic.Int32
}

func newFakeResolver(pages ...string) *fakeResolver {
	ix := titles.NewIndex()
	for _, p := range pages {
		ix.AddPage(p)
	}
	return &fakeResolver{index: ix}
}

func (f *fakeResolver) Resolve(_ context.Context, ref string) (titles.Title, bool) {
	return f.index.Lookup(ref)
}

func (f *fakeResolver) Reload(context.Context) error {
	f.reloads.Add(1)
	return nil
}

func (f *fakeResolver) Index() *titles.Index { return f.index }

type fakeFetcher struct {
	leads map[string]string
}

func (f *fakeFetcher) FetchLead(_ context.Context, title string) (string, bool) {
	s, ok := f.leads[title]
	return s, ok
}

func (f *fakeFetcher) FetchSection(context.Context, string, string) (string, bool) {
	return "", false
}

type fakeModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	reqs    []*llm.Request
}

func (f *fakeModel) Invoke(_ context.Context, req *llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type recordingSink struct {
	mu       sync.Mutex
	payloads []*channels.Payload
	typing   int
	notify   chan struct{}
}

func newSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 16)}
}

func (s *recordingSink) Deliver(_ context.Context, p *channels.Payload) error {
	s.mu.Lock()
	s.payloads = append(s.payloads, p)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) Typing(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing++
	return nil
}

func (s *recordingSink) contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.payloads))
	for i, p := range s.payloads {
		out[i] = p.Content
	}
	return out
}

// deferredSink stands in for a sink holding a deferred interaction.
type deferredSink struct {
	*recordingSink
	dismissed int
}

func (s *deferredSink) Dismiss(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismissed++
	return nil
}

type harness struct {
	bot    *Bot
	model  *fakeModel
	wiki   *fakeWiki
	store  *memory.Store
	sleeps []time.Duration
}

func newHarness(t *testing.T, model *fakeModel, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Name = "Wikibot"
	cfg.Wiki.APIURL = "https://wiki.example.org/api.php"
	cfg.Wiki.PageURL = "https://wiki.example.org/wiki/"
	if mutate != nil {
		mutate(cfg)
	}

	store, err := memory.Open(memory.Config{
		Path:    filepath.Join(t.TempDir(), "memory.json"),
		BotName: cfg.Name,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{model: model, wiki: &fakeWiki{}, store: store}
	deps := Deps{
		Wiki:     h.wiki,
		Resolver: newFakeResolver("Tower Map", "Boss Rush"),
		Fetcher:  &fakeFetcher{leads: map[string]string{"Tower Map": "Ten floors."}},
		Memory:   store,
	}
	if model != nil {
		deps.Model = model
	}
	b, err := New(cfg, deps, nil)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	b.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	h.bot = b
	return h
}

func addressed(text string, sink channels.Sink) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        "m1",
		Channel:   "console",
		From:      "u1",
		FromName:  "alice",
		ChatID:    "chat-1",
		Addressed: true,
		Content:   text,
		Sink:      sink,
	}
}

// ---------- Pipeline ----------

func TestHandleMessage_Transclusion(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	h := newHarness(t, model, nil)
	sink := newSink()

	h.bot.HandleMessage(context.Background(), addressed("check [[Tower Map]] please", sink))

	got := sink.contents()
	want := "check [Tower Map](<https://wiki.example.org/wiki/Tower_Map>) please"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if model.calls() != 0 {
		t.Error("model should not be called for literal syntax")
	}

	turns := h.store.Snapshot("chat-1")
	if len(turns) != 2 || turns[0].Role != memory.RoleUser || turns[1].Role != memory.RoleAssistant {
		t.Errorf("turns = %+v", turns)
	}
}

func TestHandleMessage_ModelPath(t *testing.T) {
	t.Parallel()

	model := &fakeModel{replies: []string{
		"[THOUGHT]think[/THOUGHT][START_MESSAGE]First[END_MESSAGE][START_MESSAGE]Second [PAGE_EMBED: tower map][END_MESSAGE]",
		"Again.",
	}}
	h := newHarness(t, model, func(c *Config) {
		c.Response.PaceCharsPerSec = 60
		c.Response.MaxPaceDelayMs = 3000
	})
	sink := newSink()

	h.bot.HandleMessage(context.Background(), addressed("what is the tower?", sink))

	sink.mu.Lock()
	payloads := sink.payloads
	typing := sink.typing
	sink.mu.Unlock()

	if len(payloads) != 2 || payloads[0].Content != "First" || payloads[1].Content != "Second" {
		t.Fatalf("payloads = %+v", payloads)
	}
	if len(payloads[0].Embeds) != 0 || len(payloads[1].Embeds) != 1 {
		t.Fatalf("embeds should ride on the last chunk: %+v", payloads)
	}
	e := payloads[1].Embeds[0]
	if e.Title != "Tower Map" || e.URL != "https://wiki.example.org/wiki/Tower_Map" || e.Description != "Ten floors." {
		t.Errorf("embed = %+v", e)
	}
	if typing != 2 {
		t.Errorf("typing = %d, want 2", typing)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 100*time.Millisecond {
		t.Errorf("sleeps = %v", h.sleeps)
	}

	req := model.reqs[0]
	if len(req.History) != 0 || req.Text != "alice: what is the tower?" {
		t.Errorf("first request = %+v", req)
	}
	if !strings.HasPrefix(req.SystemInstruction, "Your name is Wikibot.") {
		t.Errorf("system instruction = %q", req.SystemInstruction)
	}

	h.bot.HandleMessage(context.Background(), addressed("and again?", sink))
	req = model.reqs[1]
	if len(req.History) != 2 {
		t.Fatalf("history = %+v", req.History)
	}
	if req.History[0].Role != llm.RoleUser || req.History[0].Text != "[HISTORY user alice] what is the tower?" {
		t.Errorf("history[0] = %+v", req.History[0])
	}
	if req.History[1].Role != llm.RoleModel || req.History[1].Text != "[HISTORY assistant Wikibot] First\nSecond" {
		t.Errorf("history[1] = %+v", req.History[1])
	}
}

func TestHandleMessage_ModelOutputTokensExpanded(t *testing.T) {
	t.Parallel()

	model := &fakeModel{replies: []string{"See [[Boss Rush|the rush]]."}}
	h := newHarness(t, model, nil)
	sink := newSink()

	h.bot.HandleMessage(context.Background(), addressed("how do I fight?", sink))

	got := sink.contents()
	want := "See [the rush](<https://wiki.example.org/wiki/Boss_Rush>)."
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestHandleMessage_ModelErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"exhausted", &llm.ExhaustedError{Attempts: 2, Last: &llm.Error{Kind: llm.KindTransient}}, []string{ApologyMessage}},
		{"fatal", &llm.Error{Kind: llm.KindFatal, Err: errors.New("bad request")}, []string{ApologyMessage}},
		{"canceled", &llm.Error{Kind: llm.KindCanceled, Err: context.Canceled}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, &fakeModel{err: tt.err}, nil)
			sink := newSink()
			h.bot.HandleMessage(context.Background(), addressed("hello?", sink))

			got := sink.contents()
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			for _, c := range got {
				if strings.Contains(c, "bad request") {
					t.Error("internal error leaked to chat")
				}
			}
		})
	}
}

func TestHandleMessage_NoModel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	sink := newSink()
	h.bot.HandleMessage(context.Background(), addressed("hello?", sink))

	if got := sink.contents(); len(got) != 1 || got[0] != ApologyMessage {
		t.Errorf("got %q", got)
	}
}

func TestHandleMessage_Terminate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeModel{replies: []string{"  [TERMINATE_MESSAGE]  "}}, nil)
	sink := newSink()
	h.bot.HandleMessage(context.Background(), addressed("ok thanks", sink))

	if got := sink.contents(); len(got) != 0 {
		t.Errorf("got %q, want nothing", got)
	}
	if turns := h.store.Snapshot("chat-1"); len(turns) != 1 {
		t.Errorf("only the user turn should be recorded, got %+v", turns)
	}
}

func TestHandleMessage_DismissesUnansweredCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		model         *fakeModel
		wantDismissed int
		wantReplies   int
	}{
		{"terminated", &fakeModel{replies: []string{"[TERMINATE_MESSAGE]"}}, 1, 0},
		{"canceled", &fakeModel{err: &llm.Error{Kind: llm.KindCanceled, Err: context.Canceled}}, 1, 0},
		{"answered", &fakeModel{replies: []string{"Ten floors."}}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, tt.model, nil)
			sink := &deferredSink{recordingSink: newSink()}
			msg := addressed("how tall is the tower?", sink)
			msg.Command = &channels.Command{Name: channels.CommandAsk, Argument: msg.Content}
			h.bot.HandleMessage(context.Background(), msg)

			if sink.dismissed != tt.wantDismissed {
				t.Errorf("dismissed = %d, want %d", sink.dismissed, tt.wantDismissed)
			}
			if got := sink.contents(); len(got) != tt.wantReplies {
				t.Errorf("replies = %q, want %d", got, tt.wantReplies)
			}
		})
	}
}

func TestDispatch_KeepsChatOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	sink := newSink()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		msg := addressed(fmt.Sprintf("[[Tower Map]] %d", i), sink)
		msg.ID = fmt.Sprint(i)
		h.bot.dispatch(context.Background(), msg, &wg)
	}
	wg.Wait()

	var got []string
	for _, turn := range h.store.Snapshot("chat-1") {
		if turn.Speaker == "alice" {
			got = append(got, turn.Text)
		}
	}
	if len(got) != n {
		t.Fatalf("recorded %d user turns, want %d", len(got), n)
	}
	for i, text := range got {
		if want := fmt.Sprintf("[[Tower Map]] %d", i); text != want {
			t.Errorf("turn %d = %q, want %q", i, text, want)
		}
	}
	if h.bot.queues.pending["chat-1"] != nil {
		t.Error("chat worker should retire once its queue drains")
	}
}

func TestHandleMessage_Commands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cmd  string
		arg  string
		hits []wiki.SearchHit
		err  error
		want string
	}{
		{
			name: "wiki",
			cmd:  channels.CommandWiki,
			arg:  "tower map",
			want: "**Tower Map** -> Ten floors.\n<https://wiki.example.org/wiki/Tower_Map>",
		},
		{
			name: "wiki unknown",
			cmd:  channels.CommandWiki,
			arg:  "Nonexistent Page",
			want: transclude.UnknownReplacement,
		},
		{
			name: "wiki empty",
			cmd:  channels.CommandWiki,
			arg:  "",
			want: transclude.UnknownReplacement,
		},
		{
			name: "search",
			cmd:  channels.CommandSearch,
			arg:  "tower",
			hits: []wiki.SearchHit{{Title: "Tower Map"}, {Title: "Boss Rush"}},
			want: "Search results for **tower**:\n" +
				"- [Tower Map](<https://wiki.example.org/wiki/Tower_Map>)\n" +
				"- [Boss Rush](<https://wiki.example.org/wiki/Boss_Rush>)",
		},
		{
			name: "search empty",
			cmd:  channels.CommandSearch,
			arg:  "zzz",
			want: "No pages found for **zzz**.",
		},
		{
			name: "search failure",
			cmd:  channels.CommandSearch,
			arg:  "tower",
			err:  wiki.ErrCircuitOpen,
			want: SearchUnavailableMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			model := &fakeModel{}
			h := newHarness(t, model, nil)
			h.wiki.hits, h.wiki.err = tt.hits, tt.err
			sink := newSink()

			msg := addressed(tt.arg, sink)
			msg.Command = &channels.Command{Name: tt.cmd, Argument: tt.arg}
			h.bot.HandleMessage(context.Background(), msg)

			if got := sink.contents(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if model.calls() != 0 {
				t.Error("commands should not reach the model")
			}
		})
	}
}

func TestHandleMessage_NoSink(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	h := newHarness(t, model, nil)
	h.bot.HandleMessage(context.Background(), addressed("hi", nil))
	if model.calls() != 0 {
		t.Error("message without a sink should be dropped")
	}
}

func TestHandleMessage_UnaddressedIgnored(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	h := newHarness(t, model, nil)
	sink := newSink()
	msg := addressed("just chatting", sink)
	msg.Addressed = false
	h.bot.HandleMessage(context.Background(), msg)

	if len(sink.contents()) != 0 || model.calls() != 0 {
		t.Error("unaddressed message should not be answered")
	}
	if len(h.store.Snapshot("chat-1")) != 0 {
		t.Error("unaddressed message outside follow-up channels should not be recorded")
	}
}

// ---------- Follow-ups ----------

func TestFollowup_FiresAfterQuiet(t *testing.T) {
	t.Parallel()

	model := &fakeModel{replies: []string{"Anyone need the map?"}}
	h := newHarness(t, model, func(c *Config) {
		c.Followup.Enabled = true
		c.Followup.DelayMs = 10
	})
	sink := newSink()

	first := addressed("is the tower hard?", sink)
	first.Addressed = false
	second := addressed("yeah floor 9", sink)
	second.Addressed = false
	h.bot.HandleMessage(context.Background(), first)
	h.bot.HandleMessage(context.Background(), second)

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up never fired")
	}
	if got := sink.contents(); len(got) != 1 || got[0] != "Anyone need the map?" {
		t.Errorf("got %q", got)
	}
	if model.calls() != 1 {
		t.Errorf("model calls = %d, want 1", model.calls())
	}
	model.mu.Lock()
	history := model.reqs[0].History
	model.mu.Unlock()
	if len(history) != 2 || history[1].Text != "[HISTORY user alice] yeah floor 9" {
		t.Errorf("history = %+v", history)
	}
}

func TestFollowup_CanceledByAddressedMessage(t *testing.T) {
	t.Parallel()

	model := &fakeModel{replies: []string{"Direct answer."}}
	h := newHarness(t, model, func(c *Config) {
		c.Followup.Enabled = true
		c.Followup.DelayMs = int(time.Hour / time.Millisecond)
		c.Followup.Channels = []string{"chat-1"}
	})
	sink := newSink()

	chatter := addressed("hmm", sink)
	chatter.Addressed = false
	h.bot.HandleMessage(context.Background(), chatter)
	if h.bot.followups.Pending() != 1 {
		t.Fatal("follow-up should be pending")
	}

	h.bot.HandleMessage(context.Background(), addressed("wikibot, help", sink))
	if h.bot.followups.Pending() != 0 {
		t.Error("addressed message should cancel the pending follow-up")
	}
	if got := sink.contents(); len(got) != 1 || got[0] != "Direct answer." {
		t.Errorf("got %q", got)
	}
}

func TestFollowups_Debounce(t *testing.T) {
	t.Parallel()

	f := NewFollowups(20 * time.Millisecond)
	fired := make(chan string, 4)
	f.Schedule("c", func() { fired <- "first" })
	f.Schedule("c", func() { fired <- "second" })

	select {
	case got := <-fired:
		if got != "second" {
			t.Errorf("fired %q, want second", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing fired")
	}
	select {
	case got := <-fired:
		t.Errorf("unexpected extra firing %q", got)
	case <-time.After(100 * time.Millisecond):
	}
	if f.Pending() != 0 {
		t.Error("slot should be free after firing")
	}
}

func TestFollowups_CancelAndStop(t *testing.T) {
	t.Parallel()

	f := NewFollowups(time.Hour)
	f.Schedule("a", func() {})
	f.Schedule("b", func() {})
	if !f.Cancel("a") || f.Cancel("a") {
		t.Error("Cancel should report pending state")
	}
	if f.Pending() != 1 {
		t.Errorf("pending = %d", f.Pending())
	}
	f.Stop()
	f.Schedule("c", func() {})
	if f.Pending() != 0 {
		t.Error("stopped followups should not schedule")
	}
}

// ---------- Helpers ----------

func TestPayloads_EmbedOverflow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	var ts []titles.Title
	for i := range 12 {
		ts = append(ts, titles.Title{Page: fmt.Sprintf("Page %d", i)})
	}
	ps := h.bot.payloads(context.Background(), respond.Result{Embeds: ts})
	if len(ps) != 2 || len(ps[0].Embeds) != 10 || len(ps[1].Embeds) != 2 {
		t.Fatalf("payloads = %d", len(ps))
	}
	if ps[0].Content != "" || ps[0].Embeds[0].Description != "" {
		t.Errorf("first payload = %+v", ps[0])
	}
}

func TestPaceDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cps, maxMs int
		chunk      string
		want       time.Duration
	}{
		{10, 500, "abc", 300 * time.Millisecond},
		{10, 500, strings.Repeat("x", 100), 500 * time.Millisecond},
		{10, 0, strings.Repeat("x", 100), 10 * time.Second},
		{0, 500, "abc", 0},
		{10, 500, "héé", 300 * time.Millisecond},
	}
	for _, tt := range tests {
		h := newHarness(t, nil, func(c *Config) {
			c.Response.PaceCharsPerSec = tt.cps
			c.Response.MaxPaceDelayMs = tt.maxMs
		})
		if got := h.bot.paceDelay(tt.chunk); got != tt.want {
			t.Errorf("paceDelay(%q) cps=%d max=%d = %v, want %v", tt.chunk, tt.cps, tt.maxMs, got, tt.want)
		}
	}
}

func TestStart_RefreshSchedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(c *Config) { c.Wiki.RefreshSchedule = "@every 1h" })
	if err := h.bot.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer h.bot.Stop()

	r := h.bot.resolver.(*fakeResolver)
	if r.reloads.Load() != 1 {
		t.Errorf("reloads = %d, want 1 preload", r.reloads.Load())
	}
	if h.bot.cron == nil || len(h.bot.cron.Entries()) != 1 {
		t.Error("refresh should be scheduled")
	}

	bad := newHarness(t, nil, func(c *Config) { c.Wiki.RefreshSchedule = "not a schedule" })
	if err := bad.bot.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestRun_NoChannels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	if err := h.bot.Run(context.Background()); !errors.Is(err, ErrNoChannels) {
		t.Errorf("err = %v", err)
	}
}

func TestTemplateToken(t *testing.T) {
	t.Parallel()

	if got := templateToken("A {b} }}"); got != "{{A b }}" {
		t.Errorf("got %q", got)
	}
}
