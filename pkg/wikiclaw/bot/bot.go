// Package bot wires the wiki pipeline to chat channels. For every message it
// either expands literal [[link]] / {{template}} syntax or asks the model
// (with the channel's memory as history), assembles the reply into
// platform-sized chunks, and delivers them through the message's sink.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/llm"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/memory"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/respond"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/titles"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/transclude"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

const (
	// ApologyMessage is sent when the model cannot produce an answer.
	ApologyMessage = "Sorry, I can't answer that right now. Please try again in a little while."

	// SearchUnavailableMessage is sent when wiki search fails.
	SearchUnavailableMessage = "Search is unavailable right now."

	searchLimit         = 5
	maxEmbedsPerMessage = 10
	maxMediaParts       = 4
	reloadTimeout       = 5 * time.Minute

	followupPrompt = "The conversation above has gone quiet. If you have something useful to add, " +
		"reply now; otherwise reply with [TERMINATE_MESSAGE] only."
)

// Errors.
var (
	ErrNoChannels = errors.New("bot: no channels registered")
)

// Wiki is the subset of the wiki client the bot uses directly.
type Wiki interface {
	PageURL(title, fragment string) string
	Search(ctx context.Context, query string, limit int) ([]wiki.SearchHit, error)
}

// Resolver resolves references and owns the title index.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (titles.Title, bool)
	Reload(ctx context.Context) error
	Index() *titles.Index
}

// Model answers a single model request.
type Model interface {
	Invoke(ctx context.Context, req *llm.Request) (string, error)
}

// Memory is the per-channel conversation log.
type Memory interface {
	Append(channelID, speaker, text string) error
	Snapshot(channelID string) []memory.Turn
}

// Deps are the collaborators a Bot is built from. Model may be nil, in
// which case only literal wiki syntax and commands that do not need the
// model are answered.
type Deps struct {
	Wiki     Wiki
	Resolver Resolver
	Fetcher  transclude.Fetcher
	Memory   Memory
	Model    Model
}

// Bot is the message pipeline.
type Bot struct {
	cfg    *Config
	logger *slog.Logger

	wiki      Wiki
	resolver  Resolver
	fetcher   transclude.Fetcher
	memory    Memory
	model     Model
	engine    *transclude.Engine
	assembler *respond.Assembler
	followups *Followups

	channelsMu sync.RWMutex
	channels   map[string]channels.Channel

	// queues keeps each chat's messages in arrival order; chatLocks keeps
	// follow-ups from interleaving with a turn.
	queues    *chatQueues
	chatLocks sync.Map // chatID -> *sync.Mutex

	cron  *cron.Cron
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a bot from its collaborators.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Bot, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Wiki == nil || deps.Resolver == nil || deps.Fetcher == nil || deps.Memory == nil {
		return nil, errors.New("bot: wiki, resolver, fetcher, and memory are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bot")

	b := &Bot{
		cfg:      cfg,
		logger:   logger,
		wiki:     deps.Wiki,
		resolver: deps.Resolver,
		fetcher:  deps.Fetcher,
		memory:   deps.Memory,
		model:    deps.Model,
		engine: transclude.New(deps.Resolver, deps.Fetcher, deps.Wiki, transclude.Config{
			TemplateBudget: cfg.Response.TemplateBudget,
			MaxConcurrency: cfg.Response.MaxConcurrency,
		}, logger),
		assembler: respond.NewAssembler(deps.Resolver, respond.Config{
			MaxChunkLen:  cfg.Response.MaxChunkLen,
			SafetyMargin: cfg.Response.SafetyMargin,
		}, logger),
		followups: NewFollowups(time.Duration(cfg.Followup.DelayMs) * time.Millisecond),
		channels:  make(map[string]channels.Channel),
		queues:    newChatQueues(),
		sleep:     sleepContext,
	}
	return b, nil
}

// AddChannel registers a channel. Call before Run.
func (b *Bot) AddChannel(ch channels.Channel) {
	b.channelsMu.Lock()
	defer b.channelsMu.Unlock()
	b.channels[ch.Name()] = ch
}

// Name returns the bot's display identity.
func (b *Bot) Name() string { return b.cfg.Name }

// IndexSize returns the number of canonical titles in the index.
func (b *Bot) IndexSize() int { return b.resolver.Index().Pages() }

// ChannelHealth returns the health of every registered channel.
func (b *Bot) ChannelHealth() map[string]channels.HealthStatus {
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	out := make(map[string]channels.HealthStatus, len(b.channels))
	for name, ch := range b.channels {
		out[name] = ch.Health()
	}
	return out
}

// ---------- Lifecycle ----------

// Start preloads the title index and schedules periodic refreshes. A failed
// preload is logged; resolution then relies on the live API until the next
// refresh.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.resolver.Reload(ctx); err != nil {
		b.logger.Warn("title index preload failed, using live lookups", "error", err)
	}
	return b.startRefresh(ctx)
}

func (b *Bot) startRefresh(ctx context.Context) error {
	spec := strings.TrimSpace(b.cfg.Wiki.RefreshSchedule)
	if spec == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { b.refreshIndex(ctx) }); err != nil {
		return fmt.Errorf("invalid wiki.refresh_schedule %q: %w", spec, err)
	}
	c.Start()
	b.cron = c
	b.logger.Info("title index refresh scheduled", "schedule", spec)
	return nil
}

func (b *Bot) refreshIndex(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := b.resolver.Reload(ctx); err != nil {
		b.logger.Warn("title index refresh failed", "error", err)
	}
}

// Run connects every channel and handles messages until ctx is done or
// every channel's stream ends.
func (b *Bot) Run(ctx context.Context) error {
	b.channelsMu.RLock()
	chs := make([]channels.Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		chs = append(chs, ch)
	}
	b.channelsMu.RUnlock()
	if len(chs) == 0 {
		return ErrNoChannels
	}

	for _, ch := range chs {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connecting %s: %w", ch.Name(), err)
		}
		b.logger.Info("channel connected", "channel", ch.Name())
	}

	merged := make(chan *channels.IncomingMessage)
	var readers sync.WaitGroup
	for _, ch := range chs {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for msg := range ch.Receive() {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		readers.Wait()
		close(merged)
	}()

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-merged:
			if !ok {
				return nil
			}
			b.dispatch(ctx, msg, &handlers)
		}
	}
}

// Stop cancels pending follow-ups, stops the refresh schedule, and
// disconnects every channel.
func (b *Bot) Stop() {
	b.followups.Stop()
	if b.cron != nil {
		<-b.cron.Stop().Done()
	}
	b.channelsMu.RLock()
	defer b.channelsMu.RUnlock()
	for name, ch := range b.channels {
		if err := ch.Disconnect(); err != nil {
			b.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
}

// ---------- Message pipeline ----------

// HandleMessage answers one incoming message. Messages not addressed to the
// bot only feed memory and the follow-up timer of their chat.
func (b *Bot) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	logger := b.logger.With(
		"turn_id", uuid.NewString(),
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"msg_id", msg.ID,
	)
	if msg.Sink == nil {
		logger.Warn("message has no sink, dropping")
		return
	}

	if !msg.Addressed && msg.Command == nil {
		b.observe(ctx, msg, logger)
		return
	}
	b.followups.Cancel(msg.ChatID)

	lock := b.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	logger.Info("incoming message", "content_preview", preview(msg.Content), "type", msg.Type)

	// ── Step 1: route ──
	raw, ok := b.route(ctx, msg, logger)
	if !ok {
		b.dismiss(ctx, msg.Sink, logger)
		return
	}

	// ── Step 2: assemble and deliver ──
	if !b.finish(ctx, msg, raw, logger) {
		b.dismiss(ctx, msg.Sink, logger)
	}
	logger.Info("message handled", "duration_ms", time.Since(start).Milliseconds())
}

// dismiss clears a sink's pending placeholder when the event got no reply.
// It runs even if ctx was canceled.
func (b *Bot) dismiss(ctx context.Context, sink channels.Sink, logger *slog.Logger) {
	ds, ok := sink.(channels.DismissSink)
	if !ok {
		return
	}
	if err := ds.Dismiss(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("dismissing pending reply failed", "error", err)
	}
}

// route produces the raw reply text for msg. It returns false when nothing
// should be delivered.
func (b *Bot) route(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) (string, bool) {
	text := strings.TrimSpace(msg.Content)

	if msg.Command != nil {
		if text == "" && len(msg.Media) == 0 {
			return transclude.UnknownReplacement, true
		}
		switch msg.Command.Name {
		case channels.CommandWiki:
			b.remember(msg.ChatID, speakerOf(msg), "/wiki "+text, logger)
			return b.engine.ExpandTemplates(ctx, templateToken(text)), true
		case channels.CommandSearch:
			b.remember(msg.ChatID, speakerOf(msg), "/search "+text, logger)
			return b.search(ctx, text, logger), true
		}
	}

	if text == "" && len(msg.Media) == 0 {
		return "", false
	}

	if msg.Command == nil && transclude.HasTokens(text) {
		b.remember(msg.ChatID, speakerOf(msg), text, logger)
		return b.engine.Expand(ctx, text), true
	}

	return b.ask(ctx, msg, text, logger)
}

// ask sends the message to the model with the chat's memory as history.
func (b *Bot) ask(ctx context.Context, msg *channels.IncomingMessage, text string, logger *slog.Logger) (string, bool) {
	if b.model == nil {
		logger.Warn("no model configured, cannot answer")
		return ApologyMessage, true
	}

	history := b.history(msg.ChatID)
	user := text
	if msg.QuotedContent != "" {
		user = "> " + strings.ReplaceAll(strings.TrimSpace(msg.QuotedContent), "\n", "\n> ") + "\n" + user
	}
	b.remember(msg.ChatID, speakerOf(msg), user, logger)

	if ts, ok := msg.Sink.(channels.TypingSink); ok {
		if err := ts.Typing(ctx); err != nil {
			logger.Debug("typing indicator failed", "error", err)
		}
	}

	req := &llm.Request{
		SystemInstruction: b.systemInstruction(),
		History:           history,
		Text:              fmt.Sprintf("%s: %s", speakerOf(msg), user),
		Media:             b.media(ctx, msg, logger),
		MaxOutputTokens:   b.cfg.Model.MaxOutputTokens,
	}
	raw, err := b.model.Invoke(ctx, req)
	if err != nil {
		if llm.KindOf(err) == llm.KindCanceled || ctx.Err() != nil {
			logger.Info("model request canceled")
			return "", false
		}
		logger.Error("model request failed", "kind", llm.KindOf(err).String(), "error", err)
		return ApologyMessage, true
	}

	if transclude.HasTokens(raw) {
		raw = b.engine.Expand(ctx, raw)
	}
	return raw, true
}

// finish assembles raw, records the reply, and delivers it. It reports
// whether anything was delivered.
func (b *Bot) finish(ctx context.Context, msg *channels.IncomingMessage, raw string, logger *slog.Logger) bool {
	res := b.assembler.Assemble(ctx, raw)
	if res.Terminated || res.Empty() {
		logger.Info("no reply", "terminated", res.Terminated)
		return false
	}

	if len(res.Chunks) > 0 {
		b.remember(msg.ChatID, b.cfg.Name, strings.Join(res.Chunks, "\n"), logger)
	}

	payloads := b.payloads(ctx, res)
	if err := b.deliver(ctx, msg.Sink, payloads); err != nil {
		logger.Warn("delivery failed", "error", err)
		return false
	}
	logger.Debug("reply delivered", "chunks", len(res.Chunks), "embeds", len(res.Embeds))
	return true
}

// observe records an unaddressed message and (re)arms the chat's follow-up.
func (b *Bot) observe(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	if !b.followupAllowed(msg.ChatID) {
		return
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	lock := b.chatLock(msg.ChatID)
	lock.Lock()
	b.remember(msg.ChatID, speakerOf(msg), text, logger)
	lock.Unlock()

	b.followups.Schedule(msg.ChatID, func() { b.followUp(ctx, msg) })
	logger.Debug("follow-up scheduled", "delay_ms", b.cfg.Followup.DelayMs)
}

// followUp runs a deferred model turn. History is read when it fires.
func (b *Bot) followUp(ctx context.Context, msg *channels.IncomingMessage) {
	logger := b.logger.With("turn_id", uuid.NewString(), "channel", msg.Channel, "chat_id", msg.ChatID, "followup", true)

	lock := b.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	history := b.history(msg.ChatID)
	if len(history) == 0 {
		return
	}
	raw, err := b.model.Invoke(ctx, &llm.Request{
		SystemInstruction: b.systemInstruction(),
		History:           history,
		Text:              followupPrompt,
		MaxOutputTokens:   b.cfg.Model.MaxOutputTokens,
	})
	if err != nil {
		logger.Warn("follow-up model request failed", "error", err)
		return
	}
	if transclude.HasTokens(raw) {
		raw = b.engine.Expand(ctx, raw)
	}
	b.finish(ctx, msg, raw, logger)
}

func (b *Bot) followupAllowed(chatID string) bool {
	if !b.cfg.Followup.Enabled || b.model == nil {
		return false
	}
	if len(b.cfg.Followup.Channels) == 0 {
		return true
	}
	for _, c := range b.cfg.Followup.Channels {
		if c == chatID {
			return true
		}
	}
	return false
}

// search lists the top hits as rendered links.
func (b *Bot) search(ctx context.Context, query string, logger *slog.Logger) string {
	if query == "" {
		return transclude.UnknownReplacement
	}
	hits, err := b.wiki.Search(ctx, query, searchLimit)
	if err != nil {
		logger.Warn("wiki search failed", "query", query, "error", err)
		return SearchUnavailableMessage
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No pages found for **%s**.", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for **%s**:", query)
	for _, h := range hits {
		sb.WriteString("\n- ")
		sb.WriteString(transclude.FormatLink(h.Title, b.wiki.PageURL(h.Title, "")))
	}
	return sb.String()
}

// ---------- Helpers ----------

func (b *Bot) systemInstruction() string {
	return fmt.Sprintf("Your name is %s.\n%s", b.cfg.Name, strings.TrimSpace(b.cfg.Instructions))
}

// history converts the chat's memory into model history.
func (b *Bot) history(chatID string) []llm.Message {
	turns := b.memory.Snapshot(chatID)
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == memory.RoleAssistant {
			role = llm.RoleModel
		}
		out = append(out, llm.Message{Role: role, Text: t.Render()})
	}
	return out
}

// remember appends a turn. Persistence failures are logged and ignored.
func (b *Bot) remember(chatID, speaker, text string, logger *slog.Logger) {
	if err := b.memory.Append(chatID, speaker, text); err != nil {
		logger.Warn("memory persistence failed", "error", err)
	}
}

// media downloads image attachments for the model.
func (b *Bot) media(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) []llm.Media {
	if len(msg.Media) == 0 {
		return nil
	}
	b.channelsMu.RLock()
	ch := b.channels[msg.Channel]
	b.channelsMu.RUnlock()
	mc, ok := ch.(channels.MediaChannel)
	if !ok {
		return nil
	}

	var out []llm.Media
	for _, info := range msg.Media {
		if len(out) == maxMediaParts {
			break
		}
		if info == nil || info.Type != channels.MessageImage {
			continue
		}
		data, mime, err := mc.DownloadMedia(ctx, info)
		if err != nil {
			logger.Warn("media download failed", "file", info.Filename, "error", err)
			continue
		}
		out = append(out, llm.Media{MIMEType: mime, Data: data})
	}
	return out
}

// payloads turns an assembled reply into deliveries. Embeds ride on the
// last chunk, overflowing into extra payloads.
func (b *Bot) payloads(ctx context.Context, res respond.Result) []*channels.Payload {
	out := make([]*channels.Payload, 0, len(res.Chunks)+1)
	for _, c := range res.Chunks {
		out = append(out, &channels.Payload{Content: c})
	}

	embeds := b.embeds(ctx, res.Embeds)
	for len(embeds) > 0 {
		n := min(len(embeds), maxEmbedsPerMessage)
		if len(out) > 0 && len(out[len(out)-1].Embeds) == 0 {
			out[len(out)-1].Embeds = embeds[:n]
		} else {
			out = append(out, &channels.Payload{Embeds: embeds[:n]})
		}
		embeds = embeds[n:]
	}
	return out
}

// embeds builds page cards with the page lead as description.
func (b *Bot) embeds(ctx context.Context, ts []titles.Title) []channels.Embed {
	if len(ts) == 0 {
		return nil
	}
	out := make([]channels.Embed, 0, len(ts))
	for _, t := range ts {
		e := channels.Embed{Title: t.String(), URL: b.wiki.PageURL(t.Page, t.Fragment)}
		if lead, ok := b.fetcher.FetchLead(ctx, t.Page); ok && b.cfg.Response.EmbedDescriptionLen > 0 {
			e.Description = transclude.TruncateRunes(lead, b.cfg.Response.EmbedDescriptionLen)
		}
		out = append(out, e)
	}
	return out
}

// deliver sends payloads in order, pacing every chunk after the first.
func (b *Bot) deliver(ctx context.Context, sink channels.Sink, payloads []*channels.Payload) error {
	for i, p := range payloads {
		if i > 0 {
			if ts, ok := sink.(channels.TypingSink); ok {
				_ = ts.Typing(ctx)
			}
			if err := b.sleep(ctx, b.paceDelay(p.Content)); err != nil {
				return err
			}
		}
		if err := sink.Deliver(ctx, p); err != nil {
			return fmt.Errorf("delivering chunk %d/%d: %w", i+1, len(payloads), err)
		}
	}
	return nil
}

// paceDelay is how long a human would take to type chunk.
func (b *Bot) paceDelay(chunk string) time.Duration {
	cps := b.cfg.Response.PaceCharsPerSec
	if cps <= 0 {
		return 0
	}
	d := time.Duration(utf8.RuneCountInString(chunk)) * time.Second / time.Duration(cps)
	if limit := time.Duration(b.cfg.Response.MaxPaceDelayMs) * time.Millisecond; limit > 0 && d > limit {
		d = limit
	}
	return d
}

func (b *Bot) chatLock(chatID string) *sync.Mutex {
	v, _ := b.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func speakerOf(msg *channels.IncomingMessage) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	return msg.From
}

// templateToken wraps a page reference as a template token, dropping
// characters that would break the token grammar.
func templateToken(ref string) string {
	ref = strings.NewReplacer("{", "", "}", "").Replace(ref)
	return "{{" + ref + "}}"
}

func preview(s string) string {
	return transclude.TruncateRunes(s, 50)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
