// Package discord implements the Discord channel for wikiclaw using discordgo.
//
// Features:
//   - Receive guild and direct messages; mentions, replies to the bot, and
//     DMs are marked as addressed
//   - Slash commands (/wiki, /ask, /search) and an "Ask the wiki" message
//     context menu, registered on connect
//   - Per-event output sinks: message replies or deferred interaction edits
//   - Typing indicators and page embeds
//   - Guild and channel allowlists
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RegisterCommands registers the application commands on connect.
	RegisterCommands bool `yaml:"register_commands"`

	// CommandGuild registers commands in one guild only (instant updates).
	// Empty registers them globally.
	CommandGuild string `yaml:"command_guild"`

	// SendTyping sends "typing..." indicators while pacing replies.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RegisterCommands: true,
		SendTyping:       true,
	}
}

// Discord implements channels.Channel and channels.MediaChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// messages is the channel for incoming messages forwarded to the bot.
	messages chan *channels.IncomingMessage

	// connected tracks connection state.
	connected atomic.Bool

	// lastMsg tracks the last message timestamp for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive errors.
	errorCount atomic.Int64

	// httpClient is used for downloading attachments.
	httpClient *http.Client
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------- Channel Interface ----------

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway WebSocket connection and registers the
// application commands.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)
	session.AddHandler(d.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: discord: opening gateway: %v", channels.ErrConnectionFailed, err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)

	if d.cfg.RegisterCommands {
		if err := d.registerCommands(); err != nil {
			// Commands are optional; plain messages keep working.
			d.errorCount.Add(1)
			d.logger.Warn("discord: command registration failed", "error", err)
		}
	}
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("discord: disconnected")
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// BotName returns the bot's username once connected.
func (d *Discord) BotName() string {
	if d.session == nil || d.session.State == nil || d.session.State.User == nil {
		return ""
	}
	return d.session.State.User.Username
}

// ---------- MediaChannel Interface ----------

// DownloadMedia downloads an attachment of an incoming message.
func (d *Discord) DownloadMedia(ctx context.Context, media *channels.MediaInfo) ([]byte, string, error) {
	if media == nil || media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}
	return data, media.MimeType, nil
}

// ---------- Event Handlers ----------

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if !d.allowed(m.GuildID, m.ChannelID) {
		return
	}

	botID := s.State.User.ID
	isGroup := m.GuildID != ""

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  displayName(m.Author, m.Member),
		ChatID:    m.ChannelID,
		IsGroup:   isGroup,
		Addressed: !isGroup || mentions(m.Message, botID),
		Type:      channels.MessageText,
		Content:   stripMention(m.Content, botID),
		Timestamp: m.Timestamp,
		Sink:      newMessageSink(s, m.ChannelID, m.ID, d.cfg.SendTyping),
	}

	if ref := m.ReferencedMessage; ref != nil {
		incoming.ReplyTo = ref.ID
		incoming.QuotedContent = ref.Content
		if ref.Author != nil && ref.Author.ID == botID {
			incoming.Addressed = true
		}
	}

	for _, att := range m.Attachments {
		mediaType := channels.InferMediaType(att.ContentType)
		incoming.Media = append(incoming.Media, &channels.MediaInfo{
			Type:     mediaType,
			URL:      att.URL,
			MimeType: att.ContentType,
			FileSize: uint64(att.Size),
			Filename: att.Filename,
		})
	}
	if len(incoming.Media) > 0 {
		incoming.Type = incoming.Media[0].Type
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)
	d.enqueue(incoming)
}

// onInteractionCreate handles slash commands and the message context menu.
// The interaction is deferred at once to satisfy Discord's 3s limit; the
// reply is delivered later through the interaction sink.
func (d *Discord) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if !d.allowed(i.GuildID, i.ChannelID) {
		respondEphemeral(s, i, "This channel is not enabled.")
		return
	}

	cmd, ok := parseInteraction(i.ApplicationCommandData())
	if !ok {
		respondEphemeral(s, i, "Unknown command.")
		return
	}

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		d.errorCount.Add(1)
		d.logger.Warn("discord: failed to defer interaction", "command", cmd.Name, "error", err)
		return
	}

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	incoming := &channels.IncomingMessage{
		ID:        i.ID,
		Channel:   "discord",
		ChatID:    i.ChannelID,
		IsGroup:   i.GuildID != "",
		Addressed: true,
		Type:      channels.MessageText,
		Content:   cmd.Argument,
		Timestamp: time.Now(),
		Command:   cmd,
		Sink:      newInteractionSink(s, i.Interaction),
	}
	if user != nil {
		incoming.From = user.ID
		incoming.FromName = displayName(user, i.Member)
	}

	d.lastMsg.Store(time.Now())
	d.enqueue(incoming)
}

func (d *Discord) enqueue(msg *channels.IncomingMessage) {
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", msg.ID)
	}
}

func (d *Discord) allowed(guildID, channelID string) bool {
	if len(d.cfg.AllowedGuilds) > 0 && guildID != "" && !contains(d.cfg.AllowedGuilds, guildID) {
		return false
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, channelID) {
		return false
	}
	return true
}

// respondEphemeral sends an ephemeral (visible only to the user) response.
func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// ---------- Helpers ----------

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func mentions(m *discordgo.Message, botID string) bool {
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

// stripMention removes <@id> and <@!id> mentions of the bot.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return strings.TrimSpace(content)
}

func displayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Compile-time interface verification.
var (
	_ channels.Channel      = (*Discord)(nil)
	_ channels.MediaChannel = (*Discord)(nil)
)
