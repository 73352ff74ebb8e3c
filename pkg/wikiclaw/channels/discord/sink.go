package discord

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

const embedColor = 0x3366cc

// messageSink replies to the triggering message with the first delivery and
// sends later deliveries as plain channel messages.
type messageSink struct {
	session   *discordgo.Session
	channelID string
	replyTo   string
	typing    bool

	mu   sync.Mutex
	sent int
}

func newMessageSink(s *discordgo.Session, channelID, replyTo string, typing bool) *messageSink {
	return &messageSink{session: s, channelID: channelID, replyTo: replyTo, typing: typing}
}

// Deliver sends one payload.
func (m *messageSink) Deliver(_ context.Context, p *channels.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	send := &discordgo.MessageSend{
		Content: p.Content,
		Embeds:  toEmbeds(p.Embeds),
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
		},
	}
	if m.sent == 0 && m.replyTo != "" {
		send.Reference = &discordgo.MessageReference{MessageID: m.replyTo, ChannelID: m.channelID}
	}
	if _, err := m.session.ChannelMessageSendComplex(m.channelID, send); err != nil {
		return err
	}
	m.sent++
	return nil
}

// Typing shows the typing indicator in the channel.
func (m *messageSink) Typing(_ context.Context) error {
	if !m.typing {
		return nil
	}
	return m.session.ChannelTyping(m.channelID)
}

// interactionSink edits the deferred interaction response with the first
// delivery and posts later deliveries as follow-up messages.
type interactionSink struct {
	session     *discordgo.Session
	interaction *discordgo.Interaction

	mu        sync.Mutex
	sent      int
	dismissed bool
}

func newInteractionSink(s *discordgo.Session, i *discordgo.Interaction) *interactionSink {
	return &interactionSink{session: s, interaction: i}
}

// Deliver sends one payload.
func (it *interactionSink) Deliver(_ context.Context, p *channels.Payload) error {
	it.mu.Lock()
	defer it.mu.Unlock()

	embeds := toEmbeds(p.Embeds)
	if it.sent == 0 {
		content := p.Content
		edit := &discordgo.WebhookEdit{Content: &content}
		if len(embeds) > 0 {
			edit.Embeds = &embeds
		}
		if _, err := it.session.InteractionResponseEdit(it.interaction, edit); err != nil {
			return err
		}
	} else {
		if _, err := it.session.FollowupMessageCreate(it.interaction, true, &discordgo.WebhookParams{
			Content: p.Content,
			Embeds:  embeds,
		}); err != nil {
			return err
		}
	}
	it.sent++
	return nil
}

// Dismiss deletes the deferred response when nothing was delivered, so the
// user is not left with a pending "thinking" state.
func (it *interactionSink) Dismiss(_ context.Context) error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.sent > 0 || it.dismissed {
		return nil
	}
	if err := it.session.InteractionResponseDelete(it.interaction); err != nil {
		return err
	}
	it.dismissed = true
	return nil
}

func toEmbeds(in []channels.Embed) []*discordgo.MessageEmbed {
	if len(in) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(in))
	for _, e := range in {
		out = append(out, &discordgo.MessageEmbed{
			Title:       e.Title,
			URL:         e.URL,
			Description: e.Description,
			Color:       embedColor,
		})
	}
	return out
}

var (
	_ channels.TypingSink  = (*messageSink)(nil)
	_ channels.DismissSink = (*interactionSink)(nil)
)
