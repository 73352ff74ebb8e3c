// Package channels defines the interfaces and types for wikiclaw chat
// channels. Each channel (Discord, the local console) implements the Channel
// interface to receive messages in a unified way, and attaches an output Sink
// to every incoming message that replies go through.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel defines the interface that every chat channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel can download attachments of incoming messages.
type MediaChannel interface {
	Channel

	// DownloadMedia returns the raw bytes and MIME type of an attachment.
	DownloadMedia(ctx context.Context, media *MediaInfo) ([]byte, string, error)
}

// Sink is the single reply target of one incoming event. It is chosen by
// the channel when the event arrives; the first delivery may differ from
// later ones (a reply, then plain sends; an edited deferral, then
// follow-ups).
type Sink interface {
	Deliver(ctx context.Context, p *Payload) error
}

// TypingSink is a Sink that can show a typing indicator.
type TypingSink interface {
	Sink
	Typing(ctx context.Context) error
}

// DismissSink is a Sink holding a placeholder (such as a deferred
// interaction) that must be cleared when the event gets no reply.
type DismissSink interface {
	Sink
	Dismiss(ctx context.Context) error
}

// Payload is one outgoing message.
type Payload struct {
	Content string
	Embeds  []Embed
}

// Embed is a page card rendered next to a message.
type Embed struct {
	Title       string
	URL         string
	Description string
}

// Command is an explicit command invocation (slash command, context menu,
// or a "/name arg" line on the console).
type Command struct {
	Name     string
	Argument string
}

// Command names understood by the bot.
const (
	CommandWiki   = "wiki"
	CommandAsk    = "ask"
	CommandSearch = "search"
)

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name.
	FromName string

	// ChatID is the conversation identifier; memory is kept per ChatID.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Addressed is true when the message is directed at the bot: a direct
	// message, a mention, a reply to the bot, or a command.
	Addressed bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ReplyTo contains the ID of the message being replied to.
	ReplyTo string

	// QuotedContent is the text of the quoted message (if replying).
	QuotedContent string

	// Media lists attachments.
	Media []*MediaInfo

	// Command is set for explicit command invocations.
	Command *Command

	// Sink receives the replies to this message.
	Sink Sink
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64
	URL      string
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
)

// ParseCommand recognizes "/name argument" lines for the known commands.
func ParseCommand(text string) (*Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	name, arg, _ := strings.Cut(text[1:], " ")
	name = strings.ToLower(name)
	switch name {
	case CommandWiki, CommandAsk, CommandSearch:
		return &Command{Name: name, Argument: strings.TrimSpace(arg)}, true
	}
	return nil, false
}

// InferMediaType maps MIME types to message types.
func InferMediaType(contentType string) MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return MessageVideo
	default:
		return MessageDocument
	}
}
