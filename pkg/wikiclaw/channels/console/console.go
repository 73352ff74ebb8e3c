// Package console implements a local REPL channel. Every line typed is an
// addressed message; "/wiki", "/ask", and "/search" lines are commands.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

// ChatID is the conversation id of the console session.
const ChatID = "console"

// Config holds console channel configuration.
type Config struct {
	Prompt      string
	User        string
	HistoryFile string
	Stdin       io.ReadCloser
	Stdout      io.Writer
}

// Console implements channels.Channel over a readline session.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl        *readline.Instance
	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	seq       atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	if cfg.User == "" {
		cfg.User = "you"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("%w: console: %v", channels.ErrConnectionFailed, err)
	}
	c.rl = rl
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.messages)
	defer c.connected.Store(false)

	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		msg := c.message(line)
		c.lastMsg.Store(msg.Timestamp)
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *Console) message(line string) *channels.IncomingMessage {
	msg := &channels.IncomingMessage{
		ID:        strconv.FormatInt(c.seq.Add(1), 10),
		Channel:   "console",
		From:      c.cfg.User,
		FromName:  c.cfg.User,
		ChatID:    ChatID,
		Addressed: true,
		Type:      channels.MessageText,
		Content:   line,
		Timestamp: time.Now(),
		Sink:      NewSink(c.stdout()),
	}
	if cmd, ok := channels.ParseCommand(line); ok {
		msg.Command = cmd
		msg.Content = cmd.Argument
	}
	return msg
}

func (c *Console) stdout() io.Writer {
	if c.rl != nil {
		return c.rl.Stdout()
	}
	return c.cfg.Stdout
}

// Disconnect stops the REPL.
func (c *Console) Disconnect() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.connected.Store(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Receive returns the incoming messages channel. It is closed when input ends.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected returns true while the REPL is reading.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

// Sink prints deliveries to a writer.
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewSink creates a sink writing to out.
func NewSink(out io.Writer) *Sink {
	return &Sink{out: out}
}

// Deliver prints the payload content followed by its embeds.
func (s *Sink) Deliver(_ context.Context, p *channels.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if p.Content != "" {
		sb.WriteString(p.Content)
		sb.WriteString("\n")
	}
	for _, e := range p.Embeds {
		fmt.Fprintf(&sb, "[%s] <%s>\n", e.Title, e.URL)
		if e.Description != "" {
			sb.WriteString(e.Description)
			sb.WriteString("\n")
		}
	}
	_, err := io.WriteString(s.out, sb.String())
	return err
}

var (
	_ channels.Channel = (*Console)(nil)
	_ channels.Sink    = (*Sink)(nil)
)
