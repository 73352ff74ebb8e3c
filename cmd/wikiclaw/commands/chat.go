package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/bot"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels/console"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `wikiclaw chat` interactive session.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot in the terminal",
		Long: `Start an interactive session that runs every line through the same
pipeline as the messaging channels. Type /wiki, /ask, or /search for
commands and /quit to leave.

Examples:
  wikiclaw chat
  wikiclaw chat --preload=false`,
		RunE: runChat,
	}

	cmd.Flags().Bool("preload", true, "preload the title index before reading input")
	cmd.Flags().String("user", "", "name to speak as (default: $USER)")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Logs go to stderr so they do not interleave with replies.
	logger := newLogger(cmd, cfg, os.Stderr)
	bot.ResolveAPIKeys(cfg, logger)

	b, err := newBot(cfg, logger)
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv("USER")
	}
	b.AddChannel(console.New(console.Config{
		Prompt:      "you> ",
		User:        user,
		HistoryFile: historyFile(),
	}, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if preload, _ := cmd.Flags().GetBool("preload"); preload {
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("starting bot: %w", err)
		}
	}
	defer b.Stop()

	fmt.Printf("%s is listening. Type /quit to leave.\n", cfg.Name)
	return b.Run(ctx)
}

// newAskCmd creates the `wikiclaw ask` one-shot command.
func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Long: `Run a single message through the full pipeline and print the reply.
Commands work too.

Examples:
  wikiclaw ask "where is the boss rush entrance?"
  wikiclaw ask "/wiki Tower Map"
  wikiclaw ask "/search boss"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAsk,
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	bot.ResolveAPIKeys(cfg, logger)

	b, err := newBot(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b.HandleMessage(ctx, oneShotMessage(strings.Join(args, " "), cmd.OutOrStdout()))
	return ctx.Err()
}

// oneShotMessage builds an addressed console message printing to out.
func oneShotMessage(text string, out io.Writer) *channels.IncomingMessage {
	user := os.Getenv("USER")
	if user == "" {
		user = "you"
	}
	now := time.Now()
	msg := &channels.IncomingMessage{
		ID:        strconv.FormatInt(now.UnixNano(), 10),
		Channel:   "console",
		From:      user,
		FromName:  user,
		ChatID:    console.ChatID,
		Addressed: true,
		Type:      channels.MessageText,
		Content:   text,
		Timestamp: now,
		Sink:      console.NewSink(out),
	}
	if c, ok := channels.ParseCommand(text); ok {
		msg.Command = c
		msg.Content = c.Argument
	}
	return msg
}

// historyFile returns the readline history path, or "" when there is no
// home directory.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".wikiclaw_history")
}
