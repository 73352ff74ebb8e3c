package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/bot"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels/discord"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/webui"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `wikiclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot on its messaging channels",
		Long: `Start Wikiclaw as a daemon, connecting to the enabled channels and
answering messages until interrupted.

Examples:
  wikiclaw serve
  wikiclaw serve --channel discord
  wikiclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout)

	// ── Resolve secrets ──
	bot.ResolveAPIKeys(cfg, logger)
	bot.ResolveDiscordToken(cfg)

	// ── Create bot ──
	b, err := newBot(cfg, logger)
	if err != nil {
		return err
	}

	// ── Register channels ──
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	if shouldEnable("discord", channelFilter, true) {
		if cfg.Channels.Discord.Token != "" {
			b.AddChannel(discord.New(cfg.Channels.Discord, logger))
			logger.Info("Discord channel registered")
		} else {
			logger.Warn("Discord channel skipped: no token (run 'wikiclaw config set-discord-token')")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Start Web UI (independent of channels) ──
	var webServer *webui.Server
	if cfg.WebUI.Enabled {
		webServer = webui.New(cfg.WebUI, b, logger)
		if err := webServer.Start(ctx); err != nil {
			logger.Error("failed to start web UI", "error", err)
			webServer = nil
		}
	}

	// ── Start bot ──
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bot: %w", err)
	}

	logger.Info("wikiclaw running, press Ctrl+C to stop", "name", cfg.Name)
	runErr := b.Run(ctx)

	// ── Graceful shutdown ──
	logger.Info("shutting down...")
	done := make(chan struct{})
	go func() {
		b.Stop()
		if webServer != nil {
			webServer.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
		logger.Info("wikiclaw stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out")
	}
	return runErr
}

// resolveConfig loads the config named by --config or the first file
// FindConfigFile discovers, and validates it.
func resolveConfig(cmd *cobra.Command) (*bot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath == "" {
		configPath = bot.FindConfigFile()
	}
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file found, run 'wikiclaw config init' to create one")
	}

	cfg, err := bot.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// newLogger builds the root logger from the logging section. --verbose
// forces debug level.
func newLogger(cmd *cobra.Command, cfg *bot.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newBot wires every component from cfg into a bot.
func newBot(cfg *bot.Config, logger *slog.Logger) (*bot.Bot, error) {
	components, err := bot.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	b, err := bot.New(cfg, components.Deps(), logger)
	if err != nil {
		return nil, fmt.Errorf("creating bot: %w", err)
	}
	return b, nil
}

// shouldEnable checks if a channel should be enabled.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	return slices.Contains(filter, name)
}
