package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels/discord"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/llm"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/memory"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/respond"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/transclude"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/webui"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/wiki"
)

// Config holds all bot configuration.
type Config struct {
	// Name is the bot's display identity. Memory turns spoken under this
	// name are replayed as assistant turns.
	Name string `yaml:"name"`

	// Instructions is the system instruction sent with every model request.
	Instructions string `yaml:"instructions"`

	// Wiki configures the wiki API client and title index.
	Wiki wiki.Config `yaml:"wiki"`

	// Model configures the generative model.
	Model ModelConfig `yaml:"model"`

	// Memory configures the per-channel conversation log.
	Memory MemoryConfig `yaml:"memory"`

	// Response configures reply assembly and pacing.
	Response ResponseConfig `yaml:"response"`

	// Followup configures deferred replies to messages not addressed to the bot.
	Followup FollowupConfig `yaml:"followup"`

	// Channels configures the chat platforms.
	Channels ChannelsConfig `yaml:"channels"`

	// WebUI configures the health page.
	WebUI webui.Config `yaml:"webui"`

	// Logging configures the root logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the model backend.
type ModelConfig struct {
	// Name is the model identifier (default: gemini-2.0-flash).
	Name string `yaml:"name"`

	// MaxOutputTokens bounds generated length.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// APIKeys is the ordered credential list; order is failover priority.
	// Keyring and environment sources take precedence (see ResolveAPIKeys).
	APIKeys []string `yaml:"api_keys"`
}

// MemoryConfig configures conversation memory.
type MemoryConfig struct {
	// Path is the JSON file holding every channel's log.
	Path string `yaml:"path"`

	// MaxTurns is the in-memory window per channel.
	MaxTurns int `yaml:"max_turns"`

	// PersistTurns caps the array written to disk per channel.
	PersistTurns int `yaml:"persist_turns"`
}

// ResponseConfig configures how replies are built and paced.
type ResponseConfig struct {
	// MaxChunkLen is the platform's per-message limit.
	MaxChunkLen int `yaml:"max_chunk_len"`

	// SafetyMargin is how far before the limit cut points are searched.
	SafetyMargin int `yaml:"safety_margin"`

	// TemplateBudget caps transcluded page content, in runes.
	TemplateBudget int `yaml:"template_budget"`

	// MaxConcurrency bounds concurrent token resolutions (0 = unbounded).
	MaxConcurrency int `yaml:"max_concurrency"`

	// PaceCharsPerSec sets the simulated typing speed between chunks
	// (0 disables pacing).
	PaceCharsPerSec int `yaml:"pace_chars_per_sec"`

	// MaxPaceDelayMs caps the wait before a single chunk.
	MaxPaceDelayMs int `yaml:"max_pace_delay_ms"`

	// EmbedDescriptionLen caps the lead text shown in page embeds, in runes.
	EmbedDescriptionLen int `yaml:"embed_description_len"`
}

// FollowupConfig configures deferred replies.
type FollowupConfig struct {
	// Enabled turns follow-ups on.
	Enabled bool `yaml:"enabled"`

	// DelayMs is how long a channel must stay quiet before the bot chimes in.
	DelayMs int `yaml:"delay_ms"`

	// Channels lists the chat IDs where follow-ups are allowed.
	Channels []string `yaml:"channels"`
}

// ChannelsConfig configures chat platforms.
type ChannelsConfig struct {
	Discord discord.Config `yaml:"discord"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:         "Wikiclaw",
		Instructions: defaultInstructions,
		Wiki:         wiki.DefaultConfig(),
		Model: ModelConfig{
			Name:            llm.DefaultModel,
			MaxOutputTokens: 1024,
		},
		Memory: MemoryConfig{
			Path:         "./data/memory.json",
			MaxTurns:     memory.DefaultMaxTurns,
			PersistTurns: memory.DefaultPersistTurns,
		},
		Response: ResponseConfig{
			MaxChunkLen:         respond.DefaultMaxChunkLen,
			SafetyMargin:        respond.DefaultSafetyMargin,
			TemplateBudget:      transclude.DefaultTemplateBudget,
			PaceCharsPerSec:     60,
			MaxPaceDelayMs:      3000,
			EmbedDescriptionLen: 300,
		},
		Followup: FollowupConfig{
			DelayMs: 15000,
		},
		Channels: ChannelsConfig{
			Discord: discord.DefaultConfig(),
		},
		WebUI: webui.Config{
			Address: ":8090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

const defaultInstructions = `You are a helpful assistant for a wiki community.
Answer using the wiki's information and keep replies short enough for chat.
Write [[Page]] to link a page and {{Page}} to quote its summary.
Write [PAGE_EMBED: Page] to attach a page card.
Wrap each separate chat message in [START_MESSAGE] and [END_MESSAGE].
Reply with [TERMINATE_MESSAGE] alone when no reply is needed.`

// Validate checks the configuration for missing required values.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Wiki.APIURL == "" {
		errs = append(errs, errors.New("wiki.api_url is required"))
	}
	if c.Response.MaxChunkLen < 0 || c.Response.SafetyMargin < 0 {
		errs = append(errs, errors.New("response limits must not be negative"))
	}
	if c.Response.MaxChunkLen > 0 && c.Response.SafetyMargin >= c.Response.MaxChunkLen {
		errs = append(errs, fmt.Errorf("response.safety_margin (%d) must be below max_chunk_len (%d)",
			c.Response.SafetyMargin, c.Response.MaxChunkLen))
	}
	if c.Followup.Enabled && c.Followup.DelayMs <= 0 {
		errs = append(errs, errors.New("followup.delay_ms must be positive when follow-ups are enabled"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or text", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
