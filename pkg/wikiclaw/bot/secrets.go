package bot

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wikiclaw"

	// KeyringAPIKeys holds the model credentials, comma separated.
	KeyringAPIKeys = "model_api_keys"

	// KeyringDiscordToken holds the Discord bot token.
	KeyringDiscordToken = "discord_token"
)

// Environment variables consulted for secrets.
const (
	EnvAPIKeys      = "WIKICLAW_API_KEYS"
	EnvGeminiKey    = "GEMINI_API_KEY"
	EnvDiscordToken = "DISCORD_TOKEN"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveAPIKeys returns the ordered model credential list from the first
// source that has any: OS keyring, WIKICLAW_API_KEYS, GEMINI_API_KEY, then
// config. Order inside a source is kept. cfg.Model.APIKeys is updated in
// place.
func ResolveAPIKeys(cfg *Config, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}

	sources := []struct {
		name string
		keys []string
	}{
		{"keyring", splitKeys(GetKeyring(KeyringAPIKeys))},
		{"env:" + EnvAPIKeys, splitKeys(os.Getenv(EnvAPIKeys))},
		{"env:" + EnvGeminiKey, splitKeys(os.Getenv(EnvGeminiKey))},
		{"config", cleanKeys(cfg.Model.APIKeys)},
	}
	for _, src := range sources {
		if len(src.keys) == 0 {
			continue
		}
		cfg.Model.APIKeys = src.keys
		logger.Debug("model credentials loaded", "source", src.name, "count", len(src.keys))
		return src.keys
	}

	cfg.Model.APIKeys = nil
	logger.Warn("no model credentials found",
		"hint", fmt.Sprintf("set %s or store them with: wikiclaw config set-keys", EnvAPIKeys))
	return nil
}

// ResolveDiscordToken fills an empty Discord token from the keyring or
// DISCORD_TOKEN.
func ResolveDiscordToken(cfg *Config) {
	if cfg.Channels.Discord.Token != "" && !strings.HasPrefix(cfg.Channels.Discord.Token, "$") {
		return
	}
	if val := GetKeyring(KeyringDiscordToken); val != "" {
		cfg.Channels.Discord.Token = val
		return
	}
	if val := os.Getenv(EnvDiscordToken); val != "" {
		cfg.Channels.Discord.Token = val
		return
	}
	cfg.Channels.Discord.Token = ""
}

func splitKeys(s string) []string {
	return cleanKeys(strings.Split(s, ","))
}

// cleanKeys trims keys and drops empty entries and unexpanded references.
func cleanKeys(in []string) []string {
	var out []string
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" || strings.HasPrefix(k, "$") {
			continue
		}
		out = append(out, k)
	}
	return out
}
