package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/bot"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates `wikiclaw config` for managing configuration and
// stored credentials.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
		Long: `Manage the Wikiclaw configuration file and the credentials kept in
the OS keyring.

Examples:
  wikiclaw config init --api-url https://wiki.example.org/api.php --page-url https://wiki.example.org/wiki/
  wikiclaw config show
  wikiclaw config set-keys
  wikiclaw config set-discord-token`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeysCmd(),
		newConfigSetDiscordTokenCmd(),
		newConfigDeleteCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := bot.DefaultConfig()
			cfg.Wiki.APIURL, _ = cmd.Flags().GetString("api-url")
			cfg.Wiki.PageURL, _ = cmd.Flags().GetString("page-url")
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				cfg.Name = name
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			if cfg.Wiki.APIURL == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Set wiki.api_url before starting the bot.")
			}
			return nil
		},
	}
	cmd.Flags().String("api-url", "", "wiki api.php endpoint")
	cmd.Flags().String("page-url", "", "wiki article path prefix")
	cmd.Flags().String("name", "", "bot display name")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return writeMaskedConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

// writeMaskedConfig prints cfg as YAML with credentials masked.
func writeMaskedConfig(w io.Writer, cfg *bot.Config) error {
	masked := *cfg
	masked.Model.APIKeys = make([]string, len(cfg.Model.APIKeys))
	for i, k := range cfg.Model.APIKeys {
		masked.Model.APIKeys[i] = maskSecret(k)
	}
	masked.Channels.Discord.Token = maskSecret(cfg.Channels.Discord.Token)
	masked.WebUI.AuthToken = maskSecret(cfg.WebUI.AuthToken)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

// maskSecret keeps the last four characters of long values. Environment
// references are printed as-is.
func maskSecret(s string) string {
	switch {
	case s == "", strings.HasPrefix(s, "$"):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return "****" + s[len(s)-4:]
	}
}

func newConfigSetKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-keys [key...]",
		Short: "Store model API keys in the OS keyring",
		Long: `Store the ordered model credential list in the OS keyring. The order
is the failover priority. Without arguments the keys are read from a
hidden prompt as a comma-separated list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.Join(args, ",")
			if value == "" {
				secret, err := readline.Password("API keys (comma-separated): ")
				if err != nil {
					return fmt.Errorf("reading keys: %w", err)
				}
				value = string(secret)
			}
			keys := splitList(value)
			if len(keys) == 0 {
				return errors.New("no keys given")
			}
			if err := bot.StoreKeyring(bot.KeyringAPIKeys, strings.Join(keys, ",")); err != nil {
				return fmt.Errorf("storing keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d key(s) in the OS keyring.\n", len(keys))
			return nil
		},
	}
}

func newConfigSetDiscordTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-discord-token [token]",
		Short: "Store the Discord bot token in the OS keyring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				secret, err := readline.Password("Discord bot token: ")
				if err != nil {
					return fmt.Errorf("reading token: %w", err)
				}
				token = string(secret)
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("no token given")
			}
			if err := bot.StoreKeyring(bot.KeyringDiscordToken, token); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stored the Discord token in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-secrets",
		Short: "Remove stored credentials from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var errs []error
			for _, key := range []string{bot.KeyringAPIKeys, bot.KeyringDiscordToken} {
				if bot.GetKeyring(key) == "" {
					continue
				}
				if err := bot.DeleteKeyring(key); err != nil {
					errs = append(errs, fmt.Errorf("deleting %s: %w", key, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", key)
			}
			return errors.Join(errs...)
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
