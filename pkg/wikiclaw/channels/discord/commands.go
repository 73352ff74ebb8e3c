package discord

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

// AskMenuName is the message context menu entry.
const AskMenuName = "Ask the wiki"

// applicationCommands are registered on connect.
func applicationCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        channels.CommandWiki,
			Description: "Show a wiki page",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "page",
				Description: "Page title, optionally with #Section",
				Required:    true,
			}},
		},
		{
			Name:        channels.CommandAsk,
			Description: "Ask a question about the wiki",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "question",
				Description: "Your question",
				Required:    true,
			}},
		},
		{
			Name:        channels.CommandSearch,
			Description: "Search the wiki",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "query",
				Description: "Search terms",
				Required:    true,
			}},
		},
		{
			Name: AskMenuName,
			Type: discordgo.MessageApplicationCommand,
		},
	}
}

// registerCommands replaces the application's commands with ours.
func (d *Discord) registerCommands() error {
	appID := d.session.State.User.ID
	cmds, err := d.session.ApplicationCommandBulkOverwrite(appID, d.cfg.CommandGuild, applicationCommands())
	if err != nil {
		return fmt.Errorf("discord: registering commands: %w", err)
	}
	d.logger.Info("discord: commands registered", "count", len(cmds), "guild", d.cfg.CommandGuild)
	return nil
}

// parseInteraction maps an application command invocation to a Command.
// The context menu becomes an "ask" on the target message's text.
func parseInteraction(data discordgo.ApplicationCommandInteractionData) (*channels.Command, bool) {
	if data.CommandType == discordgo.MessageApplicationCommand {
		if data.Name != AskMenuName || data.Resolved == nil {
			return nil, false
		}
		target, ok := data.Resolved.Messages[data.TargetID]
		if !ok || target == nil || strings.TrimSpace(target.Content) == "" {
			return nil, false
		}
		return &channels.Command{Name: channels.CommandAsk, Argument: target.Content}, true
	}

	switch data.Name {
	case channels.CommandWiki, channels.CommandAsk, channels.CommandSearch:
	default:
		return nil, false
	}
	arg := ""
	for _, opt := range data.Options {
		if opt != nil && opt.Type == discordgo.ApplicationCommandOptionString {
			arg = strings.TrimSpace(opt.StringValue())
			break
		}
	}
	if arg == "" {
		return nil, false
	}
	return &channels.Command{Name: data.Name, Argument: arg}, true
}
