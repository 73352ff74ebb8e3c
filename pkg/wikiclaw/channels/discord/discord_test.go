package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/wikiclaw/pkg/wikiclaw/channels"
)

func TestParseInteraction_Slash(t *testing.T) {
	t.Parallel()

	data := discordgo.ApplicationCommandInteractionData{
		Name:        "wiki",
		CommandType: discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{{
			Name:  "page",
			Type:  discordgo.ApplicationCommandOptionString,
			Value: "  Tower Map#Floors ",
		}},
	}
	cmd, ok := parseInteraction(data)
	if !ok || cmd.Name != channels.CommandWiki || cmd.Argument != "Tower Map#Floors" {
		t.Errorf("got %+v, %v", cmd, ok)
	}
}

func TestParseInteraction_ContextMenu(t *testing.T) {
	t.Parallel()

	data := discordgo.ApplicationCommandInteractionData{
		Name:        AskMenuName,
		CommandType: discordgo.MessageApplicationCommand,
		TargetID:    "m1",
		Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
			Messages: map[string]*discordgo.Message{
				"m1": {ID: "m1", Content: "what drops the key?"},
			},
		},
	}
	cmd, ok := parseInteraction(data)
	if !ok || cmd.Name != channels.CommandAsk || cmd.Argument != "what drops the key?" {
		t.Errorf("got %+v, %v", cmd, ok)
	}

	data.TargetID = "missing"
	if _, ok := parseInteraction(data); ok {
		t.Error("expected failure for unresolved target")
	}
}

func TestParseInteraction_Rejects(t *testing.T) {
	t.Parallel()

	tests := []discordgo.ApplicationCommandInteractionData{
		{Name: "other", CommandType: discordgo.ChatApplicationCommand},
		{Name: "ask", CommandType: discordgo.ChatApplicationCommand},
		{Name: "Something Else", CommandType: discordgo.MessageApplicationCommand},
	}
	for _, data := range tests {
		if cmd, ok := parseInteraction(data); ok {
			t.Errorf("parseInteraction(%q) = %+v", data.Name, cmd)
		}
	}
}

func TestApplicationCommands(t *testing.T) {
	t.Parallel()

	names := map[string]bool{}
	for _, c := range applicationCommands() {
		names[c.Name] = true
		if c.Type == discordgo.ChatApplicationCommand && len(c.Options) != 1 {
			t.Errorf("%s should take one option", c.Name)
		}
	}
	for _, want := range []string{"wiki", "ask", "search", AskMenuName} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}

func TestStripMention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"<@123> where is the key?", "where is the key?"},
		{"hey <@!123>, help", "hey , help"},
		{"<@999> not me", "<@999> not me"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in, "123"); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMentions(t *testing.T) {
	t.Parallel()

	m := &discordgo.Message{Mentions: []*discordgo.User{{ID: "1"}, {ID: "123"}}}
	if !mentions(m, "123") {
		t.Error("expected mention")
	}
	if mentions(m, "456") {
		t.Error("unexpected mention")
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	d := New(Config{AllowedGuilds: []string{"g1"}, AllowedChannels: []string{"c1"}}, nil)
	tests := []struct {
		guild, channel string
		want           bool
	}{
		{"g1", "c1", true},
		{"g2", "c1", false},
		{"g1", "c2", false},
		{"", "c1", true},
	}
	for _, tt := range tests {
		if got := d.allowed(tt.guild, tt.channel); got != tt.want {
			t.Errorf("allowed(%q, %q) = %v", tt.guild, tt.channel, got)
		}
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	u := &discordgo.User{Username: "alice99", GlobalName: "Alice"}
	if got := displayName(u, nil); got != "Alice" {
		t.Errorf("got %q", got)
	}
	if got := displayName(u, &discordgo.Member{Nick: "Al"}); got != "Al" {
		t.Errorf("got %q", got)
	}
	if got := displayName(&discordgo.User{Username: "bob"}, nil); got != "bob" {
		t.Errorf("got %q", got)
	}
}

func TestToEmbeds(t *testing.T) {
	t.Parallel()

	if toEmbeds(nil) != nil {
		t.Error("expected nil")
	}
	out := toEmbeds([]channels.Embed{{Title: "Tower Map", URL: "https://w/Tower_Map", Description: "ten floors"}})
	if len(out) != 1 || out[0].Title != "Tower Map" || out[0].URL != "https://w/Tower_Map" || out[0].Color != embedColor {
		t.Errorf("got %+v", out)
	}
}
