package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"chat-relay/internal/usecase"
)

const (
	msgServerOnly     = "❌ This command only works in a server."
	msgAdminOnly      = "❌ You need admin permissions to use this command."
	msgUnknownCommand = "Unknown command. Try `!help` to see available commands."
)

const helpText = "**Commands:**\n\n" +
	"• `!help` - Show this message\n" +
	"• `!stats` - Conversation stats for this channel\n" +
	"• `!clear` - Forget this channel's conversation\n" +
	"• `!undo` - Remove the last question and answer\n" +
	"• `!resetstats` - Reset this channel's stats\n\n" +
	"**Server admins:**\n\n" +
	"• `!settings` - Show this server's settings\n" +
	"• `!prompt <text>` - Set the system prompt (`!prompt` alone restores the default)\n" +
	"• `!temperature <0.0-2.0>` - Set the sampling temperature\n" +
	"• `!maxtokens <n|-1>` - Limit the answer length (-1 for unlimited)\n" +
	"• `!search on|off` - Toggle web search\n" +
	"• `!thinking on|off` - Toggle hiding of reasoning blocks\n" +
	"• `!monitor` / `!unmonitor` - Answer every message in this channel\n" +
	"• `!resetsettings` - Restore the defaults"

// commandScope says who may run a command.
type commandScope int

const (
	scopeAnyone commandScope = iota
	// scopeSession commands change the shared channel conversation: anyone in
	// a DM, admins in a server.
	scopeSession
	// scopeGuildAdmin commands change server settings.
	scopeGuildAdmin
)

var commandScopes = map[string]commandScope{
	"help":          scopeAnyone,
	"stats":         scopeAnyone,
	"clear":         scopeSession,
	"undo":          scopeSession,
	"resetstats":    scopeSession,
	"settings":      scopeGuildAdmin,
	"prompt":        scopeGuildAdmin,
	"temperature":   scopeGuildAdmin,
	"maxtokens":     scopeGuildAdmin,
	"search":        scopeGuildAdmin,
	"thinking":      scopeGuildAdmin,
	"monitor":       scopeGuildAdmin,
	"unmonitor":     scopeGuildAdmin,
	"resetsettings": scopeGuildAdmin,
}

// commandContext carries who ran a command and where.
type commandContext struct {
	SessionID string
	GuildID   string
	ChannelID string
	ActorID   string
	IsAdmin   bool
}

// parseCommand splits "!name args" into a lower-cased name and the
// remaining text.
func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, commandPrefix) {
		return "", "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, commandPrefix))
	if body == "" {
		return "", "", false
	}
	name, args, _ = strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// authorize returns a refusal message, or "" when the command may run.
func authorize(name string, cc commandContext) string {
	switch commandScopes[name] {
	case scopeSession:
		if cc.GuildID != "" && !cc.IsAdmin {
			return msgAdminOnly
		}
	case scopeGuildAdmin:
		if cc.GuildID == "" {
			return msgServerOnly
		}
		if !cc.IsAdmin {
			return msgAdminOnly
		}
	}
	return ""
}

// runCommand executes one command and returns the reply.
func runCommand(ctx context.Context, admin *usecase.Admin, cc commandContext, name, args string) string {
	if _, known := commandScopes[name]; !known {
		return msgUnknownCommand
	}
	if refusal := authorize(name, cc); refusal != "" {
		return refusal
	}

	switch name {
	case "help":
		return helpText
	case "stats":
		return admin.StatsSummary(cc.SessionID).String()
	case "clear":
		if err := admin.ClearHistory(ctx, cc.SessionID); err != nil {
			return usecase.UserMessage(err)
		}
		return "🧹 Conversation cleared."
	case "undo":
		n, err := admin.UndoLastExchange(cc.SessionID)
		if err != nil {
			return usecase.UserMessage(err)
		}
		return fmt.Sprintf("↩️ Removed %d message(s).", n)
	case "resetstats":
		if err := admin.ResetStats(ctx, cc.SessionID); err != nil {
			return usecase.UserMessage(err)
		}
		return "📊 Stats reset."
	case "settings":
		return renderSettings(admin, cc.GuildID)
	case "prompt":
		if err := admin.SetSystemPrompt(cc.GuildID, cc.ActorID, args); err != nil {
			return usecase.UserMessage(err)
		}
		if args == "" {
			return "✅ System prompt restored to the default."
		}
		return "✅ System prompt updated."
	case "temperature":
		v, err := strconv.ParseFloat(args, 64)
		if err != nil {
			return "❌ Usage: `!temperature <0.0-2.0>`"
		}
		if err := admin.SetTemperature(cc.GuildID, v); err != nil {
			return usecase.UserMessage(err)
		}
		return fmt.Sprintf("✅ Temperature set to %.2f.", v)
	case "maxtokens":
		n, err := strconv.Atoi(args)
		if err != nil {
			return "❌ Usage: `!maxtokens <n|-1>`"
		}
		if err := admin.SetMaxTokens(cc.GuildID, n); err != nil {
			return usecase.UserMessage(err)
		}
		return fmt.Sprintf("✅ Max tokens set to %s.", tokensLabel(n))
	case "search", "thinking":
		on, ok := parseToggle(args)
		if !ok {
			return fmt.Sprintf("❌ Usage: `!%s on|off`", name)
		}
		set, label := admin.SetSearchEnabled, "Web search"
		if name == "thinking" {
			set, label = admin.SetFilterThinking, "Reasoning filter"
		}
		if err := set(cc.GuildID, on); err != nil {
			return usecase.UserMessage(err)
		}
		return fmt.Sprintf("✅ %s %s.", label, onOff(on))
	case "monitor":
		if err := admin.AllowChannel(cc.GuildID, cc.ChannelID); err != nil {
			return usecase.UserMessage(err)
		}
		return "👀 I'll answer every message in this channel."
	case "unmonitor":
		if err := admin.DisallowChannel(cc.GuildID, cc.ChannelID); err != nil {
			return usecase.UserMessage(err)
		}
		return "🙈 I'll only answer mentions in this channel."
	case "resetsettings":
		if err := admin.ResetSettings(cc.GuildID, cc.ActorID); err != nil {
			return usecase.UserMessage(err)
		}
		return "✅ Settings restored to the defaults."
	}
	return msgUnknownCommand
}

func renderSettings(admin *usecase.Admin, guildID string) string {
	eff, raw := admin.Settings(guildID)
	prompt := eff.SystemPrompt
	if raw.SystemPrompt == "" {
		prompt += " (default)"
	}
	if len([]rune(prompt)) > 200 {
		prompt = string([]rune(prompt)[:200]) + "…"
	}
	channels := "none"
	if len(raw.AllowedChannels) > 0 {
		mentions := make([]string, 0, len(raw.AllowedChannels))
		for _, id := range raw.AllowedChannels {
			mentions = append(mentions, "<#"+id+">")
		}
		channels = strings.Join(mentions, ", ")
	}
	var b strings.Builder
	b.WriteString("⚙️ **Server settings**\n")
	fmt.Fprintf(&b, "System prompt: %s\n", prompt)
	fmt.Fprintf(&b, "Temperature: %.2f\n", eff.Temperature)
	fmt.Fprintf(&b, "Max tokens: %s\n", tokensLabel(eff.MaxTokens))
	fmt.Fprintf(&b, "Web search: %s\n", onOff(eff.SearchEnabled))
	fmt.Fprintf(&b, "Reasoning filter: %s\n", onOff(eff.FilterThinking))
	fmt.Fprintf(&b, "Monitored channels: %s", channels)
	return b.String()
}

func parseToggle(s string) (on, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "enable", "enabled":
		return true, true
	case "off", "false", "no", "disable", "disabled":
		return false, true
	}
	return false, false
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func tokensLabel(n int) string {
	if n < 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

// handleCommand runs a "!" command and replies in the channel.
func (b *Bot) handleCommand(s *discordgo.Session, m *discordgo.MessageCreate, name, args string) {
	cc := commandContext{
		SessionID: m.ChannelID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		ActorID:   m.Author.ID,
	}
	if commandScopes[name] != scopeAnyone && m.GuildID != "" {
		cc.IsAdmin = b.isAdmin(s, m)
	}
	reply := runCommand(b.ctx, b.admin, cc, name, args)
	if reply == msgAdminOnly {
		b.logger.Warn("admin command denied", "command", name, "user", m.Author.ID, "guild", m.GuildID)
	}
	if _, err := s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference()); err != nil {
		b.logger.Error("failed to send command reply", "command", name, "channel", m.ChannelID, "err", err)
	}
}

// isAdmin applies the permission hierarchy: bot owners, then members holding
// the bot admin role, then members with Administrator or Manage Server.
func (b *Bot) isAdmin(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	if b.cfg.IsOwner != nil && b.cfg.IsOwner(m.Author.ID) {
		return true
	}
	if m.Member != nil && b.cfg.AdminRoleName != "" {
		for _, roleID := range m.Member.Roles {
			role, err := s.State.Role(m.GuildID, roleID)
			if err == nil && role.Name == b.cfg.AdminRoleName {
				return true
			}
		}
	}
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		b.logger.Warn("permission lookup failed", "user", m.Author.ID, "channel", m.ChannelID, "err", err)
		return false
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}
