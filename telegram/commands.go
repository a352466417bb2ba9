package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// onText routes a text message: leading "/" means command, anything else gets
// the usage hint.
func (b *Bot) onText(msg *tgbotapi.Message) {
	slog.Info("received text", slog.String("from", senderName(msg.From)), slog.String("text", msg.Text))

	if !strings.HasPrefix(msg.Text, "/") || len(msg.Text) < 2 {
		b.SendMessage(msg.Chat.ID, "Just send me photos or images or type /help for a list of commands", 0)
		return
	}

	fields := strings.Fields(msg.Text[1:])
	name, args := fields[0], fields[1:]
	// Commands may be addressed as /cmd@botname in group chats.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		if !strings.EqualFold(name[at+1:], b.self) {
			return
		}
		name = name[:at]
	}

	cmd, ok := b.commands[strings.ToLower(name)]
	if !ok {
		b.SendMessage(msg.Chat.ID, "Unknown command. Type /help for a list of commands", 0)
		return
	}
	if cmd.adminOnly && !b.cfg.IsAdmin(msg.From.ID) {
		slog.Info("rejected admin command", slog.String("command", name), slog.Int64("user_id", msg.From.ID))
		b.SendMessage(msg.Chat.ID, "You are not allowed to do that", 0)
		return
	}
	cmd.fn(b, args, msg)
}

func cmdStart(b *Bot, args []string, msg *tgbotapi.Message) {
	text := fmt.Sprintf(
		"Authenticate yourself via /auth and follow the instructions. "+
			"Afterwards you can send me photos or images, which I will upload "+
			"and link to in the IRC channel %s on %s.",
		b.cfg.IRC.Channel, b.cfg.IRC.Host)
	b.SendMessage(msg.Chat.ID, text, 0)
}

func cmdAuth(b *Bot, args []string, msg *tgbotapi.Message) {
	if b.OnAuth == nil {
		return
	}
	b.OnAuth(msg.From.ID, msg.Chat.ID, senderName(msg.From))
}

func cmdBan(b *Bot, args []string, msg *tgbotapi.Message) {
	id, ok := parseUserID(b, args, msg)
	if !ok {
		return
	}
	if err := b.Users.Ban(id); err != nil {
		b.SendMessage(msg.Chat.ID, "Error updating blacklist: "+err.Error(), 0)
		return
	}
	b.SendMessage(msg.Chat.ID, fmt.Sprintf("Blacklisted user %d", id), 0)
}

func cmdUnban(b *Bot, args []string, msg *tgbotapi.Message) {
	id, ok := parseUserID(b, args, msg)
	if !ok {
		return
	}
	if err := b.Users.Unban(id); err != nil {
		b.SendMessage(msg.Chat.ID, "Error updating blacklist: "+err.Error(), 0)
		return
	}
	b.SendMessage(msg.Chat.ID, fmt.Sprintf("Removed user %d from blacklist", id), 0)
}

func parseUserID(b *Bot, args []string, msg *tgbotapi.Message) (int64, bool) {
	if len(args) != 1 {
		b.SendMessage(msg.Chat.ID, "Usage: provide a single numeric user id", 0)
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		b.SendMessage(msg.Chat.ID, "Not a numeric user id: "+args[0], 0)
		return 0, false
	}
	return id, true
}
