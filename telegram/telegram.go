// Package telegram is the chat-side transport: a long-poll loop against the
// Bot API that turns photo and document updates into image records and text
// updates into commands. Outbound replies always reference the originating
// message and disable link previews.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/codetalk/imgrelay/config"
	"github.com/codetalk/imgrelay/db"
	"github.com/codetalk/imgrelay/telemetry"
	"github.com/codetalk/imgrelay/users"
)

// imageExtensions are the document MIME types accepted as images, mapped to
// the extension used for the local file.
var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
}

// API is the slice of the Bot API the bot consumes; *tgbotapi.BotAPI
// implements it, tests substitute fakes.
type API interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot dispatches inbound updates to the image pipeline and the auth handshake.
type Bot struct {
	api      api
	self     string
	token    string
	cfg      *config.Config
	commands map[string]command
	client   *http.Client

	// OnImage receives each accepted image event; it is expected to spawn
	// its own unit of work and return promptly.
	OnImage func(rec db.ImageRecord)
	// OnAuth receives /auth requests.
	OnAuth func(userID, chatID int64, sender string)
	// Users backs the admin blacklist commands.
	Users *users.Store

	offset int
}

type api = API

type commandFunc func(b *Bot, args []string, msg *tgbotapi.Message)

type command struct {
	fn        commandFunc
	adminOnly bool
}

// New connects to the Bot API with the configured token.
func New(cfg *config.Config) (*Bot, error) {
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	slog.Info("telegram bot authorized", slog.String("username", botAPI.Self.UserName))
	return NewWithAPI(cfg, botAPI, botAPI.Self.UserName), nil
}

// NewWithAPI wires a bot around an existing API implementation (tests).
func NewWithAPI(cfg *config.Config, a API, self string) *Bot {
	b := &Bot{
		api:    a,
		self:   self,
		token:  cfg.Telegram.Token,
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
	// Explicit command table, built once at startup.
	b.commands = map[string]command{
		"start": {fn: cmdStart},
		"help":  {fn: cmdStart},
		"auth":  {fn: cmdAuth},
		"ban":   {fn: cmdBan, adminOnly: true},
		"unban": {fn: cmdUnban, adminOnly: true},
	}
	return b
}

// Self returns the bot's Telegram username.
func (b *Bot) Self() string { return b.self }

// PollLoop long-polls for updates until the context is canceled. Transport
// errors are logged and retried after the poll timeout.
func (b *Bot) PollLoop(ctx context.Context) {
	timeout := b.cfg.Telegram.Timeout
	slog.Info("poll loop initiated", slog.Int("timeout", timeout))
	i := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("poll loop stopped")
			return
		default:
		}
		i++
		slog.Debug("poll", slog.Int("n", i), slog.Int("offset", b.offset))
		updates, err := b.api.GetUpdates(tgbotapi.UpdateConfig{Offset: b.offset, Timeout: timeout})
		if err != nil {
			slog.Error("failed to fetch updates", slog.Any("err", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.PollTimeout()):
			}
			continue
		}
		b.handleUpdates(updates)
	}
}

func (b *Bot) handleUpdates(updates []tgbotapi.Update) {
	for _, update := range updates {
		b.handleUpdate(update)
		if b.offset == 0 || update.UpdateID >= b.offset {
			b.offset = update.UpdateID + 1
			slog.Debug("new offset", slog.Int("offset", b.offset))
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		slog.Warn("didn't handle update", slog.Int("update_id", update.UpdateID))
		return
	}

	// Base record: transport addressing only, stages fill the rest.
	rec := db.ImageRecord{
		ReceivedAt: time.Unix(int64(msg.Date), 0),
		ChatID:     msg.Chat.ID,
		MessageID:  int64(msg.MessageID),
		Caption:    msg.Caption,
		Ext:        ".jpg",
	}

	switch {
	case msg.Document != nil:
		slog.Info("received document", slog.String("from", senderName(msg.From)), slog.String("mime", msg.Document.MimeType))
		ext, ok := imageExtensions[msg.Document.MimeType]
		if !ok {
			b.SendMessage(msg.Chat.ID, "I do not know how to handle that", 0)
			return
		}
		slog.Debug("guessed extension from MIME type", slog.String("ext", ext), slog.String("mime", msg.Document.MimeType))
		rec.Ext = ext
		rec.FileID = msg.Document.FileID
		telemetry.ImagesReceived.Inc()
		b.OnImage(rec)

	case len(msg.Photo) > 0:
		slog.Info("received photo", slog.String("from", senderName(msg.From)), slog.Int("variants", len(msg.Photo)))
		// Photos are always jpg; pick the largest size variant.
		largest := msg.Photo[0]
		for _, p := range msg.Photo[1:] {
			if p.FileSize > largest.FileSize {
				largest = p
			}
		}
		rec.FileID = largest.FileID
		telemetry.ImagesReceived.Inc()
		b.OnImage(rec)

	case msg.Text != "":
		b.onText(msg)

	default:
		slog.Warn("didn't handle update", slog.Int("update_id", update.UpdateID))
		b.SendMessage(msg.Chat.ID, "I do not know how to handle that", 0)
	}
}

// SendMessage sends text to a chat, optionally as a reply, with link previews
// disabled. Send errors are logged, not returned: a failed notification must
// never abort the unit of work that produced it.
func (b *Bot) SendMessage(chatID int64, text string, replyTo int64) {
	m := tgbotapi.NewMessage(chatID, text)
	m.DisableWebPagePreview = true
	if replyTo != 0 {
		m.ReplyToMessageID = int(replyTo)
	}
	if _, err := b.api.Send(m); err != nil {
		slog.Error("failed to send telegram message", slog.Any("err", err), slog.Int64("chat_id", chatID))
		return
	}
	slog.Debug("sent message", slog.Int64("chat_id", chatID), slog.String("text", text))
}

// ReplyFunc returns a closure replying to one specific message.
func (b *Bot) ReplyFunc(chatID, messageID int64) func(string) {
	return func(text string) { b.SendMessage(chatID, text, messageID) }
}

// SendChatAction shows the "sending a photo" indicator while a pipeline run
// is in flight.
func (b *Bot) SendChatAction(chatID int64) {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadPhoto)); err != nil {
		slog.Debug("chat action failed", slog.Any("err", err))
	}
}

// GetFilePath fetches the transport-side path for a file id.
func (b *Bot) GetFilePath(ctx context.Context, fileID string) (string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	slog.Info("file info", slog.String("file_id", fileID), slog.String("path", file.FilePath))
	return file.FilePath, nil
}

// DownloadFile streams the remote file to localPath.
func (b *Bot) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	url := fmt.Sprintf(tgbotapi.FileEndpoint, b.token, remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download file: unexpected status %s", resp.Status)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write local file: %w", err)
	}
	return out.Close()
}

// senderName mirrors the platform's display rules: username when set,
// otherwise first/last name.
func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	return name
}
