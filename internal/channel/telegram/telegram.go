// Package telegram implements the Telegram operator channel. The
// operator issues oversight commands (/status, /pause, /ask ...) from
// an allow-listed account and receives the agent's reports.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/molt-labs/molt/pkg/channel"
)

const channelName = "telegram"

// Bot is the subset of the Telegram API the channel uses. Narrowed so
// tests can substitute a fake.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

type botWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *botWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}
func (w *botWrapper) StopReceivingUpdates()                               { w.bot.StopReceivingUpdates() }
func (w *botWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) { return w.bot.Send(c) }
func (w *botWrapper) GetSelf() tgbotapi.User                              { return w.bot.Self }

// Config holds Telegram channel settings.
type Config struct {
	Token string `json:"token"`
	// AllowFrom lists operator user ids. Empty means reject everyone;
	// an operator channel with no allow-list is a misconfiguration.
	AllowFrom []string `json:"allow_from"`
	// ChatID is the default chat for unsolicited reports.
	ChatID string `json:"chat_id"`
}

// Channel is the Telegram operator channel.
type Channel struct {
	cfg    Config
	bot    Bot
	cancel context.CancelFunc
}

// New creates a Telegram channel. The bot connection is established in
// Start.
func New(cfg Config) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	return &Channel{cfg: cfg}, nil
}

// SetBot installs a bot, primarily for tests.
func (c *Channel) SetBot(bot Bot) { c.bot = bot }

// Name returns "telegram".
func (c *Channel) Name() string { return channelName }

// DefaultRoom returns the configured report chat id.
func (c *Channel) DefaultRoom() string { return c.cfg.ChatID }

// Start connects and polls for updates until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	if c.bot == nil {
		bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		c.bot = &botWrapper{bot: bot}
	}
	slog.Info("telegram channel started", "bot", c.bot.GetSelf().UserName)

	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			c.handleMessage(ctx, update.Message, handler)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message, handler channel.MessageHandler) {
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.allowed(senderID) {
		slog.Warn("telegram message from unauthorized sender", "sender", senderID, "username", msg.From.UserName)
		return
	}
	if msg.Text == "" {
		return
	}

	err := handler(ctx, channel.Message{
		Source:    channelName,
		SenderID:  senderID,
		RoomID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   msg.Text,
		Timestamp: int64(msg.Date) * 1000,
	})
	if err != nil {
		slog.Error("telegram handler failed", "error", err)
	}
}

func (c *Channel) allowed(senderID string) bool {
	for _, id := range c.cfg.AllowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

// Send delivers a message, chunked under Telegram's 4096-char limit,
// as HTML with a plain-text fallback.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	room := resp.RoomID
	if room == "" {
		room = c.cfg.ChatID
	}
	chatID, err := strconv.ParseInt(room, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", room, err)
	}

	content := toHTML(resp.Content)
	const maxLen = 4000
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			if idx := strings.LastIndex(chunk[:maxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := c.bot.Send(tgMsg); err != nil {
			tgMsg.ParseMode = ""
			tgMsg.Text = resp.Content
			if _, err2 := c.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

// Stop shuts down polling.
func (c *Channel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	slog.Info("telegram channel stopped")
	return nil
}

// toHTML converts basic markdown to Telegram HTML.
func toHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	s = replacePaired(s, "```", "<pre>", "</pre>")
	s = replacePaired(s, "`", "<code>", "</code>")
	s = replacePaired(s, "**", "<b>", "</b>")
	s = replacePaired(s, "*", "<i>", "</i>")
	return s
}

// replacePaired swaps matched marker pairs for open/close tags.
func replacePaired(s, marker, open, close string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		rest := start + len(marker)
		end := strings.Index(s[rest:], marker)
		if end == -1 {
			return s
		}
		end += rest
		s = s[:start] + open + s[rest:end] + close + s[end+len(marker):]
	}
}
