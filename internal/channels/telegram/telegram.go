// Package telegram is the Telegram Bot API gateway adapter, using
// mymmrac/telego for transport and its own format.go for Markdown→Telegram
// HTML rendering (kept from the teacher's formatting pipeline).
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentmux/internal/channels"
	"github.com/nextlevelbuilder/agentmux/internal/config"
)

const maxMessageLen = 4096

// Channel connects to Telegram via long polling.
type Channel struct {
	*channels.BaseChannel
	config       config.TelegramConfig
	bot          *telego.Bot
	botHandler   *th.BotHandler
	placeholders sync.Map // chatID string → messageID int
	cancel       context.CancelFunc
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, base *channels.BaseChannel) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{BaseChannel: base, config: cfg, bot: bot}, nil
}

// Start begins long-polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	handler, err := th.NewBotHandler(c.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram handler: %w", err)
	}
	c.botHandler = handler

	handler.Handle(c.handleMessage, th.AnyMessage())
	go handler.Start()

	c.SetRunning(true)
	slog.Info("telegram bot connected")
	return nil
}

// Stop halts long polling.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.botHandler != nil {
		c.botHandler.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers an outbound message, editing a pending "Thinking..."
// placeholder in place when one exists for chatID.
func (c *Channel) Send(ctx context.Context, chatID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	if err := c.Throttle(ctx); err != nil {
		return err
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id: %w", err)
	}

	html := markdownToTelegramHTML(content)

	if pID, ok := c.placeholders.Load(chatID); ok {
		c.placeholders.Delete(chatID)
		edit := tu.EditMessageText(tu.ID(id), pID.(int), html).WithParseMode(telego.ModeHTML)
		if _, err := c.bot.EditMessageText(ctx, edit); err == nil {
			return nil
		}
	}

	for _, chunk := range chunkHTML(html, maxMessageLen) {
		msg := tu.Message(tu.ID(id), chunk).WithParseMode(telego.ModeHTML)
		if _, err := c.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx *th.Context, update telego.Message) error {
	if update.From == nil || update.From.IsBot {
		return nil
	}

	senderID := fmt.Sprintf("%d", update.From.ID)
	chatID := fmt.Sprintf("%d", update.Chat.ID)
	isDM := update.Chat.Type == telego.ChatTypePrivate

	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}
	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy", "user_id", senderID, "peer_kind", peerKind)
		return nil
	}
	if !c.IsAllowed(senderID) {
		slog.Debug("telegram message rejected by allowlist", "user_id", senderID)
		return nil
	}

	content := update.Text
	if content == "" {
		return nil
	}

	slog.Debug("telegram message received", "sender_id", senderID, "chat_id", chatID,
		"preview", channels.Truncate(content, 50))

	if placeholder, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(update.Chat.ID), "Thinking...")); err == nil {
		c.placeholders.Store(chatID, placeholder.MessageID)
	}

	if peerKind == "group" && update.From.Username != "" {
		content = fmt.Sprintf("[From: %s]\n%s", update.From.Username, content)
	}

	c.HandleMessage(senderID, chatID, content, nil)
	return nil
}

func parseChatID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
