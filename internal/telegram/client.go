// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc renders the reply to the /status command.
type StatusFunc func() string

// Client sends notifications to a single chat. It implements notify.Sink.
type Client struct {
	bot            *tgbotapi.BotAPI
	send           sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	status         StatusFunc
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := parseChatID(chatID)
	if err != nil {
		return nil, err
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		send:           s,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat ID: %w", err)
	}
	return id, nil
}

// SetStatus installs the handler for the /status command.
func (c *Client) SetStatus(fn StatusFunc) {
	c.status = fn
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message.Chat.ID, update.Message.Command())
				}
			}
		}
	}()
}

func (c *Client) handleCommand(chatID int64, command string) {
	var text string
	switch command {
	case "ping":
		text = "Pong"
	case "status":
		if c.status == nil {
			return
		}
		text = c.status()
	default:
		return
	}
	if _, err := c.send.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logger.Warn("Failed to answer /%s: %v", command, err)
	}
}

// Notify formats ev and sends it. Failures are logged, never returned, so the
// client can sit behind an async sink.
func (c *Client) Notify(ev models.NotificationEvent) {
	if err := c.sendMarkdownV2(formatEvent(ev)); err != nil {
		logger.Error("Failed to send Telegram notification: %v", err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.send.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

var kindEmoji = map[models.Kind]string{
	models.KindSuccess: "✅",
	models.KindError:   "⚠️",
	models.KindWarning: "🚨",
	models.KindInfo:    "ℹ️",
}

// formatEvent renders a notification as a Telegram MarkdownV2 message.
func formatEvent(ev models.NotificationEvent) string {
	emoji, ok := kindEmoji[ev.Kind]
	if !ok {
		emoji = kindEmoji[models.KindInfo]
	}

	var b strings.Builder
	b.WriteString(emoji)
	if ev.Title != "" {
		b.WriteString(" *")
		b.WriteString(escapeMarkdownV2(ev.Title))
		b.WriteString("*\n")
	} else {
		b.WriteString(" ")
	}
	b.WriteString(escapeMarkdownV2(ev.Message))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
