package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/quotesync/internal/models"
)

type fakeSender struct {
	failures int
	sent     []tgbotapi.MessageConfig
	calls    int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Price: $187.25", "Price: $187\\.25"},
		{"BTC-USD", "BTC\\-USD"},
		{"EURUSD=X", "EURUSD\\=X"},
		{"^GDAXI", "^GDAXI"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"a\\b", "a\\\\b"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestFormatEvent(t *testing.T) {
	got := formatEvent(models.NotificationEvent{
		Kind:    models.KindWarning,
		Title:   "Price alert",
		Message: "AAPL cross_above 200 (price 200.5)",
	})
	want := "🚨 *Price alert*\nAAPL cross\\_above 200 \\(price 200\\.5\\)"
	if got != want {
		t.Errorf("formatEvent = %q, want %q", got, want)
	}

	untitled := formatEvent(models.NotificationEvent{Kind: "unknown", Message: "hi"})
	if !strings.HasPrefix(untitled, "ℹ️ hi") {
		t.Errorf("untitled = %q", untitled)
	}
}

func TestNotifyRetries(t *testing.T) {
	fs := &fakeSender{failures: 2}
	c := newClient(fs, 42, 3, time.Millisecond)

	c.Notify(models.NotificationEvent{Kind: models.KindError, Message: "refresh failed"})

	if fs.calls != 3 {
		t.Errorf("calls = %d, want 3", fs.calls)
	}
	if len(fs.sent) != 1 || fs.sent[0].ChatID != 42 || fs.sent[0].ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("sent = %+v", fs.sent)
	}
}

func TestNotifyGivesUp(t *testing.T) {
	fs := &fakeSender{failures: 10}
	c := newClient(fs, 42, 2, time.Millisecond)

	c.Notify(models.NotificationEvent{Kind: models.KindInfo, Message: "x"})
	if fs.calls != 2 || len(fs.sent) != 0 {
		t.Errorf("calls = %d sent = %d", fs.calls, len(fs.sent))
	}
}

func TestHandleCommand(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 42, 1, time.Millisecond)

	c.handleCommand(7, "status") // no status func installed
	c.SetStatus(func() string { return "connected, 3 symbols" })
	c.handleCommand(7, "status")
	c.handleCommand(7, "ping")
	c.handleCommand(7, "unknown")

	if len(fs.sent) != 2 {
		t.Fatalf("sent %d replies, want 2", len(fs.sent))
	}
	if fs.sent[0].Text != "connected, 3 symbols" || fs.sent[1].Text != "Pong" || fs.sent[1].ChatID != 7 {
		t.Errorf("replies = %+v", fs.sent)
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}
