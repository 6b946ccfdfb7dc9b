package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/foreman/internal/config"
)

const telegramMaxLen = 4096

// messageAPI is the part of *telego.Bot the sender uses.
type messageAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Telegram struct {
	api     messageAPI
	chatIDs []int64
}

// NewTelegram returns nil when no token or chat is configured.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" || len(cfg.ChatIDs) == 0 {
		return nil, nil
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{api: bot, chatIDs: cfg.ChatIDs}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	text := Summary(n)
	for _, chatID := range t.chatIDs {
		if err := t.SendMessage(ctx, chatID, text); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, telegramMaxLen) {
		if _, err := t.api.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message to %d: %w", chatID, err)
		}
	}
	return nil
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
