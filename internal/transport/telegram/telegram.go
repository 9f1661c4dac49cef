// Package telegram is a thin ForumTransport adapter over the Telegram Bot
// API, deliberately shallow per spec.md §1 non-goals (no topic-CRUD
// business logic lives here — only the wire calls the interface demands).
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/opencode-relay/orchestrator/internal/transport"
)

// Transport implements transport.ForumTransport over a Telegram bot token,
// addressing forum topics via a "<chat_id>:<message_thread_id>" topic id.
type Transport struct {
	log *zap.Logger
	bot *tgbotapi.BotAPI
}

// New constructs a Transport from a bot token.
func New(log *zap.Logger, token string) (*Transport, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot api: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{log: log.Named("telegram"), bot: bot}, nil
}

// BotAPI exposes the underlying bot client for the long-poll update loop
// main composes separately (spec.md §1 non-goal: inline-keyboard callback
// routing is not this package's concern).
func (t *Transport) BotAPI() *tgbotapi.BotAPI { return t.bot }

// splitTopic parses a "<chat_id>:<message_thread_id>" topic id.
func splitTopic(topicID string) (chatID int64, threadID int) {
	parts := strings.SplitN(topicID, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	chatID, _ = strconv.ParseInt(parts[0], 10, 64)
	threadID, _ = strconv.Atoi(parts[1])
	return chatID, threadID
}

func toInlineKeyboard(kb transport.Keyboard) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(kb.Buttons))
	for _, b := range kb.Buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// SendMessage implements transport.ForumTransport.
func (t *Transport) SendMessage(ctx context.Context, topicID, htmlText string) error {
	chatID, threadID := splitTopic(topicID)
	msg := tgbotapi.NewMessage(chatID, htmlText)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.MessageThreadID = threadID
	_, err := t.bot.Send(msg)
	return err
}

// SendMessageWithKeyboard implements transport.ForumTransport.
func (t *Transport) SendMessageWithKeyboard(ctx context.Context, topicID, htmlText string, kb transport.Keyboard) error {
	chatID, threadID := splitTopic(topicID)
	msg := tgbotapi.NewMessage(chatID, htmlText)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.MessageThreadID = threadID
	msg.ReplyMarkup = toInlineKeyboard(kb)
	_, err := t.bot.Send(msg)
	return err
}

// DeleteTopic implements transport.ForumTransport. It closes the forum
// topic through Telegram's closeForumTopic call; the topic and its message
// history are not deleted.
func (t *Transport) DeleteTopic(ctx context.Context, topicID string) error {
	chatID, threadID := splitTopic(topicID)
	_, err := t.bot.Request(tgbotapi.CloseForumTopicConfig{
		ChatID:          chatID,
		MessageThreadID: threadID,
	})
	return err
}

// CreateTopic implements transport.ForumTransport.
func (t *Transport) CreateTopic(ctx context.Context, chatIDStr, name string) (string, error) {
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram: invalid chat id %q: %w", chatIDStr, err)
	}

	cfg := tgbotapi.NewForumTopic(chatID, name)
	resp, err := t.bot.Request(cfg)
	if err != nil {
		return "", fmt.Errorf("telegram: create topic: %w", err)
	}

	var result tgbotapi.ForumTopic
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("telegram: parse create topic response: %w", err)
	}

	return fmt.Sprintf("%d:%d", chatID, result.MessageThreadID), nil
}
