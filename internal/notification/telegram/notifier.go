// Package telegram sends notifications via a Telegram bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const telegramAPIBase = "https://api.telegram.org/bot"

// ErrNotConfigured is returned when bot token or chat id are missing.
var ErrNotConfigured = errors.New("telegram is not configured")

// Settings contains Telegram-specific configuration.
type Settings struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`
}

// Notifier sends notifications via Telegram bot.
type Notifier struct {
	settings   Settings
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a new Telegram notifier.
func New(settings Settings, httpClient *http.Client, logger zerolog.Logger) *Notifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Notifier{
		settings:   settings,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "telegram").Logger(),
	}
}

// IsConfigured reports whether the notifier can send.
func (n *Notifier) IsConfigured() bool {
	return n.settings.BotToken != "" && n.settings.ChatID != ""
}

// markdownV2Specials are the characters Telegram's MarkdownV2 dialect
// requires escaping. Escaping happens exactly once, at egress.
const markdownV2Specials = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdown escapes every MarkdownV2 special character once.
func EscapeMarkdown(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + len(text)/4)
	for _, r := range text {
		if strings.ContainsRune(markdownV2Specials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SendText sends a plain text message. The text is escaped here; callers
// pass unescaped content.
func (n *Notifier) SendText(ctx context.Context, text string) error {
	if !n.IsConfigured() {
		return ErrNotConfigured
	}
	payload := map[string]any{
		"chat_id":    n.settings.ChatID,
		"text":       EscapeMarkdown(text),
		"parse_mode": "MarkdownV2",
	}
	return n.post(ctx, "sendMessage", payload)
}

// SendPhoto sends a photo by URL with a caption.
func (n *Notifier) SendPhoto(ctx context.Context, photoURL, caption string) error {
	if !n.IsConfigured() {
		return ErrNotConfigured
	}
	payload := map[string]any{
		"chat_id":    n.settings.ChatID,
		"photo":      photoURL,
		"caption":    EscapeMarkdown(caption),
		"parse_mode": "MarkdownV2",
	}
	return n.post(ctx, "sendPhoto", payload)
}

func (n *Notifier) post(ctx context.Context, method string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode telegram payload: %w", err)
	}

	endpoint := telegramAPIBase + n.settings.BotToken + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		n.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("telegram API error")
		return fmt.Errorf("telegram %s returned status %d", method, resp.StatusCode)
	}

	return nil
}
