// Package notify relays text results to a human over a messaging channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Ack is the transport's acknowledgement of a delivered message.
type Ack struct {
	OK          bool   `json:"ok"`
	MessageID   int64  `json:"message_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Notifier sends a free-text message.
type Notifier interface {
	Notify(ctx context.Context, text string) (*Ack, error)
}

// Nop discards messages. It is used when notifications are disabled.
type Nop struct{}

func (Nop) Notify(context.Context, string) (*Ack, error) {
	return &Ack{OK: true, Description: "notifications disabled"}, nil
}

const defaultTelegramURL = "https://api.telegram.org"

// TelegramConfig holds the bot credentials. Values are injected by the
// caller; nothing is read from the environment here.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

// Telegram sends MarkdownV2 messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegram validates cfg and returns a Telegram notifier.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, errors.New("telegram chat id is required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTelegramURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Telegram{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Notify escapes text for MarkdownV2 and posts it to the configured chat.
func (t *Telegram) Notify(ctx context.Context, text string) (*Ack, error) {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    t.chatID,
		Text:      EscapeMarkdownV2(text),
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of the error.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding telegram response (status %d): %w", resp.StatusCode, err)
	}

	ack := &Ack{OK: out.OK, MessageID: out.Result.MessageID, Description: out.Description}
	if !out.OK {
		return ack, fmt.Errorf("telegram rejected message (status %d): %s", resp.StatusCode, out.Description)
	}
	return ack, nil
}

var markdownV2Special = regexp.MustCompile("([\\\\_*\\[\\]()~`>#+\\-=|{}.!])")

// EscapeMarkdownV2 backslash-escapes every character Telegram reserves in
// MarkdownV2.
func EscapeMarkdownV2(text string) string {
	return markdownV2Special.ReplaceAllString(text, `\$1`)
}
