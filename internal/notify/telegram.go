package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSender posts alerts to a chat through the Bot API.
type TelegramSender struct {
	apiBase string
	token   string
	chatID  string
	client  *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase: telegramAPIBase,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	msg := telegramMessage{
		ChatID:                t.chatID,
		Text:                  telegramHTML(a),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if err := postJSON(ctx, t.client, t.apiBase+"/bot"+t.token+"/sendMessage", msg); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

func (t *TelegramSender) Name() string { return "telegram" }

// telegramHTML renders the alert in Telegram's HTML subset. Values are
// escaped; error strings may contain angle brackets.
func telegramHTML(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(a.Title))
	if a.Summary != "" {
		fmt.Fprintf(&b, "\n%s", html.EscapeString(a.Summary))
	}
	for _, f := range a.Fields {
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", html.EscapeString(f.Name), html.EscapeString(f.Value))
	}
	return b.String()
}
