package notify

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"llm-crypto-trader/internal/api"
)

const telegramAPI = "https://api.telegram.org"

// Telegram posts events to a chat through the Bot API sendMessage method.
type Telegram struct {
	token  string
	chatID string
	http   *api.Client
}

func NewTelegram(token, chatID string, opts ...api.ClientOption) *Telegram {
	opts = append([]api.ClientOption{api.WithBaseURL(telegramAPI), api.WithTimeout(10 * time.Second)}, opts...)
	return &Telegram{token: token, chatID: chatID, http: api.NewClient(opts...)}
}

// TelegramFromEnv reads TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID.
func TelegramFromEnv() (*Telegram, error) {
	token, chat := os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chat == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set")
	}
	return NewTelegram(token, chat), nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, ev Event) error {
	form := url.Values{
		"chat_id":    {t.chatID},
		"text":       {EscapeMarkdown(ev.Text())},
		"parse_mode": {"MarkdownV2"},
	}
	if _, err := t.http.PostForm(ctx, "/bot"+t.token+"/sendMessage", form); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// EscapeMarkdown escapes every character MarkdownV2 reserves.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
