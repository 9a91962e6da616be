package notify

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/alphawatch/internal/fetch"
)

// ---------------------------------------------------------------------------
// Notification sinks — Telegram Bot API, log, fan-out
// ---------------------------------------------------------------------------

// Sink delivers a formatted message. Send reports delivery; callers never
// treat a failed send as fatal.
type Sink interface {
	Send(ctx context.Context, text string) bool
}

// Config configures the notification sinks.
type Config struct {
	BotToken    string        `yaml:"bot_token"`
	ChatID      string        `yaml:"chat_id"`
	TelegramAPI string        `yaml:"telegram_api"`
	Timeout     time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		TelegramAPI: "https://api.telegram.org",
		Timeout:     10 * time.Second,
	}
}

// Telegram sends HTML messages through sendMessage.
type Telegram struct {
	config Config
	client *fetch.Client

	sent   atomic.Int64
	failed atomic.Int64
}

// NewTelegram returns nil when the bot token or chat id is missing.
func NewTelegram(config Config, client *fetch.Client) *Telegram {
	if config.BotToken == "" || config.ChatID == "" {
		return nil
	}
	if config.TelegramAPI == "" {
		config.TelegramAPI = DefaultConfig().TelegramAPI
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Telegram{config: config, client: client}
}

func (t *Telegram) Send(ctx context.Context, text string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	id := uuid.New().String()[:8]
	endpoint := strings.TrimRight(t.config.TelegramAPI, "/") + "/bot" + t.config.BotToken + "/sendMessage"
	payload := map[string]any{
		"chat_id":                  t.config.ChatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	var resp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if !t.client.PostJSON(ctx, endpoint, payload, &resp) {
		t.failed.Add(1)
		log.Warn().Str("msg_id", id).Msg("notify: telegram send failed")
		return false
	}
	if !resp.OK {
		t.failed.Add(1)
		log.Warn().Str("msg_id", id).Str("description", resp.Description).Msg("notify: telegram rejected message")
		return false
	}
	t.sent.Add(1)
	log.Debug().Str("msg_id", id).Msg("notify: telegram message sent")
	return true
}

// TelegramStats counts delivery outcomes.
type TelegramStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

func (t *Telegram) Stats() TelegramStats {
	return TelegramStats{Sent: t.sent.Load(), Failed: t.failed.Load()}
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// PlainText strips HTML tags and unescapes the entities the formatters emit.
func PlainText(html string) string {
	s := tagPattern.ReplaceAllString(html, "")
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&amp;", "&").Replace(s)
}

// LogSink writes messages to the structured log.
type LogSink struct{}

func (LogSink) Send(_ context.Context, text string) bool {
	log.Info().Str("text", PlainText(text)).Msg("notify: message")
	return true
}

// Multi fans a message out to every sink. It reports success when any sink
// delivered.
type Multi []Sink

func (m Multi) Send(ctx context.Context, text string) bool {
	ok := false
	for _, s := range m {
		if s == nil {
			continue
		}
		if s.Send(ctx, text) {
			ok = true
		}
	}
	return ok
}

// New builds the configured sink: the log sink, plus Telegram when
// credentials are present and logOnly is false.
func New(config Config, client *fetch.Client, logOnly bool) Sink {
	if logOnly {
		return LogSink{}
	}
	tg := NewTelegram(config, client)
	if tg == nil {
		log.Info().Msg("notify: telegram not configured, logging notifications only")
		return LogSink{}
	}
	return Multi{LogSink{}, tg}
}
