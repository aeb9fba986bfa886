// Package telegram sends alerts and operator messages through a Telegram bot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"pollwatch/internal/alert"
	logx "pollwatch/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token string
	// AlertChat receives alerts; ErrorChat receives operator log lines and
	// falls back to AlertChat.
	AlertChat int64
	ErrorChat int64
	ThreadID  int
	// URL overrides the Bot API endpoint.
	URL            string
	Timeout        time.Duration
	DisablePreview bool
	Location       *time.Location
}

// Channel is a send-only bot: it never polls for updates.
type Channel struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.AlertChat == 0 {
		return nil, errors.New("telegram alert chat is not set")
	}
	if cfg.ErrorChat == 0 {
		cfg.ErrorChat = cfg.AlertChat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, bot: b, log: log}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Send posts the rendered alert to the alert chat.
func (c *Channel) Send(ctx context.Context, a alert.Alert) error {
	return c.SendText(ctx, c.cfg.AlertChat, a.Text(c.cfg.Location))
}

// SendOperator posts a log line to the error chat.
func (c *Channel) SendOperator(ctx context.Context, text string) error {
	return c.SendText(ctx, c.cfg.ErrorChat, text)
}

// SendText sends text as HTML, split into chunks Telegram accepts.
func (c *Channel) SendText(ctx context.Context, chat int64, text string) error {
	to := &tele.Chat{ID: chat}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: c.cfg.DisablePreview,
		ThreadID:              c.cfg.ThreadID,
	}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.bot.Send(to, chunk, opt); err != nil {
			return fmt.Errorf("telegram send to %d: %w", chat, err)
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start+1 {
				end = open
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
