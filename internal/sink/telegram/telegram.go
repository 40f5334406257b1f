// Package telegram delivers reminders as Telegram messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tweetup/internal/reminder"
	"tweetup/internal/sink"
	logx "tweetup/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec int
	Template   string
	ParseMode  string
	Timeout    time.Duration
	// APIURL overrides the Bot API endpoint (self-hosted API servers, tests).
	APIURL string
}

// Sink sends one message per delivery to a fixed chat (and optional forum
// thread), paced by a token bucket.
type Sink struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Sink{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "sink.telegram")),
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

func (s *Sink) Deliver(ctx context.Context, d reminder.Delivery) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		ParseMode:             tele.ParseMode(s.cfg.ParseMode),
		DisableWebPagePreview: true,
	}
	msg, err := s.bot.Send(s.chat, sink.Render(s.cfg.Template, d), opt)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	s.log.Debug("reminder sent",
		logx.String("id", d.ItemID),
		logx.Int64("chat_id", s.cfg.ChatID),
		logx.Int("message_id", msg.ID),
	)
	return nil
}
