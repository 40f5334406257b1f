// Package webhook delivers reminders as HTTP POST callbacks.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tweetup/internal/reminder"
	logx "tweetup/pkg/logx"
)

// IdempotencyHeader carries a key that is identical for every attempt of
// the same occurrence.
const IdempotencyHeader = "Idempotency-Key"

// namespace for idempotency keys (UUIDv5).
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:tweetup:delivery"))

type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// Payload is the JSON body posted to the callback URL.
type Payload struct {
	ItemID         string    `json:"item_id"`
	PayloadRef     string    `json:"payload_ref"`
	FireTime       time.Time `json:"fire_time"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type Sink struct {
	url    string
	client *resty.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("webhook url %q must be http(s)", url)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "tweetup-webhook")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return &Sink{url: url, client: client, log: log.With(logx.String("comp", "sink.webhook"))}, nil
}

// IdempotencyKey derives the stable key for an occurrence.
func IdempotencyKey(d reminder.Delivery) string {
	return uuid.NewSHA1(namespace, []byte(d.Key())).String()
}

func (s *Sink) Deliver(ctx context.Context, d reminder.Delivery) error {
	key := IdempotencyKey(d)
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, key).
		SetBody(Payload{
			ItemID:         d.ItemID,
			PayloadRef:     d.PayloadRef,
			FireTime:       d.FireTime.UTC(),
			Attempt:        d.Attempt,
			IdempotencyKey: key,
		}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode())
	}
	s.log.Debug("reminder posted",
		logx.String("id", d.ItemID),
		logx.Int("status", resp.StatusCode()),
		logx.Duration("took", resp.Time()),
	)
	return nil
}
