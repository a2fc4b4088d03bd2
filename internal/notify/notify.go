// Package notify delivers short operator notifications after reclaim
// cycles. Telegram and ntfy are supported; with neither configured a no-op
// sink is used.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	userAgent = "koralReef/0.1.0"

	// DefaultTelegramAPI is the Bot API base URL.
	DefaultTelegramAPI = "https://api.telegram.org"
)

// Sink receives notifications addressed to a user id. Sinks without a
// notion of recipient ignore it.
type Sink interface {
	Notify(ctx context.Context, recipientID int64, text string) error
}

// Options selects and configures the sinks.
type Options struct {
	TelegramToken   string
	TelegramAPIBase string // defaults to DefaultTelegramAPI
	NtfyTopic       string // full topic URL
	Timeout         time.Duration
}

// New builds a Sink from opts. Every configured backend receives each
// notification.
func New(opts Options) Sink {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var sinks multiSink
	if token := strings.TrimSpace(opts.TelegramToken); token != "" {
		base := strings.TrimRight(strings.TrimSpace(opts.TelegramAPIBase), "/")
		if base == "" {
			base = DefaultTelegramAPI
		}
		sinks = append(sinks, &telegramSink{endpoint: base + "/bot" + token + "/sendMessage", client: client})
	}
	if topic := strings.TrimSpace(opts.NtfyTopic); topic != "" {
		sinks = append(sinks, &ntfySink{endpoint: topic, client: client})
	}

	switch len(sinks) {
	case 0:
		return Noop()
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

// Noop returns a sink that drops everything.
func Noop() Sink { return noopSink{} }

type noopSink struct{}

func (noopSink) Notify(context.Context, int64, string) error { return nil }

type multiSink []Sink

func (m multiSink) Notify(ctx context.Context, recipientID int64, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, recipientID, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type telegramSink struct {
	endpoint string
	client   *http.Client
}

func (t *telegramSink) Notify(ctx context.Context, recipientID int64, text string) error {
	if recipientID == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{"chat_id": recipientID, "text": text})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The request URL contains the bot token; keep it out of the error.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &result); err != nil || !result.OK {
		desc := result.Description
		if desc == "" {
			desc = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, desc)
	}
	return nil
}

type ntfySink struct {
	endpoint string
	client   *http.Client
}

func (n *ntfySink) Notify(ctx context.Context, _ int64, text string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(text))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", "koralReef")
	req.Header.Set("Tags", "koralreef,reclaim")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
