package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// BuildSinks turns sink configs into sinks. Secrets are resolved from the
// environment here.
func BuildSinks(cfgs []config.SinkConfig, hc *http.Client, log logx.Logger) ([]Sink, error) {
	out := make([]Sink, 0, len(cfgs))
	for i, sc := range cfgs {
		timeout, err := config.ParseDurationOrDefault(fmt.Sprintf("alerts.sinks[%d].timeout", i), sc.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		client := hc
		if client == nil {
			client = &http.Client{Timeout: timeout}
		}
		name := sc.DisplayName()
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "webhook":
			out = append(out, &Webhook{name: name, url: sc.ResolvedURL(), headers: sc.Headers, client: client})
		case "discord":
			out = append(out, &Discord{name: name, url: sc.ResolvedURL(), client: client})
		case "telegram":
			t, err := NewTelegram(name, sc.ResolvedToken(), sc.ChatID, sc.ThreadID, "", client)
			if err != nil {
				return nil, fmt.Errorf("alerts.sinks[%d]: %w", i, err)
			}
			out = append(out, t)
		case "log":
			out = append(out, NewLogSink(name, log))
		default:
			return nil, fmt.Errorf("alerts.sinks[%d]: unknown sink type %q", i, sc.Type)
		}
	}
	return out, nil
}

func post(ctx context.Context, client *http.Client, url string, body any, headers map[string]string) error {
	if strings.TrimSpace(url) == "" {
		return Permanent(fmt.Errorf("empty url"))
	}
	b, err := json.Marshal(body)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	// 4xx other than timeout/rate limit will not improve on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

// Webhook posts the alert as JSON to an arbitrary URL.
type Webhook struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhook(name, url string, headers map[string]string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{name: name, url: url, headers: headers, client: client}
}

func (w *Webhook) Name() string { return w.name }

type webhookPayload struct {
	model.AlertEvent
	Text string `json:"text"`
}

func (w *Webhook) Send(ctx context.Context, ev model.AlertEvent) error {
	return post(ctx, w.client, w.url, webhookPayload{AlertEvent: ev, Text: ev.Text()}, w.headers)
}

// Discord posts the alert text to a Discord webhook.
type Discord struct {
	name   string
	url    string
	client *http.Client
}

func NewDiscord(name, url string, client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{name: name, url: url, client: client}
}

func (d *Discord) Name() string { return d.name }

func (d *Discord) Send(ctx context.Context, ev model.AlertEvent) error {
	return post(ctx, d.client, d.url, map[string]string{"content": ev.Text()}, nil)
}

// telegramTimeout bounds one Bot API call when no client is supplied.
const telegramTimeout = 10 * time.Second

// Telegram sends the alert text to a chat, optionally into a forum topic.
type Telegram struct {
	name     string
	bot      *tele.Bot
	chatID   int64
	threadID int
}

// NewTelegram builds a send-only bot. apiURL overrides the Bot API endpoint
// when non-empty.
func NewTelegram(name, token string, chatID int64, threadID int, apiURL string, client *http.Client) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: telegramTimeout}
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     apiURL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{name: name, bot: b, chatID: chatID, threadID: threadID}, nil
}

func (t *Telegram) Name() string { return t.name }

// Send posts synchronously. The bot's HTTP client timeout bounds the call;
// a timed-out request may already have reached the chat, so it is reported
// as permanent and not retried.
func (t *Telegram) Send(ctx context.Context, ev model.AlertEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.threadID}
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, ev.Text(), opt)
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Permanent(err)
	}
	return err
}

// LogSink writes alerts to the log. Dry runs use it in place of real sinks.
type LogSink struct {
	name string
	log  logx.Logger
}

func NewLogSink(name string, log logx.Logger) *LogSink {
	if name == "" {
		name = "log"
	}
	return &LogSink{name: name, log: log}
}

func (l *LogSink) Name() string { return l.name }

func (l *LogSink) Send(_ context.Context, ev model.AlertEvent) error {
	l.log.Info("ALERT",
		logx.String("identity", ev.Identity.String()),
		logx.String("label", ev.Label),
		logx.String("from", ev.From.String()),
		logx.String("to", ev.To.String()),
		logx.String("text", ev.Text()),
	)
	return nil
}
