package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// ChannelSender sends one outbound notification to one channel.
// Params: context and notification payload.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) error
}

// Dispatcher renders channel templates and delivers notifications with retries/backoff.
// Params: senders, retry policies, and compiled templates per channel.
// Returns: delivery helper for notifier and queue worker.
type Dispatcher struct {
	senders      map[string]ChannelSender
	channels     []string
	retries      map[string]config.NotifyRetry
	logger       *slog.Logger
	templates    map[string]*template.Template
	templateErrs map[string]error
}

// NewDispatcher builds dispatcher from enabled chat/webhook channels.
// Params: notify config and optional logger.
// Returns: configured dispatcher (possibly without channels).
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		senders:      make(map[string]ChannelSender),
		retries:      make(map[string]config.NotifyRetry),
		logger:       logger,
		templates:    make(map[string]*template.Template),
		templateErrs: make(map[string]error),
	}
	for _, channel := range config.EnabledNotifyChannels(cfg) {
		var (
			sender ChannelSender
			retry  config.NotifyRetry
			body   string
		)
		switch channel {
		case config.NotifyChannelTelegram:
			sender, retry, body = NewTelegramSender(cfg.Telegram), cfg.Telegram.Retry, cfg.Telegram.Template
		case config.NotifyChannelHTTP:
			sender, retry, body = NewHTTPSender(cfg.HTTP), cfg.HTTP.Retry, cfg.HTTP.Template
		default:
			continue
		}
		d.senders[channel] = sender
		d.retries[channel] = retry
		d.channels = append(d.channels, channel)
		compiled, err := templatefmt.ParseNotificationTemplate("notify."+channel+".template", body)
		if err != nil {
			d.templateErrs[channel] = err
			continue
		}
		d.templates[channel] = compiled
	}
	return d
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Send renders and sends one notification to channel with retry policy.
// Params: destination channel and notification payload.
// Returns: final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel string, notification domain.Notification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", channel)
	}
	if err := d.templateErrs[channel]; err != nil {
		return fmt.Errorf("notify template for %q is invalid: %w", channel, err)
	}

	rendered := notification
	rendered.Channel = channel
	if compiled := d.templates[channel]; compiled != nil {
		var message strings.Builder
		if err := compiled.Execute(&message, rendered); err != nil {
			return fmt.Errorf("render notify template for channel %q: %w", channel, err)
		}
		rendered.Message = message.String()
	}
	return d.sendWithRetry(ctx, sender, rendered, d.retries[channel])
}

// Deliver sends notification to every configured channel.
// Params: context and notification payload.
// Returns: joined channel errors.
func (d *Dispatcher) Deliver(ctx context.Context, notification domain.Notification) error {
	var errs []error
	for _, channel := range d.channels {
		if err := d.Send(ctx, channel, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendWithRetry sends one notification with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification domain.Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt && d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if maxBackoff > 0 && backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender.
// Params: Telegram notifier config.
// Returns: initialized sender; init problems surface on Send.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	botClient, err := tgbot.New(cfg.BotToken,
		tgbot.WithSkipGetMe(),
		tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
	)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one rendered message to Telegram chat.
// Params: context and notification payload.
// Returns: transport or API error.
func (s *TelegramSender) Send(ctx context.Context, notification domain.Notification) error {
	if s.initErr != nil {
		return s.initErr
	}
	if s.client == nil {
		return errors.New("telegram client is not initialized")
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      notification.Message,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// HTTPSender posts notification JSON to configured webhook.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic webhook sender.
type HTTPSender struct {
	cfg    config.HTTPNotifier
	client *http.Client
}

// NewHTTPSender creates webhook sender.
func NewHTTPSender(cfg config.HTTPNotifier) *HTTPSender {
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Channel returns sender channel name.
func (s *HTTPSender) Channel() string {
	return config.NotifyChannelHTTP
}

// Send delivers JSON payload to webhook.
// Params: context and notification payload.
// Returns: transport or HTTP status error.
func (s *HTTPSender) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode http notify payload: %w", err)
	}
	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build http notify request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("http notify send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("http notify", response)
	}
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

// HandleEvent delivers fired alert event to every configured channel.
// Params: context and alert event.
// Returns: joined channel errors.
func (d *Dispatcher) HandleEvent(ctx context.Context, event domain.AlertEvent) error {
	return d.Deliver(ctx, domain.NotificationFromEvent(event))
}
