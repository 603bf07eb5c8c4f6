package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"text/template"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/templatefmt"
)

type flakySender struct {
	channel string
	fails   int
	calls   int
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ domain.Notification) error {
	s.calls++
	if s.calls <= s.fails {
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	items   []domain.Notification
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(_ context.Context, notification domain.Notification) error {
	s.items = append(s.items, notification)
	return nil
}

func mustTemplate(t *testing.T, name, body string) *template.Template {
	t.Helper()
	compiled, err := templatefmt.ParseNotificationTemplate(name, body)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return compiled
}

func sampleNotification() domain.Notification {
	return domain.Notification{
		EventID:    "01HZX",
		UserID:     "u1",
		DeviceID:   "DEV1",
		DeviceName: "Freezer",
		Reasons:    "TMP1_HIGH",
		Level:      domain.EventLevelAlarm,
		Tmp:        [domain.TempChannels]string{"9.5"},
		Timestamp:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "telegram", fails: 2}
	dispatcher := &Dispatcher{
		senders:  map[string]ChannelSender{"telegram": sender},
		channels: []string{"telegram"},
		retries: map[string]config.NotifyRetry{
			"telegram": {Enabled: true, Backoff: "exponential", InitialMS: 1, MaxMS: 2},
		},
		templates:    map[string]*template.Template{"telegram": mustTemplate(t, "retry", "{{ .Reasons }}")},
		templateErrs: map[string]error{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := dispatcher.Send(ctx, "telegram", sampleNotification()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
}

func TestDispatcherStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: "http", fails: 10}
	dispatcher := &Dispatcher{
		senders:      map[string]ChannelSender{"http": sender},
		channels:     []string{"http"},
		retries:      map[string]config.NotifyRetry{"http": {Enabled: true, Backoff: "fixed", InitialMS: 1, MaxAttempts: 2}},
		templates:    map[string]*template.Template{},
		templateErrs: map[string]error{},
	}

	err := dispatcher.Send(context.Background(), "http", sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("expected attempts error, got %v", err)
	}
	if sender.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", sender.calls)
	}
}

func TestDispatcherReturnsUnknownChannel(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{senders: map[string]ChannelSender{}}
	if err := dispatcher.Send(context.Background(), "sms", sampleNotification()); err == nil {
		t.Fatalf("expected unknown channel error")
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(config.NotifyConfig{
		Telegram: config.TelegramNotifier{Enabled: true, BotToken: "token", ChatID: "1", APIBase: "http://127.0.0.1:1", Template: "{{ .Reasons }}"},
		HTTP:     config.HTTPNotifier{Enabled: true, URL: "http://127.0.0.1:1", Template: "{{ .DeviceID }}"},
	}, nil)

	if got, want := dispatcher.Channels(), []string{"http", "telegram"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("channels=%v want=%v", got, want)
	}
	if len(NewDispatcher(config.NotifyConfig{}, nil).Channels()) != 0 {
		t.Fatalf("disabled channels must not be registered")
	}
}

func TestDispatcherRendersChannelTemplate(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: "http"}
	dispatcher := &Dispatcher{
		senders:  map[string]ChannelSender{"http": sender},
		channels: []string{"http"},
		retries:  map[string]config.NotifyRetry{},
		templates: map[string]*template.Template{
			"http": mustTemplate(t, "render", "{{ .DeviceName }} {{ .Reasons }} {{ channels .Tmp .Hum }} {{ fmtTime .Timestamp }}"),
		},
		templateErrs: map[string]error{},
	}

	if err := dispatcher.Deliver(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(sender.items) != 1 {
		t.Fatalf("expected one delivery, got %d", len(sender.items))
	}
	got := sender.items[0]
	if got.Channel != "http" {
		t.Fatalf("channel not stamped: %q", got.Channel)
	}
	if got.Message != "Freezer TMP1_HIGH T1=9.5 2023-11-14 22:13:20 UTC" {
		t.Fatalf("unexpected message %q", got.Message)
	}
}

func TestDispatcherReportsBrokenTemplate(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(config.NotifyConfig{
		HTTP: config.HTTPNotifier{Enabled: true, URL: "http://127.0.0.1:1", Template: "{{ .Broken "},
	}, nil)
	err := dispatcher.Send(context.Background(), "http", sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("expected template error, got %v", err)
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	type sendMessagePayload struct {
		ChatID    string
		Text      string
		ParseMode string
	}

	var (
		mu       sync.Mutex
		received []sendMessagePayload
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bottoken/sendMessage" {
			http.Error(w, "unexpected request", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, sendMessagePayload{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		messageID := 100 + len(received)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":1,"type":"private"}}}`, messageID)
	}))
	defer server.Close()

	sender := NewTelegramSender(config.TelegramNotifier{
		Enabled:  true,
		BotToken: "token",
		ChatID:   "-100500",
		APIBase:  server.URL,
	})
	notification := sampleNotification()
	notification.Message = "<b>ALARM</b> Freezer: TMP1_HIGH"
	if err := sender.Send(context.Background(), notification); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 request, got %d", len(received))
	}
	if received[0].ChatID != "-100500" || received[0].ParseMode != "HTML" {
		t.Fatalf("unexpected payload %+v", received[0])
	}
	if received[0].Text != notification.Message {
		t.Fatalf("text=%s", received[0].Text)
	}
}

func TestTelegramSenderRequiresCredentials(t *testing.T) {
	t.Parallel()

	sender := NewTelegramSender(config.TelegramNotifier{Enabled: true, ChatID: "1"})
	if err := sender.Send(context.Background(), sampleNotification()); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestHTTPSenderSend(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload domain.Notification
		header  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Get("X-Token")
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{
		Enabled:    true,
		URL:        server.URL,
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Token": "secret"},
	})
	if err := sender.Send(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if header != "secret" {
		t.Fatalf("header not forwarded: %q", header)
	}
	if payload.DeviceID != "DEV1" || payload.Reasons != "TMP1_HIGH" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHTTPSenderStatusErrorIncludesResponseBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "hook disabled", http.StatusGone)
	}))
	defer server.Close()

	sender := NewHTTPSender(config.HTTPNotifier{Enabled: true, URL: server.URL, TimeoutSec: 2})
	err := sender.Send(context.Background(), sampleNotification())
	if err == nil || !strings.Contains(err.Error(), "status=410") || !strings.Contains(err.Error(), "hook disabled") {
		t.Fatalf("unexpected error %v", err)
	}
}
