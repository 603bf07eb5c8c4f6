package domain

import (
	"strings"
	"time"
)

// EventLevelAlarm is severity of threshold events.
const EventLevelAlarm = "ALARM"

// AlertState is per-(user, device) evaluation memory.
// Params: debounce counter, bad flag, last fired metadata, and last seen sample timestamp.
// Returns: state advanced by the worker each tick with a new sample.
type AlertState struct {
	UserID             string     `json:"user_id"`
	DeviceID           string     `json:"device_id"`
	ConsecutiveBadHits int        `json:"consecutive_bad_hits"`
	IsBad              bool       `json:"is_bad"`
	LastAlertAt        *time.Time `json:"last_alert_at,omitempty"`
	LastReasons        string     `json:"last_reasons,omitempty"`
	LastSampleTs       *int64     `json:"last_sample_ts,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SameSample reports whether sample timestamp was already processed.
// Params: sample timestamp in unix seconds.
// Returns: true when state already recorded this timestamp; absent (<= 0) timestamps never match.
func (s AlertState) SameSample(sampleTs int64) bool {
	return sampleTs > 0 && s.LastSampleTs != nil && *s.LastSampleTs == sampleTs
}

// AlertEvent is one fired alert occurrence.
// Params: identity, recipient, device, channel snapshot, reasons, and read flag.
// Returns: persisted and published event.
type AlertEvent struct {
	ID         string               `json:"id"`
	UserID     string               `json:"user_id"`
	DeviceID   string               `json:"device_id"`
	DeviceName string               `json:"device_name,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
	Tmp        [TempChannels]string `json:"tmp"`
	Hum        [HumChannels]string  `json:"hum"`
	Reasons    string               `json:"reasons"`
	Level      string               `json:"level"`
	IsRead     bool                 `json:"is_read"`
}

// ReasonList splits comma-joined reasons.
// Params: none.
// Returns: reason codes in evaluation order.
func (e AlertEvent) ReasonList() []string {
	if strings.TrimSpace(e.Reasons) == "" {
		return nil
	}
	parts := strings.Split(e.Reasons, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Notification is rendered outbound payload for chat/webhook sinks.
// Params: destination channel, event snapshot, and rendered message.
// Returns: one notification request for the dispatcher.
type Notification struct {
	Channel    string               `json:"channel"`
	EventID    string               `json:"event_id"`
	UserID     string               `json:"user_id"`
	DeviceID   string               `json:"device_id"`
	DeviceName string               `json:"device_name,omitempty"`
	Reasons    string               `json:"reasons"`
	Level      string               `json:"level"`
	Tmp        [TempChannels]string `json:"tmp"`
	Hum        [HumChannels]string  `json:"hum"`
	Message    string               `json:"message"`
	Timestamp  time.Time            `json:"timestamp"`
}

// NotificationFromEvent builds dispatcher payload from alert event.
// Params: fired alert event.
// Returns: notification with unrendered message.
func NotificationFromEvent(event AlertEvent) Notification {
	return Notification{
		EventID:    event.ID,
		UserID:     event.UserID,
		DeviceID:   event.DeviceID,
		DeviceName: event.DeviceName,
		Reasons:    event.Reasons,
		Level:      event.Level,
		Tmp:        event.Tmp,
		Hum:        event.Hum,
		Timestamp:  event.OccurredAt,
	}
}

// ReasonsEqual compares reason strings ignoring case and surrounding spaces.
// Params: two comma-joined reason strings.
// Returns: true when both describe the same reason set.
func ReasonsEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
