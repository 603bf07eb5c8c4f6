package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"sensoralert/internal/domain"
	"sensoralert/internal/permanent"
)

// Job is one outbound notification task in async delivery queue.
// Params: destination channel and notification built from alert event.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID           string              `json:"id"`
	Channel      string              `json:"channel"`
	Notification domain.Notification `json:"notification"`
	CreatedAt    time.Time           `json:"created_at"`
}

// DLQReason identifies reason why notify job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for notify queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one channel delivery of one event.
// Params: channel and notification payload.
// Returns: stable SHA1-based id string used for JetStream dedup.
func BuildJobID(channel string, notification domain.Notification) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%d",
		channel,
		notification.EventID,
		notification.UserID,
		notification.DeviceID,
		notification.Reasons,
		notification.Timestamp.UnixNano(),
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// MarkPermanent wraps error as permanent processing failure.
func MarkPermanent(err error) error {
	return permanent.Mark(err)
}

// IsPermanent reports whether error is marked as non-retryable.
func IsPermanent(err error) bool {
	return permanent.Is(err)
}

// Sink turns fired alert events into one queue job per channel.
// Params: queue producer and enabled channel list.
// Returns: event sink for the notifier.
type Sink struct {
	producer Producer
	channels []string
	now      func() time.Time
}

// NewSink creates queue-backed event sink.
// Params: producer and channels that the delivery worker can serve.
// Returns: sink instance.
func NewSink(producer Producer, channels []string, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{producer: producer, channels: slices.Clone(channels), now: now}
}

// HandleEvent enqueues event for every configured channel.
// Params: context and fired alert event.
// Returns: joined enqueue errors.
func (s *Sink) HandleEvent(ctx context.Context, event domain.AlertEvent) error {
	notification := domain.NotificationFromEvent(event)
	var errs []error
	for _, channel := range s.channels {
		job := Job{
			ID:           BuildJobID(channel, notification),
			Channel:      channel,
			Notification: notification,
			CreatedAt:    s.now().UTC(),
		}
		if err := s.producer.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s notification: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

// ChannelDispatcher delivers one notification to one configured channel.
type ChannelDispatcher interface {
	Channels() []string
	Send(ctx context.Context, channel string, notification domain.Notification) error
}

// DeliveryHandler adapts dispatcher into queue worker callback.
// Params: channel dispatcher.
// Returns: handler that marks unknown channels as permanent failures.
func DeliveryHandler(dispatcher ChannelDispatcher) func(ctx context.Context, job Job) error {
	return func(ctx context.Context, job Job) error {
		if !slices.Contains(dispatcher.Channels(), job.Channel) {
			return MarkPermanent(fmt.Errorf("notify channel %q is not configured", job.Channel))
		}
		return dispatcher.Send(ctx, job.Channel, job.Notification)
	}
}

// Worker consumes queued jobs and acknowledges delivery status.
type Worker interface {
	Close() error
}
