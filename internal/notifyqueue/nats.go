package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	jobStreamMaxAge = 24 * time.Hour
	dlqStreamMaxAge = 7 * 24 * time.Hour

	headerMsgID   = "Nats-Msg-Id"
	headerChannel = "Sensoralert-Channel"
	headerEventID = "Sensoralert-Event-Id"
)

// Job outcomes reported to JobObserver.
const (
	OutcomeDelivered    = "delivered"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeDropped      = "dropped"
	OutcomeUndecodable  = "undecodable"
)

// JobObserver receives settled job outcomes.
type JobObserver interface {
	ObserveQueueJob(outcome string)
}

type noopJobObserver struct{}

func (noopJobObserver) ObserveQueueJob(string) {}

// WorkerOption customizes NATSWorker.
type WorkerOption func(*NATSWorker)

// WithJobObserver attaches outcome observer, typically service metrics.
func WithJobObserver(observer JobObserver) WorkerOption {
	return func(w *NATSWorker) {
		if observer != nil {
			w.observer = observer
		}
	}
}

// NATSProducer publishes notification jobs into JetStream stream.
// Params: NATS connection and publish subject settings.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer creates JetStream producer for notification queue.
// Params: NATS server URLs and queue config from notify section.
// Returns: initialized producer or setup error.
func NewNATSProducer(urls []string, cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openQueue(urls, cfg, "sensoralert-notify-producer")
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one job; the job id doubles as JetStream dedup id.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(headerMsgID, id)
	}
	msg.Header.Set(headerChannel, job.Channel)
	msg.Header.Set(headerEventID, job.Notification.EventID)
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify job %s: %w", job.Channel, err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes notification jobs through a durable queue-group consumer.
// Params: NATS connection, queue settings, and delivery handler.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	sub       *nats.Subscription
	logger    *slog.Logger
	observer  JobObserver
	cfg       config.NotifyQueue
	handler   func(ctx context.Context, job Job) error
	ackWait   time.Duration
	nackDelay time.Duration
}

// NewNATSWorker starts queue consumer for notification delivery jobs.
// Params: NATS server URLs, queue config, logger, per-job handler, and options.
// Returns: running worker or setup error.
func NewNATSWorker(urls []string, cfg config.NotifyQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error, opts ...WorkerOption) (*NATSWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &NATSWorker{
		logger:    logger.With("component", "notify_queue"),
		observer:  noopJobObserver{},
		cfg:       cfg,
		handler:   handler,
		ackWait:   time.Duration(cfg.AckWaitSec) * time.Second,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	nc, js, err := openQueue(urls, cfg, "sensoralert-notify-worker")
	if err != nil {
		return nil, err
	}
	w.nc, w.js = nc, js

	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, w.onMessage,
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(w.ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	w.sub = sub
	return w, nil
}

// onMessage decodes one delivery, runs handler under ack-wait deadline, and settles it.
func (w *NATSWorker) onMessage(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify job decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		w.observer.ObserveQueueJob(OutcomeUndecodable)
		return
	}
	if w.handler == nil {
		_ = message.Ack()
		w.observer.ObserveQueueJob(OutcomeDelivered)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.ackWait)
	err := w.handler(ctx, job)
	cancel()
	w.settle(message, job, err)
}

// settle acks, naks, or dead-letters message according to handler result.
// Params: delivered message, decoded job, and handler error.
// Returns: none; outcome is logged and observed.
func (w *NATSWorker) settle(message *nats.Msg, job Job, cause error) {
	if cause == nil {
		_ = message.Ack()
		w.observer.ObserveQueueJob(OutcomeDelivered)
		return
	}

	attempts := deliveryAttempts(message)
	reason := failureReason(cause, attempts, w.cfg.MaxDeliver)
	w.logger.Error("notify job delivery failed",
		"job_id", job.ID,
		"channel", job.Channel,
		"event_id", job.Notification.EventID,
		"attempt", attempts,
		"final", reason != "",
		"error", cause.Error(),
	)
	if reason == "" {
		nak(message, w.nackDelay)
		w.observer.ObserveQueueJob(OutcomeRetried)
		return
	}
	if !w.cfg.DLQ {
		_ = message.Ack()
		w.observer.ObserveQueueJob(OutcomeDropped)
		return
	}
	if err := w.publishDLQ(message, job, reason, cause, attempts); err != nil {
		w.logger.Error("notify dlq publish failed", "job_id", job.ID, "reason", reason, "error", err.Error())
		nak(message, w.nackDelay)
		w.observer.ObserveQueueJob(OutcomeRetried)
		return
	}
	_ = message.Ack()
	w.observer.ObserveQueueJob(OutcomeDeadLettered)
}

// failureReason classifies a failed attempt.
// Params: handler error, attempts so far, and max deliver.
// Returns: DLQ reason, or empty when job should be redelivered.
func failureReason(cause error, attempts uint64, maxDeliver int) DLQReason {
	switch {
	case IsPermanent(cause):
		return DLQReasonPermanentError
	case maxDeliver > 0 && attempts >= uint64(maxDeliver):
		return DLQReasonMaxDeliverExceeded
	default:
		return ""
	}
}

// Close drains worker subscription and closes NATS connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	defer w.nc.Close()
	if w.sub != nil {
		return w.sub.Drain()
	}
	return nil
}

// publishDLQ writes failed job with failure metadata to the dead-letter subject.
// Params: message, decoded job, reason, cause, and attempts.
// Returns: publish error.
func (w *NATSWorker) publishDLQ(message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         strings.TrimSpace(cause.Error()),
		Attempts:      attempts,
		MaxDeliver:    w.cfg.MaxDeliver,
		FailedAt:      time.Now().UTC(),
		Subject:       message.Subject,
		OriginalMsgID: strings.TrimSpace(message.Header.Get(headerMsgID)),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.cfg.DLQSubject)
	msg.Data = body
	msg.Header.Set(headerChannel, job.Channel)
	msg.Header.Set(headerEventID, job.Notification.EventID)
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(headerMsgID, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.ackWait)
	defer cancel()
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}

// openQueue connects to NATS and ensures job and optional DLQ streams exist.
// Params: server URLs, queue config, and connection name.
// Returns: connection, JetStream context, and setup error.
func openQueue(urls []string, cfg config.NotifyQueue, name string) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name(name))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	streams := []nats.StreamConfig{{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    jobStreamMaxAge,
	}}
	if cfg.DLQ {
		streams = append(streams, nats.StreamConfig{
			Name:      cfg.DLQStream,
			Subjects:  []string{cfg.DLQSubject},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			MaxAge:    dlqStreamMaxAge,
		})
	}
	for _, stream := range streams {
		if err := ensureStream(js, stream); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// ensureStream creates stream when it does not exist yet.
func ensureStream(js nats.JetStreamContext, stream nats.StreamConfig) error {
	_, err := js.StreamInfo(stream.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", stream.Name, err)
	}
	if _, err := js.AddStream(&stream); err != nil {
		return fmt.Errorf("create stream %q: %w", stream.Name, err)
	}
	return nil
}

// nak requests redelivery, optionally after delay.
func nak(message *nats.Msg, delay time.Duration) {
	if delay > 0 {
		_ = message.NakWithDelay(delay)
		return
	}
	_ = message.Nak()
}

// deliveryAttempts reads JetStream delivery counter, defaulting to first attempt.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}
