package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sensoralert/internal/domain"

	"github.com/nats-io/nats.go"
)

const (
	// EventAlarmNew names pushes for alert events fired by the worker.
	EventAlarmNew = "alarm.new"
	// EventAlarmRecord names pushes for alarm records read from the upstream feed.
	EventAlarmRecord = "alarm.record"
)

// Message is one push delivered to a subscriber group.
// Params: event name, target group, and JSON payload.
// Returns: wire envelope for NATS subjects and hub subscribers.
type Message struct {
	Event   string          `json:"event"`
	Group   string          `json:"group"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Broadcaster delivers one message to every member of a group.
type Broadcaster interface {
	Broadcast(ctx context.Context, group string, msg Message) error
}

// EventSink receives fired events in addition to group pushes.
type EventSink interface {
	HandleEvent(ctx context.Context, event domain.AlertEvent) error
}

// RoleResolver returns roles whose groups also receive a user's events.
type RoleResolver interface {
	RolesForUser(ctx context.Context, userID string) ([]string, error)
}

// StaticRoles resolves roles from a fixed user→roles map.
type StaticRoles map[string][]string

// RolesForUser returns configured roles for user.
func (r StaticRoles) RolesForUser(_ context.Context, userID string) ([]string, error) {
	return r[strings.TrimSpace(userID)], nil
}

// DeviceGroup returns push group for one device.
func DeviceGroup(deviceID string) string {
	return "dev." + domain.NormalizeDeviceID(deviceID)
}

// UserGroup returns push group for one user.
func UserGroup(userID string) string {
	return "user." + strings.TrimSpace(userID)
}

// RoleGroup returns push group for one role.
func RoleGroup(role string) string {
	return "role." + strings.TrimSpace(role)
}

// Notifier fans out alert events and alarm records to subscriber groups.
// Params: group broadcaster, optional role resolver, and extra sinks.
// Returns: publisher used by alert worker and alarm feed.
type Notifier struct {
	broadcaster Broadcaster
	roles       RoleResolver
	sinks       []EventSink
	logger      *slog.Logger
	now         func() time.Time
}

// NewNotifier creates group notifier.
// Params: broadcaster, role resolver (nil means no role groups), logger, and optional event sinks.
// Returns: notifier instance.
func NewNotifier(broadcaster Broadcaster, roles RoleResolver, logger *slog.Logger, sinks ...EventSink) *Notifier {
	return &Notifier{
		broadcaster: broadcaster,
		roles:       roles,
		sinks:       sinks,
		logger:      logger,
		now:         time.Now,
	}
}

// Publish sends event to its device, user, and role groups, then to extra sinks.
// Params: context and fired alert event.
// Returns: joined delivery errors; partial delivery still reaches remaining groups.
func (n *Notifier) Publish(ctx context.Context, event domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode alert event: %w", err)
	}

	groups := []string{DeviceGroup(event.DeviceID), UserGroup(event.UserID)}
	var errs []error
	if n.roles != nil {
		roles, err := n.roles.RolesForUser(ctx, event.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve roles for %q: %w", event.UserID, err))
		}
		for _, role := range roles {
			if strings.TrimSpace(role) != "" {
				groups = append(groups, RoleGroup(role))
			}
		}
	}

	for _, group := range groups {
		if err := n.broadcast(ctx, group, EventAlarmNew, payload); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sink := range n.sinks {
		if err := sink.HandleEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishRecord sends one upstream alarm record to its device group.
// Params: context and alarm record.
// Returns: broadcast error.
func (n *Notifier) PublishRecord(ctx context.Context, record domain.AlarmRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode alarm record: %w", err)
	}
	return n.broadcast(ctx, DeviceGroup(record.DeviceID), EventAlarmRecord, payload)
}

func (n *Notifier) broadcast(ctx context.Context, group, event string, payload []byte) error {
	msg := Message{Event: event, Group: group, Payload: payload, SentAt: n.now().UTC()}
	if err := n.broadcaster.Broadcast(ctx, group, msg); err != nil {
		if n.logger != nil {
			n.logger.Warn("push broadcast failed", "group", group, "event", event, "error", err.Error())
		}
		return fmt.Errorf("broadcast %s to %s: %w", event, group, err)
	}
	return nil
}

// NATSBroadcaster publishes group messages to core NATS subjects.
// Params: NATS connection and subject prefix.
// Returns: broadcaster for multi-process deployments.
type NATSBroadcaster struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSBroadcaster connects to NATS for group pushes.
// Params: server URLs and subject prefix.
// Returns: broadcaster or connect error.
func NewNATSBroadcaster(urls []string, prefix string) (*NATSBroadcaster, error) {
	nc, err := nats.Connect(strings.Join(urls, ","), nats.Name("sensoralert-push"))
	if err != nil {
		return nil, fmt.Errorf("connect push nats: %w", err)
	}
	return &NATSBroadcaster{nc: nc, prefix: strings.Trim(prefix, ".")}, nil
}

// Subject maps group onto NATS subject "<prefix>.<kind>.<id>".
func (b *NATSBroadcaster) Subject(group string) string {
	kind, id, found := strings.Cut(group, ".")
	if !found {
		return b.prefix + "." + subjectToken(group)
	}
	return b.prefix + "." + subjectToken(kind) + "." + subjectToken(id)
}

// Broadcast publishes message JSON to group subject.
// Params: context, group name, and message.
// Returns: encode or publish error.
func (b *NATSBroadcaster) Broadcast(ctx context.Context, group string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}
	if err := b.nc.Publish(b.Subject(group), body); err != nil {
		return fmt.Errorf("publish push message: %w", err)
	}
	return nil
}

// Close flushes pending pushes and closes connection.
func (b *NATSBroadcaster) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	err := b.nc.Flush()
	b.nc.Close()
	return err
}

// subjectToken replaces characters that NATS treats as subject syntax.
func subjectToken(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, trimmed)
}
