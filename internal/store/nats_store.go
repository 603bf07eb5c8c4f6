package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists rules, states, events, and assignments in JetStream KV buckets.
// Params: NATS connection and one KV bucket per document kind.
// Returns: KV-backed store implementation.
type NATSStore struct {
	nc            *nats.Conn
	rulesKV       nats.KeyValue
	statesKV      nats.KeyValue
	eventsKV      nats.KeyValue
	assignmentsKV nats.KeyValue
	now           func() time.Time
}

// NewNATSStore connects to NATS and opens (or creates) KV buckets.
// Params: NATS store settings and now function.
// Returns: initialized store or setup error.
func NewNATSStore(settings config.NATSStoreConfig, now func() time.Time) (*NATSStore, error) {
	if now == nil {
		now = time.Now
	}
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	store := &NATSStore{nc: nc, now: now}
	buckets := []struct {
		name   string
		target *nats.KeyValue
	}{
		{name: settings.RuleBucket, target: &store.rulesKV},
		{name: settings.StateBucket, target: &store.statesKV},
		{name: settings.EventBucket, target: &store.eventsKV},
		{name: settings.AssignmentBucket, target: &store.assignmentsKV},
	}
	for _, bucket := range buckets {
		kv, err := openBucket(js, bucket.name, settings.AllowCreateBuckets)
		if err != nil {
			nc.Close()
			return nil, err
		}
		*bucket.target = kv
	}
	return store, nil
}

// openBucket opens KV bucket, creating it when allowed.
// Params: JetStream context, bucket name, and auto-create flag.
// Returns: bucket handle or error.
func openBucket(js nats.JetStreamContext, name string, allowCreate bool) (nats.KeyValue, error) {
	kv, err := js.KeyValue(name)
	if err == nil {
		return kv, nil
	}
	if !allowCreate {
		return nil, fmt.Errorf("open bucket %q: %w", name, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: name})
	if err != nil {
		return nil, fmt.Errorf("create bucket %q: %w", name, err)
	}
	return kv, nil
}

// kvToken encodes arbitrary identifier into one KV key token.
func kvToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func ruleKVKey(owner domain.Owner, deviceID string) string {
	return kvToken(owner.Key()) + "." + kvToken(domain.NormalizeDeviceID(deviceID))
}

func pairKVKey(first, second string) string {
	return kvToken(first) + "." + kvToken(second)
}

func getJSON[T any](kv nats.KeyValue, key string) (T, uint64, error) {
	var out T
	entry, err := kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return out, 0, ErrNotFound
		}
		return out, 0, err
	}
	if err := json.Unmarshal(entry.Value(), &out); err != nil {
		return out, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, entry.Revision(), nil
}

func putJSON(kv nats.KeyValue, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := kv.Put(key, body); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// keysWithPrefix lists bucket keys sharing prefix; empty prefix lists all.
func keysWithPrefix(kv nats.KeyValue, prefix string) ([]string, error) {
	keys, err := kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// UpsertRule stores rule under (owner, device).
func (s *NATSStore) UpsertRule(_ context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	rule, err := prepareRule(rule, s.now())
	if err != nil {
		return domain.AlertRule{}, err
	}
	if err := putJSON(s.rulesKV, ruleKVKey(rule.Owner, rule.DeviceID), rule); err != nil {
		return domain.AlertRule{}, fmt.Errorf("upsert rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes rule; missing rule is not an error.
func (s *NATSStore) DeleteRule(_ context.Context, owner domain.Owner, deviceID string) error {
	if err := s.rulesKV.Delete(ruleKVKey(owner, deviceID)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// GetRule reads rule by owner and device.
// Params: owner and device id.
// Returns: rule or ErrNotFound.
func (s *NATSStore) GetRule(_ context.Context, owner domain.Owner, deviceID string) (domain.AlertRule, error) {
	rule, _, err := getJSON[domain.AlertRule](s.rulesKV, ruleKVKey(owner, deviceID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.AlertRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, err
}

// ResolveEffective returns user rule, else global rule, else disabled default.
func (s *NATSStore) ResolveEffective(ctx context.Context, userID, deviceID string) (domain.AlertRule, error) {
	return ResolveRule(ctx, s, userID, deviceID)
}

// ListEnabledRules scans rules bucket for enabled rules.
// Params: none.
// Returns: enabled rules in owner/device order.
func (s *NATSStore) ListEnabledRules(_ context.Context) ([]domain.AlertRule, error) {
	keys, err := keysWithPrefix(s.rulesKV, "")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]domain.AlertRule, 0, len(keys))
	for _, key := range keys {
		rule, _, err := getJSON[domain.AlertRule](s.rulesKV, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	sortRules(out)
	return out, nil
}

// GetState reads state for (user, device).
func (s *NATSStore) GetState(_ context.Context, userID, deviceID string) (domain.AlertState, error) {
	state, _, err := getJSON[domain.AlertState](s.statesKV, pairKVKey(strings.TrimSpace(userID), domain.NormalizeDeviceID(deviceID)))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.AlertState{}, fmt.Errorf("get state: %w", err)
	}
	return state, err
}

// UpsertState replaces whole state record in one put.
func (s *NATSStore) UpsertState(_ context.Context, state domain.AlertState) error {
	state, err := prepareState(state)
	if err != nil {
		return err
	}
	if err := putJSON(s.statesKV, pairKVKey(state.UserID, state.DeviceID), state); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func eventKVKey(userID, eventID string) string {
	return kvToken(userID) + "." + eventID
}

// InsertEvent stores new event keyed by recipient and ULID.
func (s *NATSStore) InsertEvent(_ context.Context, event domain.AlertEvent) (domain.AlertEvent, error) {
	event, err := prepareEvent(event, s.now())
	if err != nil {
		return domain.AlertEvent{}, err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return domain.AlertEvent{}, fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.eventsKV.Create(eventKVKey(event.UserID, event.ID), body); err != nil {
		return domain.AlertEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// ListUnread returns newest unread events for user.
// Params: user id and page size (clamped to 1..50).
// Returns: events newest first.
func (s *NATSStore) ListUnread(_ context.Context, userID string, take int) ([]domain.AlertEvent, error) {
	keys, err := keysWithPrefix(s.eventsKV, kvToken(strings.TrimSpace(userID))+".")
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]domain.AlertEvent, 0, len(keys))
	for _, key := range keys {
		event, _, err := getJSON[domain.AlertEvent](s.eventsKV, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		if !event.IsRead {
			out = append(out, event)
		}
	}
	newestFirst(out)
	if limit := clampTake(take); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead marks one event as read with revision check.
// Params: user id and event id.
// Returns: ErrNotFound when event is absent for user.
func (s *NATSStore) MarkRead(_ context.Context, userID, eventID string) error {
	_, err := s.markRead(eventKVKey(strings.TrimSpace(userID), strings.TrimSpace(eventID)))
	return err
}

// MarkAllRead marks every unread event of user as read.
// Params: user id.
// Returns: number of events changed.
func (s *NATSStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	keys, err := keysWithPrefix(s.eventsKV, kvToken(strings.TrimSpace(userID))+".")
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	changed := 0
	for _, key := range keys {
		updated, err := s.markRead(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return changed, err
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

func (s *NATSStore) markRead(key string) (bool, error) {
	event, revision, err := getJSON[domain.AlertEvent](s.eventsKV, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("get event: %w", err)
	}
	if event.IsRead {
		return false, nil
	}
	event.IsRead = true
	body, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("encode event: %w", err)
	}
	if _, err := s.eventsKV.Update(key, body, revision); err != nil {
		return false, fmt.Errorf("mark event read: %w", err)
	}
	return true, nil
}

// UsersForDevice lists users assigned to device.
func (s *NATSStore) UsersForDevice(_ context.Context, deviceID string) ([]string, error) {
	keys, err := keysWithPrefix(s.assignmentsKV, kvToken(domain.NormalizeDeviceID(deviceID))+".")
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		assignment, _, err := getJSON[domain.DeviceAssignment](s.assignmentsKV, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list assignments: %w", err)
		}
		out = append(out, assignment.UserID)
	}
	return out, nil
}

// DevicesForUser lists assignments of user.
func (s *NATSStore) DevicesForUser(_ context.Context, userID string) ([]domain.DeviceAssignment, error) {
	keys, err := keysWithPrefix(s.assignmentsKV, "")
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	suffix := "." + kvToken(strings.TrimSpace(userID))
	out := make([]domain.DeviceAssignment, 0)
	for _, key := range keys {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		assignment, _, err := getJSON[domain.DeviceAssignment](s.assignmentsKV, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list assignments: %w", err)
		}
		out = append(out, assignment)
	}
	return out, nil
}

// PutAssignment stores assignment keyed by device then user.
func (s *NATSStore) PutAssignment(_ context.Context, assignment domain.DeviceAssignment) error {
	assignment, err := prepareAssignment(assignment, s.now())
	if err != nil {
		return err
	}
	if err := putJSON(s.assignmentsKV, pairKVKey(assignment.DeviceID, assignment.UserID), assignment); err != nil {
		return fmt.Errorf("put assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes assignment.
func (s *NATSStore) DeleteAssignment(_ context.Context, userID, deviceID string) error {
	key := pairKVKey(domain.NormalizeDeviceID(deviceID), strings.TrimSpace(userID))
	if err := s.assignmentsKV.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete assignment: %w", err)
	}
	return nil
}

// Ping reports NATS connection health.
func (s *NATSStore) Ping() error {
	if s.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats connection status %s", s.nc.Status())
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
