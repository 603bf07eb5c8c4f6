package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sensoralert/internal/domain"
)

type ruleKey struct {
	owner    string
	deviceID string
}

type pairKey struct {
	userID   string
	deviceID string
}

// MemoryStore keeps rules, states, events, and assignments in process memory for single mode.
// Params: in-memory maps and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu          sync.RWMutex
	now         func() time.Time
	rules       map[ruleKey]domain.AlertRule
	states      map[pairKey]domain.AlertState
	events      map[string]domain.AlertEvent
	assignments map[pairKey]domain.DeviceAssignment
}

// NewMemoryStore creates in-memory store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:         now,
		rules:       make(map[ruleKey]domain.AlertRule),
		states:      make(map[pairKey]domain.AlertState),
		events:      make(map[string]domain.AlertEvent),
		assignments: make(map[pairKey]domain.DeviceAssignment),
	}
}

// UpsertRule stores rule under (owner, device).
// Params: rule payload.
// Returns: stored rule or validation error.
func (s *MemoryStore) UpsertRule(_ context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	rule, err := prepareRule(rule, s.now())
	if err != nil {
		return domain.AlertRule{}, err
	}
	s.mu.Lock()
	s.rules[ruleKey{owner: rule.Owner.Key(), deviceID: rule.DeviceID}] = rule
	s.mu.Unlock()
	return rule, nil
}

// DeleteRule removes rule; missing rule is not an error.
func (s *MemoryStore) DeleteRule(_ context.Context, owner domain.Owner, deviceID string) error {
	s.mu.Lock()
	delete(s.rules, ruleKey{owner: owner.Key(), deviceID: domain.NormalizeDeviceID(deviceID)})
	s.mu.Unlock()
	return nil
}

// GetRule reads rule by owner and device.
// Params: owner and device id.
// Returns: rule or ErrNotFound.
func (s *MemoryStore) GetRule(_ context.Context, owner domain.Owner, deviceID string) (domain.AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[ruleKey{owner: owner.Key(), deviceID: domain.NormalizeDeviceID(deviceID)}]
	if !ok {
		return domain.AlertRule{}, ErrNotFound
	}
	return rule, nil
}

// ResolveEffective returns user rule, else global rule, else disabled default.
func (s *MemoryStore) ResolveEffective(ctx context.Context, userID, deviceID string) (domain.AlertRule, error) {
	return ResolveRule(ctx, s, userID, deviceID)
}

// ListEnabledRules returns enabled rules in owner/device order.
func (s *MemoryStore) ListEnabledRules(_ context.Context) ([]domain.AlertRule, error) {
	s.mu.RLock()
	out := make([]domain.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	s.mu.RUnlock()
	sortRules(out)
	return out, nil
}

// GetState reads state for (user, device).
// Params: user id and device id.
// Returns: state or ErrNotFound.
func (s *MemoryStore) GetState(_ context.Context, userID, deviceID string) (domain.AlertState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[pairKey{userID: strings.TrimSpace(userID), deviceID: domain.NormalizeDeviceID(deviceID)}]
	if !ok {
		return domain.AlertState{}, ErrNotFound
	}
	return state, nil
}

// UpsertState replaces whole state record.
func (s *MemoryStore) UpsertState(_ context.Context, state domain.AlertState) error {
	state, err := prepareState(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[pairKey{userID: state.UserID, deviceID: state.DeviceID}] = state
	s.mu.Unlock()
	return nil
}

// InsertEvent stores new event, assigning id when empty.
// Params: event payload.
// Returns: stored event.
func (s *MemoryStore) InsertEvent(_ context.Context, event domain.AlertEvent) (domain.AlertEvent, error) {
	event, err := prepareEvent(event, s.now())
	if err != nil {
		return domain.AlertEvent{}, err
	}
	s.mu.Lock()
	s.events[event.ID] = event
	s.mu.Unlock()
	return event, nil
}

// ListUnread returns newest unread events for user.
// Params: user id and page size (clamped to 1..50).
// Returns: events newest first.
func (s *MemoryStore) ListUnread(_ context.Context, userID string, take int) ([]domain.AlertEvent, error) {
	user := strings.TrimSpace(userID)
	s.mu.RLock()
	out := make([]domain.AlertEvent, 0)
	for _, event := range s.events {
		if event.UserID == user && !event.IsRead {
			out = append(out, event)
		}
	}
	s.mu.RUnlock()
	newestFirst(out)
	if limit := clampTake(take); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRead marks one event of user as read.
// Params: user id and event id.
// Returns: ErrNotFound when event is absent or belongs to another user.
func (s *MemoryStore) MarkRead(_ context.Context, userID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[strings.TrimSpace(eventID)]
	if !ok || event.UserID != strings.TrimSpace(userID) {
		return ErrNotFound
	}
	event.IsRead = true
	s.events[event.ID] = event
	return nil
}

// MarkAllRead marks every unread event of user as read.
// Params: user id.
// Returns: number of events changed.
func (s *MemoryStore) MarkAllRead(_ context.Context, userID string) (int, error) {
	user := strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, event := range s.events {
		if event.UserID != user || event.IsRead {
			continue
		}
		event.IsRead = true
		s.events[id] = event
		changed++
	}
	return changed, nil
}

// UsersForDevice lists users assigned to device in id order.
func (s *MemoryStore) UsersForDevice(_ context.Context, deviceID string) ([]string, error) {
	id := domain.NormalizeDeviceID(deviceID)
	s.mu.RLock()
	out := make([]string, 0)
	for key := range s.assignments {
		if key.deviceID == id {
			out = append(out, key.userID)
		}
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// DevicesForUser lists assignments of user in device order.
func (s *MemoryStore) DevicesForUser(_ context.Context, userID string) ([]domain.DeviceAssignment, error) {
	user := strings.TrimSpace(userID)
	s.mu.RLock()
	out := make([]domain.DeviceAssignment, 0)
	for key, assignment := range s.assignments {
		if key.userID == user {
			out = append(out, assignment)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// PutAssignment stores assignment.
func (s *MemoryStore) PutAssignment(_ context.Context, assignment domain.DeviceAssignment) error {
	assignment, err := prepareAssignment(assignment, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.assignments[pairKey{userID: assignment.UserID, deviceID: assignment.DeviceID}] = assignment
	s.mu.Unlock()
	return nil
}

// DeleteAssignment removes assignment.
func (s *MemoryStore) DeleteAssignment(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	delete(s.assignments, pairKey{userID: strings.TrimSpace(userID), deviceID: domain.NormalizeDeviceID(deviceID)})
	s.mu.Unlock()
	return nil
}

// Close is no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}
