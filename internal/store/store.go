package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"sensoralert/internal/domain"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultUnreadTake is unread page size callers use when they have no preference.
	DefaultUnreadTake = 10
	// MaxUnreadTake caps unread page size.
	MaxUnreadTake = 50
)

var (
	// ErrNotFound indicates absent rule, state, or event.
	ErrNotFound = errors.New("not found")
)

// RuleStore persists threshold rules keyed by (owner, device).
type RuleStore interface {
	UpsertRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error)
	DeleteRule(ctx context.Context, owner domain.Owner, deviceID string) error
	GetRule(ctx context.Context, owner domain.Owner, deviceID string) (domain.AlertRule, error)
	ResolveEffective(ctx context.Context, userID, deviceID string) (domain.AlertRule, error)
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
}

// StateStore persists per-(user, device) evaluation state.
type StateStore interface {
	GetState(ctx context.Context, userID, deviceID string) (domain.AlertState, error)
	UpsertState(ctx context.Context, state domain.AlertState) error
}

// EventStore persists fired alert events.
type EventStore interface {
	InsertEvent(ctx context.Context, event domain.AlertEvent) (domain.AlertEvent, error)
	ListUnread(ctx context.Context, userID string, take int) ([]domain.AlertEvent, error)
	MarkRead(ctx context.Context, userID, eventID string) error
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// AssignmentReader exposes device assignments owned by an external collaborator.
type AssignmentReader interface {
	UsersForDevice(ctx context.Context, deviceID string) ([]string, error)
	DevicesForUser(ctx context.Context, userID string) ([]domain.DeviceAssignment, error)
}

// AssignmentWriter seeds assignments for single-process deployments and tests.
type AssignmentWriter interface {
	PutAssignment(ctx context.Context, assignment domain.DeviceAssignment) error
	DeleteAssignment(ctx context.Context, userID, deviceID string) error
}

// Store bundles every persistence contract used by the service.
// Params: rule, state, event, and assignment operations.
// Returns: backend persistence behavior.
type Store interface {
	RuleStore
	StateStore
	EventStore
	AssignmentReader
	AssignmentWriter
	Close() error
}

// ResolveRule applies USER over GLOBAL precedence with a disabled default.
// Params: context, rule getter, user id, and device id.
// Returns: effective rule or backend error.
func ResolveRule(ctx context.Context, rules interface {
	GetRule(ctx context.Context, owner domain.Owner, deviceID string) (domain.AlertRule, error)
}, userID, deviceID string) (domain.AlertRule, error) {
	id := domain.NormalizeDeviceID(deviceID)
	if user := strings.TrimSpace(userID); user != "" {
		rule, err := rules.GetRule(ctx, domain.UserOwner(user), id)
		if err == nil {
			return rule, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.AlertRule{}, err
		}
	}
	rule, err := rules.GetRule(ctx, domain.GlobalOwner(), id)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.AlertRule{}, err
	}
	return domain.DefaultRule(domain.GlobalOwner(), id), nil
}

// prepareRule validates owner and normalizes device id before persistence.
func prepareRule(rule domain.AlertRule, now time.Time) (domain.AlertRule, error) {
	if err := rule.Owner.Validate(); err != nil {
		return domain.AlertRule{}, err
	}
	rule.DeviceID = domain.NormalizeDeviceID(rule.DeviceID)
	if rule.DeviceID == "" {
		return domain.AlertRule{}, errors.New("device id is required")
	}
	if rule.Owner.IsGlobal() {
		rule.TargetUserID = ""
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now.UTC()
	}
	return rule, nil
}

// prepareState validates identity fields before persistence.
func prepareState(state domain.AlertState) (domain.AlertState, error) {
	state.UserID = strings.TrimSpace(state.UserID)
	state.DeviceID = domain.NormalizeDeviceID(state.DeviceID)
	if state.UserID == "" || state.DeviceID == "" {
		return domain.AlertState{}, errors.New("state requires user id and device id")
	}
	return state, nil
}

// NewEventID returns time-sortable event id.
// Params: event time.
// Returns: ULID string.
func NewEventID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

// prepareEvent assigns id, level, and normalized identity.
func prepareEvent(event domain.AlertEvent, now time.Time) (domain.AlertEvent, error) {
	event.UserID = strings.TrimSpace(event.UserID)
	event.DeviceID = domain.NormalizeDeviceID(event.DeviceID)
	if event.UserID == "" || event.DeviceID == "" {
		return domain.AlertEvent{}, errors.New("event requires user id and device id")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now.UTC()
	}
	if event.Level == "" {
		event.Level = domain.EventLevelAlarm
	}
	if event.ID == "" {
		event.ID = NewEventID(event.OccurredAt)
	}
	return event, nil
}

// clampTake bounds unread page size to 1..MaxUnreadTake.
func clampTake(take int) int {
	if take < 1 {
		return 1
	}
	if take > MaxUnreadTake {
		return MaxUnreadTake
	}
	return take
}

// newestFirst orders events by occurrence time then id, descending.
func newestFirst(events []domain.AlertEvent) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].ID > events[j].ID
	})
}

// sortRules orders rules by owner key then device id.
func sortRules(rules []domain.AlertRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Owner.Key() != rules[j].Owner.Key() {
			return rules[i].Owner.Key() < rules[j].Owner.Key()
		}
		return rules[i].DeviceID < rules[j].DeviceID
	})
}

// prepareAssignment normalizes assignment identity.
func prepareAssignment(assignment domain.DeviceAssignment, now time.Time) (domain.DeviceAssignment, error) {
	assignment.UserID = strings.TrimSpace(assignment.UserID)
	assignment.DeviceID = domain.NormalizeDeviceID(assignment.DeviceID)
	assignment.DeviceName = strings.TrimSpace(assignment.DeviceName)
	if assignment.UserID == "" || assignment.DeviceID == "" {
		return domain.DeviceAssignment{}, errors.New("assignment requires user id and device id")
	}
	if assignment.AssignedAt.IsZero() {
		assignment.AssignedAt = now.UTC()
	}
	return assignment, nil
}
