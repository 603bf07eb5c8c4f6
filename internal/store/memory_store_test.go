package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"sensoralert/internal/domain"
)

func fixedNow() time.Time {
	return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestMemoryStoreResolveEffectivePrecedence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)

	rule, err := s.ResolveEffective(ctx, "u1", " dev1 ")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rule.Enabled || !rule.Owner.IsGlobal() || rule.DeviceID != "DEV1" {
		t.Fatalf("expected disabled default, got %+v", rule)
	}

	global := domain.DefaultRule(domain.GlobalOwner(), "dev1")
	global.Enabled = true
	global.CooldownSeconds = 60
	if _, err := s.UpsertRule(ctx, global); err != nil {
		t.Fatalf("upsert global: %v", err)
	}
	rule, _ = s.ResolveEffective(ctx, "u1", "DEV1")
	if !rule.Owner.IsGlobal() || rule.CooldownSeconds != 60 {
		t.Fatalf("expected global rule, got %+v", rule)
	}

	user := domain.DefaultRule(domain.UserOwner("u1"), "Dev1")
	user.Enabled = true
	user.CooldownSeconds = 5
	if _, err := s.UpsertRule(ctx, user); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	rule, _ = s.ResolveEffective(ctx, "u1", "dev1")
	if rule.Owner.IsGlobal() || rule.CooldownSeconds != 5 {
		t.Fatalf("expected user override, got %+v", rule)
	}
	rule, _ = s.ResolveEffective(ctx, "u2", "dev1")
	if !rule.Owner.IsGlobal() {
		t.Fatalf("other user must see global rule, got %+v", rule)
	}

	if err := s.DeleteRule(ctx, domain.UserOwner("u1"), "dev1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rule, _ = s.ResolveEffective(ctx, "u1", "dev1")
	if !rule.Owner.IsGlobal() {
		t.Fatalf("expected fallback to global after delete")
	}
}

func TestMemoryStoreUserNamedGlobalDoesNotCollide(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)
	user := domain.DefaultRule(domain.UserOwner("global"), "D")
	user.Enabled = true
	if _, err := s.UpsertRule(ctx, user); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.GetRule(ctx, domain.GlobalOwner(), "D"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("user named global must not create global rule: %v", err)
	}
}

func TestMemoryStoreListEnabledRules(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)
	for _, owner := range []string{"b", "a"} {
		rule := domain.DefaultRule(domain.UserOwner(owner), "D1")
		rule.Enabled = true
		if _, err := s.UpsertRule(ctx, rule); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if _, err := s.UpsertRule(ctx, domain.DefaultRule(domain.UserOwner("c"), "D1")); err != nil {
		t.Fatalf("upsert disabled: %v", err)
	}
	if _, err := s.UpsertRule(ctx, domain.AlertRule{Owner: domain.UserOwner("x")}); err == nil {
		t.Fatalf("expected device id validation error")
	}

	rules, err := s.ListEnabledRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 || rules[0].Owner.UserID() != "a" || rules[1].Owner.UserID() != "b" {
		t.Fatalf("unexpected rules %+v", rules)
	}
	if rules[0].UpdatedAt.IsZero() {
		t.Fatalf("updated at must be stamped")
	}
}

func TestMemoryStoreStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)
	if _, err := s.GetState(ctx, "u1", "D1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ts := int64(42)
	if err := s.UpsertState(ctx, domain.AlertState{UserID: "u1", DeviceID: "d1", ConsecutiveBadHits: 2, LastSampleTs: &ts}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	state, err := s.GetState(ctx, " u1 ", "D1")
	if err != nil || state.ConsecutiveBadHits != 2 || !state.SameSample(42) {
		t.Fatalf("unexpected state %+v err=%v", state, err)
	}
	if err := s.UpsertState(ctx, domain.AlertState{DeviceID: "d1"}); err == nil {
		t.Fatalf("expected identity validation error")
	}
}

func TestMemoryStoreEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)
	base := fixedNow()
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		event, err := s.InsertEvent(ctx, domain.AlertEvent{
			UserID:     "u1",
			DeviceID:   "d1",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
			Reasons:    "TMP1_HIGH",
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if event.ID == "" || event.Level != domain.EventLevelAlarm || event.DeviceID != "D1" {
			t.Fatalf("unexpected stored event %+v", event)
		}
		ids = append(ids, event.ID)
	}
	if _, err := s.InsertEvent(ctx, domain.AlertEvent{UserID: "u2", DeviceID: "d1"}); err != nil {
		t.Fatalf("insert other user: %v", err)
	}

	unread, err := s.ListUnread(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 2 || unread[0].ID != ids[2] || unread[1].ID != ids[1] {
		t.Fatalf("expected newest first, got %+v", unread)
	}
	if unread, _ := s.ListUnread(ctx, "u1", 0); len(unread) != 1 {
		t.Fatalf("take below one must clamp to one, got %d", len(unread))
	}

	if err := s.MarkRead(ctx, "u2", ids[2]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign event must be not found, got %v", err)
	}
	if err := s.MarkRead(ctx, "u1", ids[2]); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	changed, err := s.MarkAllRead(ctx, "u1")
	if err != nil || changed != 2 {
		t.Fatalf("mark all read: changed=%d err=%v", changed, err)
	}
	if unread, _ := s.ListUnread(ctx, "u1", 50); len(unread) != 0 {
		t.Fatalf("expected no unread events, got %d", len(unread))
	}
	if unread, _ := s.ListUnread(ctx, "u2", 50); len(unread) != 1 {
		t.Fatalf("other user events must stay unread")
	}
}

func TestMemoryStoreAssignments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(fixedNow)
	for _, a := range []domain.DeviceAssignment{
		{UserID: "u2", DeviceID: "d1"},
		{UserID: "u1", DeviceID: "d1", DeviceName: "Fridge"},
		{UserID: "u1", DeviceID: "d2"},
	} {
		if err := s.PutAssignment(ctx, a); err != nil {
			t.Fatalf("put assignment: %v", err)
		}
	}
	users, _ := s.UsersForDevice(ctx, "D1")
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Fatalf("unexpected users %v", users)
	}
	devices, _ := s.DevicesForUser(ctx, "u1")
	if len(devices) != 2 || devices[0].DeviceName != "Fridge" || devices[1].DeviceID != "D2" {
		t.Fatalf("unexpected devices %+v", devices)
	}
	if err := s.DeleteAssignment(ctx, "u2", "d1"); err != nil {
		t.Fatalf("delete assignment: %v", err)
	}
	if users, _ := s.UsersForDevice(ctx, "d1"); len(users) != 1 {
		t.Fatalf("expected one user after delete, got %v", users)
	}
}

func TestNewEventIDIsSortable(t *testing.T) {
	t.Parallel()

	first := NewEventID(fixedNow())
	second := NewEventID(fixedNow().Add(time.Millisecond))
	if len(first) != 26 || first >= second {
		t.Fatalf("unexpected ids %q %q", first, second)
	}
}
