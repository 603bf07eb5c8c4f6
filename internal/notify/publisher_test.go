package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sensoralert/internal/domain"
	"sensoralert/test/testutil"
)

type recordingSink struct {
	events []domain.AlertEvent
	err    error
}

func (s *recordingSink) HandleEvent(_ context.Context, event domain.AlertEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type failingRoles struct{}

func (failingRoles) RolesForUser(context.Context, string) ([]string, error) {
	return []string{"ops"}, errors.New("directory down")
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func testEvent() domain.AlertEvent {
	return domain.AlertEvent{
		ID:         "01HZXEVENT",
		UserID:     "u1",
		DeviceID:   "DEV1",
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Reasons:    "TMP1_HIGH",
		Level:      domain.EventLevelAlarm,
	}
}

func TestNotifierPublishesToDeviceUserAndRoleGroups(t *testing.T) {
	t.Parallel()

	hub := NewHub(8, nil)
	owner := hub.Subscribe("u1", nil)
	defer owner.Close()
	operator := hub.Subscribe("u9", []string{"ops"})
	defer operator.Close()
	watcher := hub.Subscribe("u7", nil)
	defer watcher.Close()
	watcher.JoinDevice(" dev1 ")
	stranger := hub.Subscribe("u8", nil)
	defer stranger.Close()

	sink := &recordingSink{}
	notifier := NewNotifier(hub, StaticRoles{"u1": {"ops"}}, nil, sink)
	if err := notifier.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if msg := receive(t, owner); msg.Group != "user.u1" || msg.Event != EventAlarmNew {
		t.Fatalf("unexpected owner message %+v", msg)
	}
	if msg := receive(t, operator); msg.Group != "role.ops" {
		t.Fatalf("unexpected role message %+v", msg)
	}
	msg := receive(t, watcher)
	if msg.Group != "dev.DEV1" {
		t.Fatalf("unexpected device message %+v", msg)
	}
	var decoded domain.AlertEvent
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil || decoded.ID != "01HZXEVENT" {
		t.Fatalf("payload not event json: %v %+v", err, decoded)
	}
	expectNone(t, stranger)
	if len(sink.events) != 1 {
		t.Fatalf("sink not invoked")
	}
}

func TestNotifierKeepsDeliveringOnPartialFailure(t *testing.T) {
	t.Parallel()

	hub := NewHub(8, nil)
	owner := hub.Subscribe("u1", nil)
	defer owner.Close()

	sink := &recordingSink{err: errors.New("webhook down")}
	notifier := NewNotifier(hub, failingRoles{}, nil, sink)
	err := notifier.Publish(context.Background(), testEvent())
	if err == nil {
		t.Fatalf("expected joined error")
	}
	receive(t, owner)
	if len(sink.events) != 1 {
		t.Fatalf("sink must still run after role failure")
	}
}

func TestNotifierPublishRecordTargetsDeviceGroup(t *testing.T) {
	t.Parallel()

	hub := NewHub(8, nil)
	sub := hub.Subscribe("u1", nil)
	defer sub.Close()
	sub.JoinDevice("DEV2")

	notifier := NewNotifier(hub, nil, nil)
	record := domain.AlarmRecord{DeviceID: "dev2", AlarmName: "Door open", AlarmTimestamp: 1_700_000_000}
	if err := notifier.PublishRecord(context.Background(), record); err != nil {
		t.Fatalf("publish record: %v", err)
	}
	msg := receive(t, sub)
	if msg.Event != EventAlarmRecord || msg.Group != "dev.DEV2" {
		t.Fatalf("unexpected record message %+v", msg)
	}

	sub.LeaveDevice("DEV2")
	if err := notifier.PublishRecord(context.Background(), record); err != nil {
		t.Fatalf("publish record: %v", err)
	}
	expectNone(t, sub)
}

func TestHubDropsWhenBufferFullAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := NewHub(1, nil)
	sub := hub.Subscribe("u1", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := hub.Broadcast(ctx, "user.u1", Message{Event: EventAlarmNew}); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}
	if hub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", hub.Dropped())
	}

	sub.Close()
	sub.Close()
	if hub.Len() != 0 {
		t.Fatalf("subscriber not removed")
	}
	if err := hub.Broadcast(ctx, "user.u1", Message{}); err != nil {
		t.Fatalf("broadcast after close: %v", err)
	}
	<-sub.Messages()
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("channel must be closed")
	}
}

func TestNATSBroadcasterSubjects(t *testing.T) {
	t.Parallel()

	b := &NATSBroadcaster{prefix: "sensoralert.push"}
	cases := map[string]string{
		"dev.DEV1":     "sensoralert.push.dev.DEV1",
		"user.a.b":     "sensoralert.push.user.a_b",
		"role.on call": "sensoralert.push.role.on_call",
		"dev.*":        "sensoralert.push.dev._",
	}
	for group, want := range cases {
		if got := b.Subject(group); got != want {
			t.Fatalf("subject(%q)=%q want %q", group, got, want)
		}
	}
}

func TestNATSBroadcasterPublishes(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	natsURL, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	broadcaster, err := NewNATSBroadcaster([]string{natsURL}, "sensoralert.push")
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	defer func() { _ = broadcaster.Close() }()

	sub := testutil.SubscribeSync(t, natsURL, "sensoralert.push.>")

	notifier := NewNotifier(broadcaster, nil, nil)
	if err := notifier.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := broadcaster.nc.Flush(); err != nil {
		t.Fatalf("flush publisher: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("next msg: %v", err)
		}
		seen[msg.Subject] = true
	}
	if !seen["sensoralert.push.dev.DEV1"] || !seen["sensoralert.push.user.u1"] {
		t.Fatalf("unexpected subjects %v", seen)
	}
}
