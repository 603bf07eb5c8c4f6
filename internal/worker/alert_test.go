package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/realtime"
	"sensoralert/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	samples map[string]domain.TelemetrySample
	fail    map[string]bool
	calls   [][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{samples: map[string]domain.TelemetrySample{}, fail: map[string]bool{}}
}

func (s *fakeSource) set(deviceID string, ts int64, tmp1 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[deviceID] = domain.TelemetrySample{DeviceID: deviceID, DeviceName: "Cold room " + deviceID, SampleTs: ts, Tmp: [domain.TempChannels]string{tmp1}}
}

func (s *fakeSource) Realtime(_ context.Context, deviceIDs []string) ([]domain.TelemetrySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), deviceIDs...))
	out := make([]domain.TelemetrySample, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if s.fail[id] {
			return nil, errors.New("upstream unavailable")
		}
		if sample, ok := s.samples[id]; ok {
			out = append(out, sample)
		}
	}
	return out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.AlertEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) users() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.UserID)
	}
	sort.Strings(out)
	return out
}

type countingRecorder struct {
	mu           sync.Mutex
	groupFails   int
	fired        map[string]int
	skipped      map[string]int
	publishFails int
	ticks        int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{fired: map[string]int{}, skipped: map[string]int{}}
}

func (r *countingRecorder) ObserveTick(time.Duration, int) {
	r.mu.Lock()
	r.ticks++
	r.mu.Unlock()
}

func (r *countingRecorder) GroupFetchFailed() {
	r.mu.Lock()
	r.groupFails++
	r.mu.Unlock()
}

func (r *countingRecorder) EventFired(scope string) {
	r.mu.Lock()
	r.fired[scope]++
	r.mu.Unlock()
}

func (r *countingRecorder) RuleSkipped(reason string) {
	r.mu.Lock()
	r.skipped[reason]++
	r.mu.Unlock()
}

func (r *countingRecorder) PublishFailed() {
	r.mu.Lock()
	r.publishFails++
	r.mu.Unlock()
}

type workerFixture struct {
	store     *store.MemoryStore
	source    *fakeSource
	cache     *realtime.Cache
	publisher *recordingPublisher
	metrics   *countingRecorder
	clock     *clock.FakeClock
	worker    *AlertWorker
}

func newWorkerFixture(t *testing.T, parallel int) *workerFixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	f := &workerFixture{
		store:     store.NewMemoryStore(clk.Now),
		source:    newFakeSource(),
		cache:     realtime.NewCache(clk, nil, nil),
		publisher: &recordingPublisher{},
		metrics:   newCountingRecorder(),
		clock:     clk,
	}
	f.worker = New(config.WorkerConfig{TickIntervalSec: 120, ParallelGroups: parallel}, AlertDeps{
		Store:     f.store,
		Source:    f.source,
		Cache:     f.cache,
		Publisher: f.publisher,
		Metrics:   f.metrics,
		Clock:     clk,
	})
	return f
}

func (f *workerFixture) rule(t *testing.T, owner domain.Owner, deviceID string, limit float64, debounce, cooldown int) domain.AlertRule {
	t.Helper()
	rule := domain.DefaultRule(owner, deviceID)
	rule.Enabled = true
	rule.TempRanges[0] = domain.Range{Max: &limit}
	rule.DebounceHits = debounce
	rule.CooldownSeconds = cooldown
	saved, err := f.store.UpsertRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("upsert rule: %v", err)
	}
	return saved
}

func (f *workerFixture) assign(t *testing.T, userID, deviceID string) {
	t.Helper()
	if err := f.store.PutAssignment(context.Background(), domain.DeviceAssignment{UserID: userID, DeviceID: deviceID}); err != nil {
		t.Fatalf("put assignment: %v", err)
	}
}

func (f *workerFixture) tick(t *testing.T) {
	t.Helper()
	if err := f.worker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func TestTickWithoutRulesSkipsUpstream(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.tick(t)
	if f.source.callCount() != 0 {
		t.Fatalf("no rules must mean no upstream calls")
	}
}

func TestTickDebounceCooldownScenario(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "dev1", 8, 2, 180)

	fires := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		f.source.set("DEV1", int64(1_000+60*i), "9.0")
		f.tick(t)
		fires = append(fires, len(f.publisher.events))
		f.clock.Advance(60 * time.Second)
	}
	if fires[0] != 0 || fires[1] != 1 || fires[2] != 1 {
		t.Fatalf("unexpected fire progression %v", fires)
	}

	state, err := f.store.GetState(context.Background(), "u1", "DEV1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if !state.IsBad || state.ConsecutiveBadHits != 3 || state.LastReasons != "TMP1_HIGH" {
		t.Fatalf("unexpected state %+v", state)
	}
	event := f.publisher.events[0]
	if event.DeviceName != "Cold room DEV1" || event.Tmp[0] != "9.0" || event.Level != domain.EventLevelAlarm || event.ID == "" {
		t.Fatalf("unexpected event %+v", event)
	}
	unread, err := f.store.ListUnread(context.Background(), "u1", 10)
	if err != nil || len(unread) != 1 {
		t.Fatalf("event not persisted: %v %d", err, len(unread))
	}
	if _, ok := f.cache.Get("DEV1", 0); !ok {
		t.Fatalf("sample not cached")
	}
}

func TestTickSkipsSameSample(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "DEV1", 8, 2, 0)
	f.source.set("DEV1", 5_000, "9.0")

	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	state, err := f.store.GetState(context.Background(), "u1", "DEV1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ConsecutiveBadHits != 1 || len(f.publisher.events) != 0 {
		t.Fatalf("same sample must count once: %+v", state)
	}
	if f.metrics.skipped[skipSameSample] != 2 {
		t.Fatalf("expected 2 dedup skips, got %v", f.metrics.skipped)
	}
}

func TestTickBatchesOneCallPerOwner(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "DEV1", 8, 1, 0)
	f.rule(t, domain.UserOwner("u1"), "DEV2", 8, 1, 0)
	f.rule(t, domain.UserOwner("u2"), "DEV1", 8, 1, 0)
	f.source.set("DEV1", 10, "1")
	f.source.set("DEV2", 10, "1")

	f.tick(t)
	if f.source.callCount() != 2 {
		t.Fatalf("expected one realtime call per owner, got %v", f.source.calls)
	}
	if len(f.source.calls[0]) != 2 {
		t.Fatalf("owner u1 must batch both devices: %v", f.source.calls[0])
	}
}

func TestTickGlobalRuleFansOutToAssignedUsers(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.GlobalOwner(), "DEV1", 8, 1, 0)
	f.rule(t, domain.UserOwner("u2"), "DEV1", 20, 1, 0)
	f.assign(t, "u1", "DEV1")
	f.assign(t, "u2", "DEV1")
	f.assign(t, "u3", "DEV1")
	f.source.set("DEV1", 100, "9.5")

	f.tick(t)
	users := f.publisher.users()
	if len(users) != 2 || users[0] != "u1" || users[1] != "u3" {
		t.Fatalf("global rule must fire for assigned users without own rule, got %v", users)
	}
	if f.metrics.fired[string(domain.ScopeGlobal)] != 2 {
		t.Fatalf("unexpected fired metrics %v", f.metrics.fired)
	}
	if _, err := f.store.GetState(context.Background(), "u2", "DEV1"); err != nil {
		t.Fatalf("u2 own rule must still be evaluated: %v", err)
	}
}

func TestTickTargetUserReceivesUserRule(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	rule := domain.DefaultRule(domain.UserOwner("manager"), "DEV1")
	rule.Enabled = true
	limit := 8.0
	rule.TempRanges[0] = domain.Range{Max: &limit}
	rule.DebounceHits = 1
	rule.TargetUserID = "operator"
	if _, err := f.store.UpsertRule(context.Background(), rule); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.source.set("DEV1", 7, "9")

	f.tick(t)
	if users := f.publisher.users(); len(users) != 1 || users[0] != "operator" {
		t.Fatalf("expected delegated recipient, got %v", users)
	}
}

func TestTickFailedGroupIsSkipped(t *testing.T) {
	t.Parallel()

	for _, parallel := range []int{1, 4} {
		f := newWorkerFixture(t, parallel)
		f.rule(t, domain.UserOwner("u1"), "BROKEN", 8, 1, 0)
		f.rule(t, domain.UserOwner("u2"), "DEV2", 8, 1, 0)
		f.source.fail["BROKEN"] = true
		f.source.set("DEV2", 50, "12")

		f.tick(t)
		if f.metrics.groupFails != 1 {
			t.Fatalf("parallel=%d expected one failed group, got %d", parallel, f.metrics.groupFails)
		}
		if users := f.publisher.users(); len(users) != 1 || users[0] != "u2" {
			t.Fatalf("parallel=%d healthy group must still fire, got %v", parallel, users)
		}
	}
}

func TestTickPublishFailureStillPersistsState(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.publisher.err = errors.New("push down")
	f.rule(t, domain.UserOwner("u1"), "DEV1", 8, 1, 0)
	f.source.set("DEV1", 1, "30")

	f.tick(t)
	state, err := f.store.GetState(context.Background(), "u1", "DEV1")
	if err != nil || state.LastAlertAt == nil {
		t.Fatalf("state must record alert: %v %+v", err, state)
	}
	if f.metrics.publishFails != 1 {
		t.Fatalf("publish failure not counted")
	}
}

func TestTickMissingSampleSkipsRule(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "GHOST", 8, 1, 0)
	f.tick(t)
	if f.metrics.skipped[skipNoSample] != 1 {
		t.Fatalf("expected no-sample skip, got %v", f.metrics.skipped)
	}
	if _, err := f.store.GetState(context.Background(), "u1", "GHOST"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("state must not be created without sample: %v", err)
	}
}

func TestWorkerStartStop(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "DEV1", 8, 1, 0)
	f.source.set("DEV1", 1, "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.worker.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.source.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first tick did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.worker.Stop()
	f.worker.Stop()
}

func TestGroupRulesDedupesDevices(t *testing.T) {
	t.Parallel()

	rules := []domain.AlertRule{
		{Owner: domain.UserOwner("b"), DeviceID: "D1"},
		{Owner: domain.GlobalOwner(), DeviceID: "D1"},
		{Owner: domain.UserOwner("b"), DeviceID: "d1"},
		{Owner: domain.UserOwner("b"), DeviceID: "D2"},
	}
	groups := groupRules(rules)
	if len(groups) != 2 || groups[0].owner != "global" || groups[1].owner != "user.b" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if len(groups[1].rules) != 3 || len(groups[1].deviceIDs) != 2 {
		t.Fatalf("unexpected user group %+v", groups[1])
	}
}

func TestTickSamplesWithoutTimestampAreAlwaysEvaluated(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.UserOwner("u1"), "DEV1", 8, 2, 0)
	f.source.set("DEV1", 0, "9.0")

	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	state, err := f.store.GetState(context.Background(), "u1", "DEV1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ConsecutiveBadHits != 3 || !state.IsBad || state.LastSampleTs != nil {
		t.Fatalf("unexpected state %+v", state)
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(f.publisher.events))
	}
	if f.metrics.skipped[skipSameSample] != 0 {
		t.Fatalf("missing timestamp must not hit dedup guard: %v", f.metrics.skipped)
	}
}

func TestTickGlobalRuleWithoutRecipientsIsCounted(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	f.rule(t, domain.GlobalOwner(), "DEV1", 8, 1, 0)
	f.source.set("DEV1", 10, "9.5")

	f.tick(t)
	if len(f.publisher.events) != 0 {
		t.Fatalf("unassigned device must not fire")
	}
	if f.metrics.skipped[skipNoTarget] != 1 {
		t.Fatalf("expected no-recipient skip, got %v", f.metrics.skipped)
	}
}

func TestTickDelegatedRuleYieldsToTargetOwnRule(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t, 1)
	delegated := domain.DefaultRule(domain.UserOwner("manager"), "DEV1")
	delegated.Enabled = true
	limit := 8.0
	delegated.TempRanges[0] = domain.Range{Max: &limit}
	delegated.DebounceHits = 1
	delegated.TargetUserID = "operator"
	if _, err := f.store.UpsertRule(context.Background(), delegated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.rule(t, domain.UserOwner("operator"), "DEV1", 20, 1, 0)
	f.source.set("DEV1", 42, "9")

	f.tick(t)
	if len(f.publisher.events) != 0 {
		t.Fatalf("operator own rule must win, got %v", f.publisher.users())
	}
	if f.metrics.skipped[skipTargetRule] != 1 || f.metrics.skipped[skipSameSample] != 0 {
		t.Fatalf("unexpected skips %v", f.metrics.skipped)
	}
	state, err := f.store.GetState(context.Background(), "operator", "DEV1")
	if err != nil || state.ConsecutiveBadHits != 0 || !state.SameSample(42) {
		t.Fatalf("operator state must follow own rule: %v %+v", err, state)
	}
}
