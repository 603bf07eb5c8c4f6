package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/engine"
	"sensoralert/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	skipNoSample   = "no_sample"
	skipSameSample = "same_sample"
	skipOwnRule    = "own_rule"
	skipNoTarget   = "no_recipients"
	skipTargetRule = "target_own_rule"
)

// RealtimeSource fetches latest samples for a batch of devices.
type RealtimeSource interface {
	Realtime(ctx context.Context, deviceIDs []string) ([]domain.TelemetrySample, error)
}

// SampleCache receives every fetched sample.
type SampleCache interface {
	Upsert(ctx context.Context, sample domain.TelemetrySample)
}

// EventPublisher pushes fired events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.AlertEvent) error
}

// AlertStore is the persistence subset used by AlertWorker.
type AlertStore interface {
	ListEnabledRules(ctx context.Context) ([]domain.AlertRule, error)
	GetRule(ctx context.Context, owner domain.Owner, deviceID string) (domain.AlertRule, error)
	GetState(ctx context.Context, userID, deviceID string) (domain.AlertState, error)
	UpsertState(ctx context.Context, state domain.AlertState) error
	InsertEvent(ctx context.Context, event domain.AlertEvent) (domain.AlertEvent, error)
	UsersForDevice(ctx context.Context, deviceID string) ([]string, error)
}

// AlertRecorder receives worker metrics.
type AlertRecorder interface {
	ObserveTick(elapsed time.Duration, rules int)
	GroupFetchFailed()
	EventFired(scope string)
	RuleSkipped(reason string)
	PublishFailed()
}

type noopAlertRecorder struct{}

func (noopAlertRecorder) ObserveTick(time.Duration, int) {}
func (noopAlertRecorder) GroupFetchFailed()              {}
func (noopAlertRecorder) EventFired(string)              {}
func (noopAlertRecorder) RuleSkipped(string)             {}
func (noopAlertRecorder) PublishFailed()                 {}

// AlertDeps groups AlertWorker collaborators.
// Params: store, realtime source, cache, publisher, optional metrics, logger, and clock.
// Returns: dependency bundle for New.
type AlertDeps struct {
	Store     AlertStore
	Source    RealtimeSource
	Cache     SampleCache
	Publisher EventPublisher
	Metrics   AlertRecorder
	Logger    *slog.Logger
	Clock     clock.Clock
}

// AlertWorker polls realtime telemetry for enabled rules and fires debounced alert events.
// Params: worker config and collaborators.
// Returns: worker with Start/Stop lifecycle and synchronous Tick.
type AlertWorker struct {
	deps     AlertDeps
	interval time.Duration
	parallel int
	loop     loop
}

// ruleGroup is one owner's rules sharing a single realtime call.
type ruleGroup struct {
	owner     string
	rules     []domain.AlertRule
	deviceIDs []string
}

// New creates alert worker.
// Params: worker config and dependencies.
// Returns: stopped worker.
func New(cfg config.WorkerConfig, deps AlertDeps) *AlertWorker {
	if deps.Metrics == nil {
		deps.Metrics = noopAlertRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	interval := cfg.TickInterval()
	if interval <= 0 {
		interval = 120 * time.Second
	}
	parallel := cfg.ParallelGroups
	if parallel < 1 {
		parallel = 1
	}
	return &AlertWorker{deps: deps, interval: interval, parallel: parallel}
}

// Start runs Tick immediately and then on every interval.
// Params: parent context; canceling it stops the loop.
// Returns: ErrAlreadyRunning on double start.
func (w *AlertWorker) Start(ctx context.Context) error {
	w.deps.Logger.Info("alert worker started", "interval", w.interval.String(), "parallel_groups", w.parallel)
	return w.loop.start(ctx, w.interval, "alert", w.deps.Logger, w.Tick)
}

// Stop cancels loop and waits for in-flight tick.
func (w *AlertWorker) Stop() {
	w.loop.stop()
}

// Tick evaluates all enabled rules once.
// Params: context.
// Returns: rule load error or cancellation; per-group failures are logged and skipped.
func (w *AlertWorker) Tick(ctx context.Context) error {
	started := w.deps.Clock.Now()
	rules, err := w.deps.Store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	defer func() {
		w.deps.Metrics.ObserveTick(clock.Since(w.deps.Clock, started), len(rules))
	}()
	if len(rules) == 0 {
		return nil
	}

	groups := groupRules(rules)
	if w.parallel <= 1 || len(groups) == 1 {
		for _, group := range groups {
			if err := w.processGroup(ctx, group); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	g.SetLimit(w.parallel)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			return w.processGroup(ctx, group)
		})
	}
	return g.Wait()
}

// groupRules groups rules by owner and collects distinct device ids per group.
// Params: enabled rules.
// Returns: groups sorted by owner key.
func groupRules(rules []domain.AlertRule) []ruleGroup {
	index := make(map[string]int)
	groups := make([]ruleGroup, 0)
	seen := make(map[string]map[string]struct{})
	for _, rule := range rules {
		key := rule.Owner.Key()
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, ruleGroup{owner: key})
			seen[key] = make(map[string]struct{})
		}
		group := &groups[pos]
		group.rules = append(group.rules, rule)
		id := domain.NormalizeDeviceID(rule.DeviceID)
		if _, dup := seen[key][id]; !dup && id != "" {
			seen[key][id] = struct{}{}
			group.deviceIDs = append(group.deviceIDs, id)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].owner < groups[j].owner })
	return groups
}

// processGroup fetches one group's samples and evaluates its rules.
// Params: context and rule group.
// Returns: cancellation only.
func (w *AlertWorker) processGroup(ctx context.Context, group ruleGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	samples, err := w.deps.Source.Realtime(ctx, group.deviceIDs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		w.deps.Metrics.GroupFetchFailed()
		w.deps.Logger.Warn("realtime fetch failed", "owner", group.owner, "devices", len(group.deviceIDs), "error", err.Error())
		return nil
	}

	latest := make(map[string]domain.TelemetrySample, len(samples))
	for _, sample := range samples {
		if w.deps.Cache != nil {
			w.deps.Cache.Upsert(ctx, sample)
		}
		id := domain.NormalizeDeviceID(sample.DeviceID)
		if _, ok := latest[id]; !ok {
			latest[id] = sample
		}
	}

	for _, rule := range group.rules {
		sample, ok := latest[domain.NormalizeDeviceID(rule.DeviceID)]
		if !ok {
			w.deps.Metrics.RuleSkipped(skipNoSample)
			continue
		}
		for _, userID := range w.recipients(ctx, rule) {
			if err := w.evaluate(ctx, rule, userID, sample); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				w.deps.Logger.Error("rule evaluation failed", "owner", group.owner, "device_id", rule.DeviceID, "user_id", userID, "error", err.Error())
			}
		}
	}
	return nil
}

// recipients lists users whose state one rule drives.
// Params: context and rule.
// Returns: target user for USER rules; assigned users without own rule for GLOBAL rules.
func (w *AlertWorker) recipients(ctx context.Context, rule domain.AlertRule) []string {
	if !rule.Owner.IsGlobal() {
		user := rule.Recipient()
		if user == "" {
			return nil
		}
		if user != rule.Owner.UserID() && w.hasOwnRule(ctx, user, rule.DeviceID) {
			w.deps.Metrics.RuleSkipped(skipTargetRule)
			w.deps.Logger.Warn("delegated rule shadowed by target user rule", "owner", rule.Owner.Key(), "target_user_id", user, "device_id", rule.DeviceID)
			return nil
		}
		return []string{user}
	}

	users, err := w.deps.Store.UsersForDevice(ctx, rule.DeviceID)
	if err != nil {
		w.deps.Logger.Warn("load device assignments failed", "device_id", rule.DeviceID, "error", err.Error())
		return nil
	}
	out := make([]string, 0, len(users))
	for _, user := range users {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		if w.hasOwnRule(ctx, user, rule.DeviceID) {
			w.deps.Metrics.RuleSkipped(skipOwnRule)
			continue
		}
		out = append(out, user)
	}
	if len(out) == 0 {
		w.deps.Metrics.RuleSkipped(skipNoTarget)
		w.deps.Logger.Warn("global rule has no recipients", "device_id", rule.DeviceID, "assigned", len(users))
	}
	return out
}

// hasOwnRule reports whether user owns a USER rule for device.
// Lookup failures count as owned.
func (w *AlertWorker) hasOwnRule(ctx context.Context, userID, deviceID string) bool {
	_, err := w.deps.Store.GetRule(ctx, domain.UserOwner(userID), deviceID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		return false
	default:
		w.deps.Logger.Warn("load user rule failed", "device_id", deviceID, "user_id", userID, "error", err.Error())
		return true
	}
}

// evaluate advances one (user, device) state with sample and emits event on fire.
// Params: context, rule, recipient user, and sample.
// Returns: store error; publish errors are logged because event is already persisted.
func (w *AlertWorker) evaluate(ctx context.Context, rule domain.AlertRule, userID string, sample domain.TelemetrySample) error {
	deviceID := domain.NormalizeDeviceID(rule.DeviceID)
	state, err := w.deps.Store.GetState(ctx, userID, deviceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = domain.AlertState{UserID: userID, DeviceID: deviceID}
	case err != nil:
		return fmt.Errorf("get state: %w", err)
	}
	if state.SameSample(sample.SampleTs) {
		w.deps.Metrics.RuleSkipped(skipSameSample)
		return nil
	}

	temps, hums := engine.ParseChannels(sample)
	eval := engine.Evaluate(rule, temps, hums)
	now := w.deps.Clock.Now()
	decision := engine.Advance(state, rule, eval, sample.SampleTs, now)

	if decision.Fire {
		event, err := w.deps.Store.InsertEvent(ctx, domain.AlertEvent{
			UserID:     userID,
			DeviceID:   deviceID,
			DeviceName: firstNonEmpty(sample.DeviceName, rule.DeviceName),
			OccurredAt: now,
			Tmp:        sample.Tmp,
			Hum:        sample.Hum,
			Reasons:    eval.Reasons,
			Level:      domain.EventLevelAlarm,
		})
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		w.deps.Metrics.EventFired(string(rule.Scope()))
		w.deps.Logger.Info("alert fired", "event_id", event.ID, "user_id", userID, "device_id", deviceID, "reasons", eval.Reasons, "scope", rule.Scope())
		if w.deps.Publisher != nil {
			if err := w.deps.Publisher.Publish(ctx, event); err != nil {
				w.deps.Metrics.PublishFailed()
				w.deps.Logger.Warn("publish alert event failed", "event_id", event.ID, "error", err.Error())
			}
		}
	}

	decision.State.UserID = userID
	decision.State.DeviceID = deviceID
	if err := w.deps.Store.UpsertState(ctx, decision.State); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
