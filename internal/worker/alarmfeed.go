package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/domain"
	"sensoralert/internal/permanent"
	"sensoralert/internal/upstream"
)

const (
	alarmWindowBack    = 5 * time.Minute
	alarmFirstLookback = 24 * time.Hour
	alarmMarkTTL       = 6 * time.Hour
	alarmSubUID        = 0
)

// DeviceLister lists devices visible to the upstream account.
type DeviceLister interface {
	DeviceIDs(ctx context.Context) ([]string, error)
}

// AlarmRecordSource fetches alarm records for one device.
type AlarmRecordSource interface {
	AlarmRecords(ctx context.Context, deviceID string, subUID int, start, end time.Time) ([]domain.AlarmRecord, error)
}

// RecordPublisher pushes alarm records to device groups.
type RecordPublisher interface {
	PublishRecord(ctx context.Context, record domain.AlarmRecord) error
}

// AlarmRecorder receives alarm feed metrics.
type AlarmRecorder interface {
	ObserveAlarmPoll(outcome string)
	AlarmRecordsPublished(n int)
}

type noopAlarmRecorder struct{}

func (noopAlarmRecorder) ObserveAlarmPoll(string)   {}
func (noopAlarmRecorder) AlarmRecordsPublished(int) {}

// AlarmFeedDeps groups AlarmFeed collaborators.
type AlarmFeedDeps struct {
	Devices   DeviceLister
	Records   AlarmRecordSource
	Publisher RecordPublisher
	Metrics   AlarmRecorder
	Logger    *slog.Logger
	Clock     clock.Clock
}

// deviceMark remembers newest pushed record per device.
type deviceMark struct {
	lastSeen int64
	markedAt time.Time
}

// AlarmFeed polls upstream alarm records and pushes new ones to device groups.
// Params: alarm feed config and collaborators.
// Returns: worker with Start/Stop lifecycle and synchronous Poll.
type AlarmFeed struct {
	deps     AlarmFeedDeps
	interval time.Duration
	loop     loop

	mu    sync.Mutex
	marks map[string]deviceMark
	muted map[string]time.Time
}

// NewAlarmFeed creates alarm feed worker.
// Params: feed config (poll interval is clamped) and dependencies.
// Returns: stopped worker.
func NewAlarmFeed(cfg config.AlarmFeedConfig, deps AlarmFeedDeps) *AlarmFeed {
	if deps.Metrics == nil {
		deps.Metrics = noopAlarmRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &AlarmFeed{
		deps:     deps,
		interval: time.Duration(config.ClampAlarmFeedPoll(cfg.PollSec)) * time.Second,
		marks:    make(map[string]deviceMark),
		muted:    make(map[string]time.Time),
	}
}

// Start runs Poll immediately and then on every interval.
func (f *AlarmFeed) Start(ctx context.Context) error {
	f.deps.Logger.Info("alarm feed started", "interval", f.interval.String())
	return f.loop.start(ctx, f.interval, "alarm_feed", f.deps.Logger, f.Poll)
}

// Stop cancels loop and waits for in-flight poll.
func (f *AlarmFeed) Stop() {
	f.loop.stop()
}

// Poll pulls alarm records for every listed device once.
// Params: context.
// Returns: device list error or cancellation; per-device failures are logged.
func (f *AlarmFeed) Poll(ctx context.Context) error {
	ids, err := f.deps.Devices.DeviceIDs(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := domain.NormalizeDeviceID(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if err := ctx.Err(); err != nil {
			return err
		}
		f.pollDevice(ctx, id)
	}
	return nil
}

// pollDevice fetches, filters, and publishes records for one device.
// Params: context and normalized device id.
// Returns: none; outcome is logged and counted.
func (f *AlarmFeed) pollDevice(ctx context.Context, deviceID string) {
	now := f.deps.Clock.Now()
	if f.isMuted(deviceID, now) {
		f.deps.Metrics.ObserveAlarmPoll("muted")
		return
	}

	lastSeen := f.lastSeen(deviceID, now)
	from := now.Add(-alarmFirstLookback)
	if seenAt, ok := clock.FromUnix(lastSeen); ok {
		from = seenAt.Add(-alarmWindowBack)
	}

	records, err := f.deps.Records.AlarmRecords(ctx, deviceID, alarmSubUID, from, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if status, ok := upstream.HTTPStatus(err); ok {
			err = permanent.ForStatus(status, err)
		}
		if permanent.Is(err) {
			f.mute(deviceID, now.Add(alarmMarkTTL))
			f.deps.Metrics.ObserveAlarmPoll("rejected")
			f.deps.Logger.Warn("alarm records rejected, device muted", "device_id", deviceID, "until", now.Add(alarmMarkTTL), "error", err.Error())
			return
		}
		f.deps.Metrics.ObserveAlarmPoll("error")
		f.deps.Logger.Warn("alarm records fetch failed", "device_id", deviceID, "error", err.Error())
		return
	}
	f.deps.Metrics.ObserveAlarmPoll("ok")

	fresh := newRecords(records, lastSeen)
	if len(fresh) == 0 {
		return
	}
	maxTs := fresh[len(fresh)-1].AlarmTimestamp
	f.mark(deviceID, maxTs, now)

	published := 0
	for _, record := range fresh {
		if record.DeviceID == "" {
			record.DeviceID = deviceID
		}
		if err := f.deps.Publisher.PublishRecord(ctx, record); err != nil {
			f.deps.Logger.Warn("publish alarm record failed", "device_id", deviceID, "alarm_ts", record.AlarmTimestamp, "error", err.Error())
			continue
		}
		published++
	}
	f.deps.Metrics.AlarmRecordsPublished(published)
	f.deps.Logger.Debug("alarm records published", "device_id", deviceID, "count", published, "last_seen", maxTs)
}

// newRecords sorts records ascending and keeps those newer than lastSeen.
// Params: fetched records and last pushed timestamp (0 keeps all).
// Returns: records to push in time order.
func newRecords(records []domain.AlarmRecord, lastSeen int64) []domain.AlarmRecord {
	out := make([]domain.AlarmRecord, 0, len(records))
	for _, record := range records {
		if lastSeen > 0 && record.AlarmTimestamp <= lastSeen {
			continue
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AlarmTimestamp < out[j].AlarmTimestamp })
	return out
}

func (f *AlarmFeed) lastSeen(deviceID string, now time.Time) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark, ok := f.marks[deviceID]
	if !ok {
		return 0
	}
	if now.Sub(mark.markedAt) > alarmMarkTTL {
		delete(f.marks, deviceID)
		return 0
	}
	return mark.lastSeen
}

func (f *AlarmFeed) mark(deviceID string, lastSeen int64, now time.Time) {
	f.mu.Lock()
	f.marks[deviceID] = deviceMark{lastSeen: lastSeen, markedAt: now}
	f.mu.Unlock()
}

func (f *AlarmFeed) mute(deviceID string, until time.Time) {
	f.mu.Lock()
	f.muted[strings.TrimSpace(deviceID)] = until
	f.mu.Unlock()
}

func (f *AlarmFeed) isMuted(deviceID string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.muted[deviceID]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(f.muted, deviceID)
		return false
	}
	return true
}
