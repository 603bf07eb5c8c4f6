package upstream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"sensoralert/internal/config"
	"sensoralert/internal/domain"

	"github.com/go-resty/resty/v2"
)

const pathAlarmRecord = "/api/data-api/elitechAccess/v2/getAlarmRecord"

// AlarmClient reads discrete alarm records from the secondary endpoint.
// Params: alarm config with its own base address and credential pair.
// Returns: client used by alarm feed.
type AlarmClient struct {
	cfg      config.AlarmConfig
	http     *resty.Client
	logger   *slog.Logger
	observer Observer
}

// NewAlarmClient builds alarm record client.
// Params: alarm config, logger, and optional metrics observer.
// Returns: initialized client.
func NewAlarmClient(cfg config.AlarmConfig, logger *slog.Logger, observer Observer) *AlarmClient {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = noopObserver{}
	}
	client := resty.New()
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	configureResty(client, cfg.BaseURL, timeout, 0, 0)
	return &AlarmClient{cfg: cfg, http: client, logger: logger, observer: observer}
}

// AlarmRecords fetches alarm records for one device channel and window.
// Params: context, device id, sub-channel id, and inclusive bounds.
// Returns: alarm records or upstream error.
func (a *AlarmClient) AlarmRecords(ctx context.Context, deviceID string, subUID int, start, end time.Time) ([]domain.AlarmRecord, error) {
	id := strings.TrimSpace(deviceID)
	if id == "" {
		return nil, ErrNoDevices
	}
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	body := map[string]any{
		"keyId":      a.cfg.KeyID,
		"keySecret":  a.cfg.KeySecret,
		"deviceGuid": id,
		"subUid":     subUID,
		"startTime":  start.Unix(),
		"endTime":    end.Unix(),
	}
	request := a.http.R().SetContext(ctx).SetBody(body)
	env, err := doPost[[]alarmItem](request, pathAlarmRecord, a.observer, a.logger)
	if err != nil {
		return nil, err
	}
	if env.Code != 0 {
		return nil, &APIError{Path: pathAlarmRecord, Code: env.Code, Message: env.message()}
	}
	out := make([]domain.AlarmRecord, 0, len(env.Data))
	for _, item := range env.Data {
		record := item.toRecord()
		if record.DeviceID == "" {
			record.DeviceID = domain.NormalizeDeviceID(id)
		}
		out = append(out, record)
	}
	return out, nil
}
