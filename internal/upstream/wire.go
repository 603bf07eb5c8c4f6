package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"sensoralert/internal/domain"
)

// envelope is shared upstream response shape.
type envelope[T any] struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Time    string          `json:"time"`
	Data    T               `json:"data"`
}

// message returns the first non-empty upstream message field.
func (e envelope[T]) message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Message != "" {
		return e.Message
	}
	raw := bytes.TrimSpace(e.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}

// looseString accepts JSON strings, numbers, booleans, and null.
type looseString string

// UnmarshalJSON decodes scalar value into its text form.
func (s *looseString) UnmarshalJSON(body []byte) error {
	raw := bytes.TrimSpace(body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*s = ""
		return nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
		*s = looseString(text)
		return nil
	}
	*s = looseString(raw)
	return nil
}

// looseInt accepts JSON numbers, numeric strings, and null.
type looseInt int64

// UnmarshalJSON decodes integer value tolerating quoted numbers.
func (i *looseInt) UnmarshalJSON(body []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if raw == "" || raw == "null" {
		*i = 0
		return nil
	}
	if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*i = looseInt(value)
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("decode integer %q: %w", raw, err)
	}
	*i = looseInt(value)
	return nil
}

// looseBool accepts JSON booleans, 0/1 numbers, quoted forms, and null.
type looseBool bool

// UnmarshalJSON decodes boolean value tolerating numeric flags.
func (b *looseBool) UnmarshalJSON(body []byte) error {
	raw := strings.ToLower(strings.Trim(strings.TrimSpace(string(body)), `"`))
	switch raw {
	case "true", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

type realtimeItem struct {
	DeviceGUID      string      `json:"deviceGuid"`
	SubUID          *int        `json:"subUid"`
	DeviceName      string      `json:"deviceName"`
	Tmp1            looseString `json:"tmp1"`
	Tmp2            looseString `json:"tmp2"`
	Tmp3            looseString `json:"tmp3"`
	Tmp4            looseString `json:"tmp4"`
	Hum1            looseString `json:"hum1"`
	Hum2            looseString `json:"hum2"`
	Lux1            looseString `json:"lux1"`
	Power           looseString `json:"power"`
	Signal          looseString `json:"signal"`
	Position        looseString `json:"position"`
	Address         looseString `json:"address"`
	LastSessionTime looseInt    `json:"lastSessionTime"`
	LastAddressTime looseInt    `json:"lastAddressTime"`
	AlarmState      looseBool   `json:"alarmState"`
	WarnState       looseBool   `json:"warnState"`
	WaybillStart    looseString `json:"waybillStart"`
	WaybillEnd      looseString `json:"waybillEnd"`
	WaybillState    looseString `json:"waybillState"`
}

func (it realtimeItem) toSample() domain.TelemetrySample {
	return domain.TelemetrySample{
		DeviceID:        domain.NormalizeDeviceID(it.DeviceGUID),
		DeviceName:      strings.TrimSpace(it.DeviceName),
		SubUID:          it.SubUID,
		Tmp:             [domain.TempChannels]string{string(it.Tmp1), string(it.Tmp2), string(it.Tmp3), string(it.Tmp4)},
		Hum:             [domain.HumChannels]string{string(it.Hum1), string(it.Hum2)},
		Lux1:            string(it.Lux1),
		Power:           string(it.Power),
		Signal:          string(it.Signal),
		Position:        string(it.Position),
		Address:         string(it.Address),
		SampleTs:        int64(it.LastSessionTime),
		LastAddressTime: int64(it.LastAddressTime),
		AlarmState:      bool(it.AlarmState),
		WarnState:       bool(it.WarnState),
		WaybillStart:    string(it.WaybillStart),
		WaybillEnd:      string(it.WaybillEnd),
		WaybillState:    string(it.WaybillState),
	}
}

type historyItem struct {
	DeviceGUID  string      `json:"deviceGuid"`
	SubUID      *int        `json:"subUid"`
	Tmp1        looseString `json:"tmp1"`
	Tmp2        looseString `json:"tmp2"`
	Tmp3        looseString `json:"tmp3"`
	Tmp4        looseString `json:"tmp4"`
	Hum1        looseString `json:"hum1"`
	Hum2        looseString `json:"hum2"`
	Lux1        looseString `json:"lux1"`
	Power       looseString `json:"power"`
	Signal      looseString `json:"signal"`
	Position    looseString `json:"position"`
	Address     looseString `json:"address"`
	MonitorTime looseInt    `json:"monitorTime"`
}

func (it historyItem) toSample() domain.TelemetrySample {
	return domain.TelemetrySample{
		DeviceID: domain.NormalizeDeviceID(it.DeviceGUID),
		SubUID:   it.SubUID,
		Tmp:      [domain.TempChannels]string{string(it.Tmp1), string(it.Tmp2), string(it.Tmp3), string(it.Tmp4)},
		Hum:      [domain.HumChannels]string{string(it.Hum1), string(it.Hum2)},
		Lux1:     string(it.Lux1),
		Power:    string(it.Power),
		Signal:   string(it.Signal),
		Position: string(it.Position),
		Address:  string(it.Address),
		SampleTs: int64(it.MonitorTime),
	}
}

type alarmItem struct {
	DeviceGUID     string      `json:"deviceGuid"`
	SubUID         looseInt    `json:"subUid"`
	DeviceName     string      `json:"deviceName"`
	Type           looseInt    `json:"type"`
	AlarmName      looseString `json:"alarmName"`
	AlarmTimeStamp looseInt    `json:"alarmTimeStamp"`
	AlarmMessage   looseString `json:"alarmMessage"`
}

func (it alarmItem) toRecord() domain.AlarmRecord {
	return domain.AlarmRecord{
		DeviceID:       domain.NormalizeDeviceID(it.DeviceGUID),
		SubUID:         int(it.SubUID),
		DeviceName:     strings.TrimSpace(it.DeviceName),
		Type:           int(it.Type),
		AlarmName:      string(it.AlarmName),
		AlarmTimestamp: int64(it.AlarmTimeStamp),
		AlarmMessage:   string(it.AlarmMessage),
	}
}

// DeviceInfo is static device metadata from upstream.
// Params: identity, type, subscription counters, and last contact time.
// Returns: device info row.
type DeviceInfo struct {
	DeviceGUID     string `json:"deviceGuid"`
	DeviceName     string `json:"deviceName"`
	SubUID         *int   `json:"subUid,omitempty"`
	DeviceTypeName string `json:"deviceTypeName,omitempty"`
	ExpiredTime    *int64 `json:"expiredTime,omitempty"`
	SMSCount       *int   `json:"smsCount,omitempty"`
	VoiceCount     *int   `json:"voiceCount,omitempty"`
	LastTime       *int64 `json:"lastTime,omitempty"`
	SceneName      string `json:"sceneName,omitempty"`
}

// NewDevice is one device registration payload.
type NewDevice struct {
	DeviceName string `json:"deviceName"`
	DeviceGUID string `json:"deviceGuid"`
}

// ParamUpdate carries optional device parameter changes.
// Params: device id plus optional intervals, thresholds, and waybill fields.
// Returns: setParam request payload.
type ParamUpdate struct {
	DeviceGUID       string   `json:"deviceGuid"`
	RecordInterval   *int     `json:"recordInterval,omitempty"`
	UploadInterval   *int     `json:"uploadInterval,omitempty"`
	TmpUpper         *float64 `json:"tmpUpper,omitempty"`
	TmpLower         *float64 `json:"tmpLower,omitempty"`
	HumUpper         *float64 `json:"humUpper,omitempty"`
	HumLower         *float64 `json:"humLower,omitempty"`
	WaybillStartTime *int64   `json:"waybillStartTime,omitempty"`
	WaybillNum       string   `json:"waybillNum,omitempty"`
}
