package domain

import (
	"strings"
	"time"
)

const (
	// TempChannels is the number of temperature probes one device reports.
	TempChannels = 4
	// HumChannels is the number of humidity probes one device reports.
	HumChannels = 2
)

// TelemetrySample is one realtime or historical reading for a device.
// Params: raw channel strings as reported upstream plus sample timestamp in unix seconds.
// Returns: immutable sample shared by cache, engine, and history queries.
type TelemetrySample struct {
	DeviceID        string               `json:"device_id"`
	DeviceName      string               `json:"device_name,omitempty"`
	SubUID          *int                 `json:"sub_uid,omitempty"`
	Tmp             [TempChannels]string `json:"tmp"`
	Hum             [HumChannels]string  `json:"hum"`
	Lux1            string               `json:"lux1,omitempty"`
	Power           string               `json:"power,omitempty"`
	Signal          string               `json:"signal,omitempty"`
	Position        string               `json:"position,omitempty"`
	Address         string               `json:"address,omitempty"`
	SampleTs        int64                `json:"sample_ts"`
	LastAddressTime int64                `json:"last_address_time,omitempty"`
	AlarmState      bool                 `json:"alarm_state,omitempty"`
	WarnState       bool                 `json:"warn_state,omitempty"`
	WaybillStart    string               `json:"waybill_start,omitempty"`
	WaybillEnd      string               `json:"waybill_end,omitempty"`
	WaybillState    string               `json:"waybill_state,omitempty"`
}

// HasSampleTs reports whether upstream supplied a sample timestamp.
func (s TelemetrySample) HasSampleTs() bool { return s.SampleTs > 0 }

// SampleTime converts the upstream sample timestamp into UTC time.
// Params: none.
// Returns: sample time or zero time when timestamp is absent.
func (s TelemetrySample) SampleTime() time.Time {
	if s.SampleTs <= 0 {
		return time.Time{}
	}
	return time.Unix(s.SampleTs, 0).UTC()
}

// SubChannelKey returns sub-channel id used in history dedup.
// Params: none.
// Returns: sub uid or -1 when absent.
func (s TelemetrySample) SubChannelKey() int {
	if s.SubUID == nil {
		return -1
	}
	return *s.SubUID
}

// AlarmRecord is one discrete alarm reported by the upstream alarm endpoint.
// Params: device/sub-channel identity and alarm metadata.
// Returns: record pushed to device subscribers.
type AlarmRecord struct {
	DeviceID       string `json:"device_id"`
	SubUID         int    `json:"sub_uid"`
	DeviceName     string `json:"device_name,omitempty"`
	Type           int    `json:"type"`
	AlarmName      string `json:"alarm_name"`
	AlarmTimestamp int64  `json:"alarm_timestamp"`
	AlarmMessage   string `json:"alarm_message"`
}

// DeviceAssignment tells which devices a user may see.
// Params: user id, device id/name, and assignment time.
// Returns: read-only assignment view.
type DeviceAssignment struct {
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// NormalizeDeviceID trims and upper-cases device identifier.
// Params: raw device id.
// Returns: canonical device id used for every lookup and write.
func NormalizeDeviceID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
