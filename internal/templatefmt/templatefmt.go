package templatefmt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

// FuncMap returns shared notification template helpers.
// Params: none.
// Returns: deterministic helper map used by config validation and runtime rendering.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"fmtTime":  FormatTime,
		"channels": FormatChannels,
		"json":     MarshalJSON,
	}
}

// ParseNotificationTemplate parses one notification template with shared helpers.
// Params: template name and body.
// Returns: compiled template or parse error.
func ParseNotificationTemplate(name, body string) (*template.Template, error) {
	return template.New(name).Funcs(FuncMap()).Option("missingkey=error").Parse(body)
}

// FormatTime renders timestamp in UTC with second precision.
// Params: template value expected as time.Time, *time.Time, or unix seconds.
// Returns: formatted time or empty string for unsupported values.
func FormatTime(value any) string {
	var at time.Time
	switch typed := value.(type) {
	case time.Time:
		at = typed
	case *time.Time:
		if typed == nil {
			return ""
		}
		at = *typed
	case int64:
		at = time.Unix(typed, 0)
	default:
		return ""
	}
	if at.IsZero() {
		return ""
	}
	return at.UTC().Format("2006-01-02 15:04:05 UTC")
}

// FormatChannels renders non-empty channel readings as "T1=4.5 H1=55".
// Params: temperature and humidity raw values (arrays or slices of strings).
// Returns: space-joined readings.
func FormatChannels(temps, hums any) string {
	parts := make([]string, 0, 6)
	parts = appendReadings(parts, "T", temps)
	parts = appendReadings(parts, "H", hums)
	return strings.Join(parts, " ")
}

func appendReadings(parts []string, prefix string, values any) []string {
	var list []string
	switch typed := values.(type) {
	case [4]string:
		list = typed[:]
	case [2]string:
		list = typed[:]
	case []string:
		list = typed
	default:
		return parts
	}
	for i, value := range list {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s%d=%s", prefix, i+1, trimmed))
	}
	return parts
}

// MarshalJSON renders value into JSON string for template embedding.
// Params: template value of any type.
// Returns: marshaled JSON string or "null" on marshal failure.
func MarshalJSON(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "null"
	}
	return string(encoded)
}
