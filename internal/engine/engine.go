package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"sensoralert/internal/domain"
)

var numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

// Evaluation is the threshold verdict for one sample.
// Params: breach flag and comma-joined reason codes.
// Returns: pure evaluation result.
type Evaluation struct {
	IsBad   bool
	Reasons string
}

// Decision is outcome of advancing per-(user, device) state with one sample.
// Params: next state, confirmation flag, and fire flag.
// Returns: state to persist and whether event must be emitted.
type Decision struct {
	State     domain.AlertState
	Confirmed bool
	Fire      bool
}

// ParseNumber extracts first decimal number from decorated sensor text.
// Params: raw channel text such as "4,5℃" or "-12.0".
// Returns: parsed value, or nil when text carries no number.
func ParseNumber(raw string) *float64 {
	text := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	if text == "" {
		return nil
	}
	match := numberPattern.FindString(text)
	if match == "" {
		return nil
	}
	value, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return nil
	}
	return &value
}

// ParseChannels converts raw sample channels into optional numbers.
// Params: telemetry sample.
// Returns: temperature and humidity values with nil for unparseable channels.
func ParseChannels(sample domain.TelemetrySample) ([domain.TempChannels]*float64, [domain.HumChannels]*float64) {
	var temps [domain.TempChannels]*float64
	var hums [domain.HumChannels]*float64
	for i, raw := range sample.Tmp {
		temps[i] = ParseNumber(raw)
	}
	for i, raw := range sample.Hum {
		hums[i] = ParseNumber(raw)
	}
	return temps, hums
}

// Evaluate checks channel values against rule ranges.
// Params: rule, temperature values, and humidity values (nil skips channel).
// Returns: breach flag and reasons ordered TMP1..4 then HUM1..2.
func Evaluate(rule domain.AlertRule, temps [domain.TempChannels]*float64, hums [domain.HumChannels]*float64) Evaluation {
	reasons := make([]string, 0, 2)
	for i, value := range temps {
		reasons = appendBreaches(reasons, "TMP"+strconv.Itoa(i+1), value, rule.TempRanges[i])
	}
	for i, value := range hums {
		reasons = appendBreaches(reasons, "HUM"+strconv.Itoa(i+1), value, rule.HumRanges[i])
	}
	return Evaluation{IsBad: len(reasons) > 0, Reasons: strings.Join(reasons, ",")}
}

func appendBreaches(reasons []string, channel string, value *float64, bounds domain.Range) []string {
	if value == nil {
		return reasons
	}
	if bounds.Min != nil && *value < *bounds.Min {
		reasons = append(reasons, channel+"_LOW")
	}
	if bounds.Max != nil && *value > *bounds.Max {
		reasons = append(reasons, channel+"_HIGH")
	}
	return reasons
}

// Advance applies debounce, cooldown, and re-fire policy to state.
// Params: previous state, rule, evaluation, sample timestamp (<= 0 when absent), and current time.
// Returns: decision with complete next state; caller persists it in one write.
func Advance(prev domain.AlertState, rule domain.AlertRule, eval Evaluation, sampleTs int64, now time.Time) Decision {
	next := prev
	if sampleTs > 0 {
		ts := sampleTs
		next.LastSampleTs = &ts
	}

	if eval.IsBad {
		next.ConsecutiveBadHits++
		if next.ConsecutiveBadHits > domain.MaxConsecutiveBadHits {
			next.ConsecutiveBadHits = domain.MaxConsecutiveBadHits
		}
	} else {
		next.ConsecutiveBadHits = 0
	}
	confirmed := next.ConsecutiveBadHits >= rule.EffectiveDebounceHits()

	cooldownOK := prev.LastAlertAt == nil || now.Sub(*prev.LastAlertAt) >= rule.Cooldown()
	reasonsChanged := !domain.ReasonsEqual(prev.LastReasons, eval.Reasons)
	fire := confirmed && cooldownOK && (!prev.IsBad || reasonsChanged)
	if fire {
		at := now
		next.LastAlertAt = &at
		next.LastReasons = eval.Reasons
	}

	next.IsBad = confirmed
	if !confirmed {
		next.LastReasons = ""
	}
	next.UpdatedAt = now
	return Decision{State: next, Confirmed: confirmed, Fire: fire}
}
