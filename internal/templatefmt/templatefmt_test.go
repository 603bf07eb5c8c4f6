package templatefmt

import (
	"strings"
	"testing"
	"time"
)

func TestFormatChannelsSkipsEmptyReadings(t *testing.T) {
	t.Parallel()

	got := FormatChannels([4]string{"4.5", "", " -1 ", ""}, [2]string{"", "55"})
	if got != "T1=4.5 T3=-1 H2=55" {
		t.Fatalf("unexpected channels %q", got)
	}
	if FormatChannels(nil, 3) != "" {
		t.Fatalf("unsupported values must render empty")
	}
}

func TestParseNotificationTemplateHelpers(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("test", `{{ fmtTime .At }} {{ channels .Tmp .Hum }} {{ json .Reasons }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out strings.Builder
	err = tmpl.Execute(&out, map[string]any{
		"At":      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		"Tmp":     [4]string{"9.1"},
		"Hum":     [2]string{},
		"Reasons": "TMP1_HIGH",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.String() != `2026-01-02 03:04:05 UTC T1=9.1 "TMP1_HIGH"` {
		t.Fatalf("unexpected render %q", out.String())
	}
}

func TestParseNotificationTemplateRejectsMissingKey(t *testing.T) {
	t.Parallel()

	tmpl, err := ParseNotificationTemplate("test", `{{ .Missing }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := tmpl.Execute(&strings.Builder{}, map[string]any{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
