package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, expected := range cases {
		if got := parseLevel(in); got != expected {
			t.Errorf("parseLevel(%q) = %v, expected %v", in, got, expected)
		}
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "info", Format: "json", Writer: &buf, Service: "autofocus"})
	sl := Named(l, "scan")
	sl.Warn().Int("position", -200).Msg("disabled setting FOC_FOFF")
	sl.Debug().Msg("suppressed")
	var rec map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "scan" || rec["service"] != "autofocus" || rec["level"] != "warn" {
		t.Errorf("unexpected record %v", rec)
	}
}
