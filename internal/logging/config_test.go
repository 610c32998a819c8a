package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for raw, want := range cases {
		got, ok := ParseLevel(raw)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", raw, got, ok, want)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("unknown level should not parse")
	}
	if _, ok := ParseLevel(""); ok {
		t.Fatalf("empty level should not parse")
	}
}

func TestNewRespectsLevelAndApp(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{App: "redcolld", Level: zerolog.WarnLevel, NoColor: true, Out: &buf})

	logger.Info().Msg("hidden")
	logger.Warn().Str("set", "tags").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "app=redcolld") || !strings.Contains(out, "set=tags") {
		t.Fatalf("unexpected log output: %q", out)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogTimestamp, "false")
	t.Setenv(EnvLogNoColor, "yes")

	cfg := defaultConfig("x", ProfileRuntime)
	applyEnvOverrides(&cfg)
	if cfg.Level != zerolog.ErrorLevel || cfg.Timestamp {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.NoColor {
		t.Fatalf("unparseable bool should leave NoColor unset")
	}
}
