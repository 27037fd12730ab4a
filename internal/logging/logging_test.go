package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "info", Output: &buf})
	defer Configure(Options{})

	Infof("hello %s", "world")
	Debug("hidden at info level")

	out := buf.String()
	if !strings.Contains(out, `"message":"hello world"`) {
		t.Errorf("expected formatted message in output, got: %s", out)
	}
	if strings.Contains(out, "hidden at info level") {
		t.Errorf("debug message should be filtered, got: %s", out)
	}
}

func TestDisable(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf})
	defer Configure(Options{})

	Disable()
	Info("suppressed")
	l := Component("runner")
	l.Info().Msg("also suppressed")
	Enable()

	if buf.Len() != 0 {
		t.Errorf("expected no output while disabled, got: %s", buf.String())
	}

	l = Component("runner")
	l.Info().Msg("visible")
	if !strings.Contains(buf.String(), `"component":"runner"`) {
		t.Errorf("expected component field, got: %s", buf.String())
	}
}
