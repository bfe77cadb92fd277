package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetLevel(WARN)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	l.Error("shown too")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "shown too") {
		t.Errorf("expected warn/error output, got %q", out)
	}
}

func TestPrefixAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("sdcard")
	l.SetWriter(&buf)

	l.InfoFields("checkpoint saved", Fields{"offset": 4096, "lines": 9})

	out := buf.String()
	for _, want := range []string{"sdcard:", "checkpoint saved", "lines=9", "offset=4096"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
	// Fields are sorted by key
	if strings.Index(out, "lines=") > strings.Index(out, "offset=") {
		t.Errorf("fields not sorted: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithPrefixSharesWriter(t *testing.T) {
	var buf bytes.Buffer
	l := New("host")
	l.SetWriter(&buf)

	sub := l.WithPrefix("recovery")
	sub.Info("scan complete")

	if !strings.Contains(buf.String(), "recovery: scan complete") {
		t.Errorf("child logger did not share writer: %q", buf.String())
	}
}
