package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStdLoggerWritesLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(&buf)
	if err := logger.Log(LevelError, "code", "CF001", "msg", "boom"); err != nil {
		t.Fatalf("Log returned error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "[ERROR]") || !strings.Contains(out, "code=CF001") {
		t.Errorf("unexpected log output: %q", out)
	}
}

func TestFilterDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewFilter(NewStdLogger(&buf), FilterLevel(LevelWarn))
	_ = logger.Log(LevelDebug, "msg", "should be dropped")
	_ = logger.Log(LevelInfo, "msg", "should be dropped too")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below filter level, got %q", buf.String())
	}
	_ = logger.Log(LevelWarn, "msg", "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected warn record to pass filter, got %q", buf.String())
	}
}

func TestHelperDegradesOnBadTemplate(t *testing.T) {
	var buf bytes.Buffer
	h := NewHelper(NewStdLogger(&buf))
	// %d against a string argument would normally render "%!d(string=x)"
	// rather than panic; safeSprintf must never panic regardless.
	h.Errorf("value is %d", "not-a-number")
	if buf.Len() == 0 {
		t.Fatal("expected a log line even for a mismatched template")
	}
}

func TestHelperNoArgsReturnsTemplateVerbatim(t *testing.T) {
	var buf bytes.Buffer
	h := NewHelper(NewStdLogger(&buf))
	h.Infof("100% literal")
	if !strings.Contains(buf.String(), "100% literal") {
		t.Errorf("expected template with no args to pass through unchanged, got %q", buf.String())
	}
}
