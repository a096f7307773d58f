package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("test")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Debug("not shown")
	l.Info("not shown either")
	l.Warn("shown")
	l.Error("also shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Errorf("low-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "also shown") {
		t.Errorf("expected WARN/ERROR messages, got: %q", out)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("homing")
	l.SetOutput(&buf)

	l.Info("selector homed", Fields{"axis": 0, "pos": 12.5})

	out := buf.String()
	if !strings.Contains(out, "[homing]") {
		t.Errorf("missing component prefix: %q", out)
	}
	if !strings.Contains(out, "axis=0") || !strings.Contains(out, "pos=12.5") {
		t.Errorf("missing fields: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New("toolhead")
	l.SetOutput(&buf)
	l.SetFormat(FormatJSON)

	l.Info("move queued", Fields{"speed": 250.0})

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if rec["component"] != "toolhead" {
		t.Errorf("component = %v, want toolhead", rec["component"])
	}
	if rec["message"] != "move queued" {
		t.Errorf("message = %v, want 'move queued'", rec["message"])
	}
	if rec["speed"] != 250.0 {
		t.Errorf("speed = %v, want 250", rec["speed"])
	}
}

func TestWithFieldsAndChild(t *testing.T) {
	var buf bytes.Buffer
	l := New("mmu")
	l.SetOutput(&buf)

	child := l.Child("rail").WithFields(Fields{"rail": "selector"})
	child.Info("ready")

	out := buf.String()
	if !strings.Contains(out, "[mmu.rail]") {
		t.Errorf("child prefix missing: %q", out)
	}
	if !strings.Contains(out, "rail=selector") {
		t.Errorf("persistent field missing: %q", out)
	}
}

func TestNop(t *testing.T) {
	l := Nop()
	// Must not panic and must not write anywhere visible.
	l.Error("dropped")
	l.Infof("dropped %d", 1)
}
