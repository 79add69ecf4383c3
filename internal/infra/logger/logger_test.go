package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("core", "warn", &buf)

	log.Infof("hidden %d", 1)
	log.Warnf("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestSubJoinsModules(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("core", "debug", &buf).Sub("Transport")
	log.Debugf("hello")

	if !strings.Contains(buf.String(), "[core/Transport]") {
		t.Errorf("module path missing: %q", buf.String())
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON("core", "info", &buf)
	log.Infof("connected to %s", "blaze")

	line := strings.TrimSpace(buf.String())
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		t.Fatalf("output is not JSON: %q: %v", line, err)
	}
	if obj["message"] != "connected to blaze" {
		t.Errorf("message = %v", obj["message"])
	}
}
