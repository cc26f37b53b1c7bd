package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogLineShape(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Info("session.test", Fields{"id": "abc"})

	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &m); err != nil {
		t.Fatalf("log line is not JSON: %v\n%q", err, buf.String())
	}
	if m["level"] != "info" || m["msg"] != "session.test" || m["id"] != "abc" {
		t.Errorf("log line fields wrong: %v", m)
	}
	if ts, ok := m["ts"].(string); !ok || ts == "" {
		t.Error("log line missing timestamp")
	}
}

func TestDebugGatedByFlag(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		EnableDebug(false)
	})

	Debug("session.verbose", nil)
	if buf.Len() != 0 {
		t.Errorf("debug logged while disabled: %q", buf.String())
	}
	EnableDebug(true)
	Debug("session.verbose", nil)
	if buf.Len() == 0 {
		t.Error("debug suppressed while enabled")
	}
}
