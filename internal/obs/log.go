package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu           sync.Mutex
	sink         io.Writer = os.Stdout
	debugEnabled bool
)

// SetOutput redirects log lines away from stdout, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	sink = w
	mu.Unlock()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled = v }

// Fields is the structured payload of one log line. The ts, level and msg
// keys are reserved and overwritten by the logger.
type Fields map[string]any

func logWith(level, msg string, f Fields) {
	if f == nil {
		f = Fields{}
	}
	f["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	f["level"] = level
	f["msg"] = msg
	b, err := json.Marshal(f)
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		fmt.Fprintf(sink, "{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}\n", err.Error())
		return
	}
	_, _ = sink.Write(append(b, '\n'))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled {
		logWith("debug", msg, f)
	}
}
