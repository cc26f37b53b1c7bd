package bridge

import (
	"testing"
	"time"
)

func TestDefaultClosePolicy(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		path        string
		want        CloseDecision
	}{
		{"html stays open", "text/html; charset=utf-8", "/index.html", KeepOpen},
		{"json stays open", "application/json", "/api/items", KeepOpen},
		{"css closes after delay", "text/css", "/style.css", CloseAfterDelay},
		{"lazy chunk closes", "application/javascript", "/chunk-483.js", CloseAfterDelay},
		{"text javascript closes", "text/javascript", "/widget.js", CloseAfterDelay},
		{"main bundle stays open", "application/javascript", "/main.a1b2c3.js", KeepOpen},
		{"runtime bundle stays open", "application/javascript", "/assets/runtime.js", KeepOpen},
		{"vendor bundle stays open", "text/javascript", "/vendor.bundle.js", KeepOpen},
		{"image stays open", "image/png", "/logo.png", KeepOpen},
		{"empty content type stays open", "", "/whatever", KeepOpen},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DefaultClosePolicy(c.contentType, c.path); got != c.want {
				t.Errorf("policy(%q, %q) = %v, want %v", c.contentType, c.path, got, c.want)
			}
		})
	}
}

func TestCloseDelayBudget(t *testing.T) {
	// responses must flush before the channel drops; anything much longer
	// holds relay resources for no benefit
	if CloseDelay != 100*time.Millisecond {
		t.Errorf("CloseDelay = %v", CloseDelay)
	}
}

func TestPolicyIsPluggable(t *testing.T) {
	closeEverything := func(string, string) CloseDecision { return CloseNow }
	tr := NewTranslator("localhost", 443, closeEverything, 0)
	if tr.policy("text/html", "/") != CloseNow {
		t.Error("custom policy not honored")
	}
}
