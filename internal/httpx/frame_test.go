package httpx

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseFrameBasic(t *testing.T) {
	f, fallback := ParseFrame([]byte("GET /foo HTTP/1.1\r\nHost: x\r\n\r\n"))
	if fallback {
		t.Fatal("unexpected fallback")
	}
	if f.Method != "GET" || f.Path != "/foo" || f.Proto != "HTTP/1.1" {
		t.Errorf("bad request line parse: %+v", f)
	}
	if len(f.Headers) != 1 || f.Get("Host") != "x" {
		t.Errorf("bad headers: %+v", f.Headers)
	}
	if len(f.Body) != 0 {
		t.Errorf("expected empty body, got %q", f.Body)
	}
}

func TestParseFrameFallback(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("\r\n\r\n"),
		[]byte("garbage without structure"),
		[]byte("GET\r\n\r\n"),          // no path
		[]byte("GET foo HTTP/1.1\r\n"), // path without leading slash
	}
	for _, raw := range cases {
		f, fallback := ParseFrame(raw)
		if !fallback {
			t.Errorf("input %q: expected fallback", raw)
		}
		if f.Method != "GET" || f.Path != "/" || len(f.Headers) != 0 {
			t.Errorf("input %q: default frame mismatch: %+v", raw, f)
		}
	}
}

func TestParseFrameBodyAndDuplicates(t *testing.T) {
	raw := []byte("POST /submit HTTP/1.1\r\nHost: a\r\nX-Tag: first\r\nX-Tag: second\r\n\r\npayload")
	f, fallback := ParseFrame(raw)
	if fallback {
		t.Fatal("unexpected fallback")
	}
	if string(f.Body) != "payload" {
		t.Errorf("body mismatch: %q", f.Body)
	}
	if f.Get("X-Tag") != "first" {
		t.Errorf("duplicate header should keep first occurrence, got %q", f.Get("X-Tag"))
	}
	count := 0
	for _, h := range f.Headers {
		if h.Name == "X-Tag" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected one X-Tag header, got %d", count)
	}
}

func TestParseFrameBareNewlines(t *testing.T) {
	f, fallback := ParseFrame([]byte("GET /n HTTP/1.1\nHost: y\n\n"))
	if fallback {
		t.Fatal("unexpected fallback for LF-only request")
	}
	if f.Path != "/n" || f.Get("Host") != "y" {
		t.Errorf("LF-only parse mismatch: %+v", f)
	}
}

func TestFrameSetReplacesCaseInsensitive(t *testing.T) {
	f, _ := ParseFrame([]byte("GET / HTTP/1.1\r\nhost: old\r\nX-Real-IP: 1.2.3.4\r\n\r\n"))
	f.Set("Host", "target.internal")
	f.Set("X-Forwarded-Proto", "https")
	if f.Get("host") != "target.internal" {
		t.Errorf("Set did not replace case-insensitively: %q", f.Get("host"))
	}
	hosts := 0
	for _, h := range f.Headers {
		if strings.EqualFold(h.Name, "host") {
			hosts++
		}
	}
	if hosts != 1 {
		t.Errorf("expected exactly one host header after Set, got %d", hosts)
	}
	if f.Get("X-Forwarded-Proto") != "https" {
		t.Error("Set did not append a missing header")
	}
}

func TestFrameDelRemovesAllOccurrences(t *testing.T) {
	f := &Frame{Headers: []Header{
		{Name: "Connection", Value: "keep-alive"},
		{Name: "X-Keep", Value: "1"},
		{Name: "connection", Value: "close"},
	}}
	f.Del("CONNECTION")
	if f.Get("Connection") != "" {
		t.Errorf("Del left a value behind: %q", f.Get("Connection"))
	}
	if len(f.Headers) != 1 || f.Headers[0].Name != "X-Keep" {
		t.Errorf("unrelated headers disturbed: %+v", f.Headers)
	}
}

func TestAugmentForwarded(t *testing.T) {
	out := AugmentForwarded([]byte("GET /a HTTP/1.1\r\nHost: h\r\n\r\n"), "203.0.113.9")
	f, fallback := ParseFrame(out)
	if fallback {
		t.Fatal("augmented request no longer parses")
	}
	if f.Get("X-Forwarded-For") != "203.0.113.9" {
		t.Errorf("peer address not stamped: %q", f.Get("X-Forwarded-For"))
	}

	// an existing chain keeps its first hop and grows at the end
	out = AugmentForwarded([]byte("GET /a HTTP/1.1\r\nHost: h\r\nX-Forwarded-For: 198.51.100.7\r\n\r\n"), "10.0.0.5")
	f, _ = ParseFrame(out)
	if f.Get("X-Forwarded-For") != "198.51.100.7, 10.0.0.5" {
		t.Errorf("chain not appended: %q", f.Get("X-Forwarded-For"))
	}

	// bodies survive the rewrite
	out = AugmentForwarded([]byte("POST /b HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nbody"), "10.0.0.5")
	f, _ = ParseFrame(out)
	if string(f.Body) != "body" {
		t.Errorf("body lost in rewrite: %q", f.Body)
	}

	// unparseable input and missing peer pass through untouched
	if got := AugmentForwarded([]byte("garbage"), "10.0.0.5"); string(got) != "garbage" {
		t.Errorf("malformed input rewritten: %q", got)
	}
	raw := []byte("GET /a HTTP/1.1\r\n\r\n")
	if got := AugmentForwarded(raw, ""); !bytes.Equal(got, raw) {
		t.Errorf("empty peer rewrote the request: %q", got)
	}
}

func TestFrameWriteToRoundtrip(t *testing.T) {
	raw := []byte("PUT /res HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nbody")
	f, _ := ParseFrame(raw)
	var out bytes.Buffer
	if _, err := f.WriteTo(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != string(raw) {
		t.Errorf("roundtrip mismatch:\n%q\n%q", raw, out.String())
	}
}

func TestReadRequestWithBody(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\n\r\nhello world"
	r := bufio.NewReader(strings.NewReader(raw + "GET /next HTTP/1.1\r\n\r\n"))
	got, err := ReadRequest(r, 32*1024)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != raw {
		t.Errorf("request read mismatch: %q", got)
	}
	// the next pipelined request must still be readable
	next, err := ReadRequest(r, 32*1024)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !strings.HasPrefix(string(next), "GET /next") {
		t.Errorf("pipelined request mangled: %q", next)
	}
}

func TestReadRequestHeaderTooLarge(t *testing.T) {
	huge := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Pad: aaaaaaaa\r\n", 1000)
	if _, err := ReadRequest(bufio.NewReader(strings.NewReader(huge)), 1024); err == nil {
		t.Fatal("expected header size error")
	}
}
