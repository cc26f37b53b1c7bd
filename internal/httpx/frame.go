package httpx

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Header is a single HTTP header field, case preserved as seen on the wire.
type Header struct {
	Name  string
	Value string
}

// Frame is a parsed HTTP/1.x request carried inside one relay message.
// Headers keep wire order; duplicate names keep the first occurrence.
type Frame struct {
	Method  string
	Path    string
	Proto   string
	Headers []Header
	Body    []byte
}

// DefaultFrame is the documented substitution for unparseable input: rather
// than rejecting a malformed request and killing the session, the translator
// forwards GET / with no headers. Liveness over correctness on bad input;
// see ParseFrame.
func DefaultFrame() *Frame {
	return &Frame{Method: "GET", Path: "/", Proto: "HTTP/1.1"}
}

// Get returns the first value for name (case-insensitive) or empty.
func (f *Frame) Get(name string) string {
	for _, h := range f.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Set replaces the first header named name, dropping any later duplicates,
// or appends when absent. Replacement, not duplication, is the contract for
// the forwarding rewrites.
func (f *Frame) Set(name, value string) {
	out := f.Headers[:0]
	replaced := false
	for _, h := range f.Headers {
		if strings.EqualFold(h.Name, name) {
			if !replaced {
				out = append(out, Header{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	f.Headers = out
}

// Del removes all headers named name (case-insensitive).
func (f *Frame) Del(name string) {
	out := f.Headers[:0]
	for _, h := range f.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	f.Headers = out
}

// ParseFrame parses raw request text by naive line splitting: request line,
// "Key: Value" lines until a blank line, remainder is body. It never fails;
// input without a recognizable method and path yields DefaultFrame. Callers
// that care can compare against DefaultFrame via the Fallback return.
func ParseFrame(raw []byte) (f *Frame, fallback bool) {
	headerPart, body := splitHeaderBody(raw)
	lines := splitLines(headerPart)
	if len(lines) == 0 {
		return DefaultFrame(), true
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 || fields[0] == "" || !strings.HasPrefix(fields[1], "/") {
		return DefaultFrame(), true
	}
	f = &Frame{Method: fields[0], Path: fields[1], Proto: "HTTP/1.1"}
	if len(fields) >= 3 {
		f.Proto = fields[2]
	}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed header lines
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		if f.Get(name) != "" {
			continue // duplicates keep the first occurrence
		}
		f.Headers = append(f.Headers, Header{Name: name, Value: value})
	}
	if len(body) > 0 {
		f.Body = append([]byte{}, body...)
	}
	return f, false
}

func splitHeaderBody(raw []byte) (header, body []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx != -1 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx != -1 {
		return raw[:idx], raw[idx+2:]
	}
	return raw, nil
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := strings.Split(string(b), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// AugmentForwarded stamps the originating peer address onto raw request
// bytes: appended to an existing X-Forwarded-For chain so the first hop is
// preserved, or starting one when absent. Unparseable input passes through
// untouched rather than being rewritten into the default frame.
func AugmentForwarded(raw []byte, peerIP string) []byte {
	if peerIP == "" {
		return raw
	}
	f, fallback := ParseFrame(raw)
	if fallback {
		return raw
	}
	if prior := f.Get("X-Forwarded-For"); prior != "" {
		f.Set("X-Forwarded-For", prior+", "+peerIP)
	} else {
		f.Set("X-Forwarded-For", peerIP)
	}
	var buf bytes.Buffer
	_, _ = f.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo serializes the frame back into request text.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(b []byte) error {
		n, err := w.Write(b)
		total += int64(n)
		return err
	}
	if err := write([]byte(fmt.Sprintf("%s %s %s\r\n", f.Method, f.Path, f.Proto))); err != nil {
		return total, err
	}
	for _, h := range f.Headers {
		if err := write([]byte(h.Name + ": " + h.Value + "\r\n")); err != nil {
			return total, err
		}
	}
	if err := write([]byte("\r\n")); err != nil {
		return total, err
	}
	if len(f.Body) > 0 {
		if err := write(f.Body); err != nil {
			return total, err
		}
	}
	return total, nil
}
