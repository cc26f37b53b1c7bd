package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ReadRequest reads exactly one HTTP/1.x request from r: it accumulates
// lines until the header terminator, then reads a Content-Length body if one
// is declared. The raw bytes are returned unmodified so the whole request
// can travel as a single relay message. max bounds the header section.
func ReadRequest(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for !hasHeaderEnd(buf) {
		if len(buf) > max {
			return nil, fmt.Errorf("header too large (%d>%d)", len(buf), max)
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			buf = append(buf, line...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
	want := contentLength(buf)
	have := bodyBytes(buf)
	for have < want {
		chunk := make([]byte, want-have)
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			have += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			return nil, err
		}
	}
	return buf, nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.Contains(b, []byte("\r\n\r\n")) || bytes.Contains(b, []byte("\n\n"))
}

func contentLength(buf []byte) int {
	f, _ := ParseFrame(buf)
	n, err := strconv.Atoi(f.Get("Content-Length"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func bodyBytes(buf []byte) int {
	_, body := splitHeaderBody(buf)
	return len(body)
}
