// Package wire implements the length-prefixed framing used on the
// analyzer's stdio channel: a "Content-Length" header announcing the
// payload's byte length, a blank-line separator, then the payload.
// The framer carries no knowledge of payload contents.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var _separator = []byte("\r\n\r\n")

// Encode prefixes payload with a Content-Length header and separator.
func Encode(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+32)
	buf = append(buf, []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload)))...)
	return append(buf, payload...)
}

// Decode extracts every complete message present in buf and returns the
// unconsumed tail. A header block without a parseable Content-Length is
// skipped past its separator so a corrupt stream can never stall the
// reader; the corrupt unit is dropped.
func Decode(buf []byte) (msgs [][]byte, rest []byte) {
	rest = buf
	for {
		sep := bytes.Index(rest, _separator)
		if sep < 0 {
			return msgs, rest
		}

		length, ok := contentLength(rest[:sep])
		if !ok {
			rest = rest[sep+len(_separator):]
			continue
		}

		body := rest[sep+len(_separator):]
		if len(body) < length {
			return msgs, rest
		}

		msgs = append(msgs, body[:length:length])
		rest = body[length:]
	}
}

// contentLength parses a header block into a payload byte length.
func contentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
