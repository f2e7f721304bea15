// Package sse encodes and parses text/event-stream frames.
//
// Only the subset used by pipewatch is produced: comment frames for
// connection and keep-alive signalling, and data frames carrying one JSON
// document each. The [Reader] accepts the full line format so that it can
// consume streams from other servers too.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Frames sent outside the data stream.
var (
	Connected = Comment("connected")
	KeepAlive = Comment("keep-alive")
)

// Comment returns a comment frame. Clients ignore comment frames; they keep
// intermediaries from closing an idle connection.
func Comment(text string) []byte {
	return []byte(": " + text + "\n\n")
}

// Data returns a data frame carrying payload. A payload containing newlines
// is split across several data lines, which the client joins back together.
func Data(payload []byte) []byte {
	var buf bytes.Buffer
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Frame is one dispatched block of an event stream.
type Frame struct {
	// Comments holds the text of every comment line in the block.
	Comments []string

	// Event is the event type, empty for the default "message" type.
	Event string

	ID string

	// Data is the joined data field, nil when the block had no data lines.
	Data []byte
}

// IsData reports whether the frame carried a payload.
func (f Frame) IsData() bool {
	return f.Data != nil
}

// Reader parses frames from an event stream.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next non-empty frame. It returns io.EOF once the stream
// ends; a trailing block without its terminating blank line is discarded.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    [][]byte
		hasData bool
		seen    bool
	)
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !seen {
				continue
			}
			if hasData {
				f.Data = bytes.Join(data, []byte("\n"))
				if f.Data == nil {
					f.Data = []byte{}
				}
			}
			return f, nil
		}
		seen = true

		if strings.HasPrefix(line, ":") {
			f.Comments = append(f.Comments, strings.TrimPrefix(strings.TrimPrefix(line, ":"), " "))
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			hasData = true
			data = append(data, []byte(value))
		case "event":
			f.Event = value
		case "id":
			f.ID = value
		}
	}
}
