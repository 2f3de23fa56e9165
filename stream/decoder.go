// Package stream implements the Aviary event-stream wire format: SSE-style
// text frames separated by a blank line, decoded incrementally from arbitrary
// byte chunkings.
package stream

import (
	"bytes"
	"strconv"
	"strings"
)

// DoneSentinel is the literal payload marking explicit stream termination,
// distinct from a network close.
const DoneSentinel = "[DONE]"

// Frame is one decoded stream frame.
type Frame struct {
	// Event is the frame's event field, if any.
	Event string
	// ID is the frame's id field, if any.
	ID string
	// Retry is the frame's retry field in milliseconds, 0 if absent.
	Retry int
	// Data is the frame's data payload. Multiple data lines are joined
	// with a newline.
	Data string
}

// IsDone reports whether the frame carries the termination sentinel.
func (f Frame) IsDone() bool {
	return f.Data == DoneSentinel
}

// Decoder assembles frames from an incrementally received byte stream.
// A partial frame at the end of one Feed is retained and completed by the
// next, so any chunking of the same bytes decodes to the same frames.
//
// Not safe for concurrent use; a stream has a single reader.
type Decoder struct {
	buf []byte

	event     string
	id        string
	retry     int
	dataLines []string
	sawField  bool
}

// Feed appends chunk to the decoder's buffer and returns all frames completed
// by it, in order.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			// Partial line, wait for more bytes.
			return frames
		}
		line := string(bytes.TrimSuffix(d.buf[:idx], []byte("\r")))
		d.buf = d.buf[idx+1:]

		if frame, ok := d.line(line); ok {
			frames = append(frames, frame)
		}
	}
}

// line consumes one complete line, returning a finished frame on a blank line.
func (d *Decoder) line(line string) (Frame, bool) {
	if line == "" {
		if !d.sawField {
			return Frame{}, false
		}
		frame := Frame{
			Event: d.event,
			ID:    d.id,
			Retry: d.retry,
			Data:  strings.Join(d.dataLines, "\n"),
		}
		d.event = ""
		d.id = ""
		d.retry = 0
		d.dataLines = nil
		d.sawField = false
		return frame, true
	}

	// Comment lines start with a colon and are ignored.
	if strings.HasPrefix(line, ":") {
		return Frame{}, false
	}

	field, value := splitField(line)
	switch field {
	case "data":
		d.dataLines = append(d.dataLines, value)
		d.sawField = true
	case "event":
		d.event = value
		d.sawField = true
	case "id":
		d.id = value
		d.sawField = true
	case "retry":
		if ms, err := strconv.Atoi(value); err == nil {
			d.retry = ms
		}
		d.sawField = true
	}
	// Unknown fields are ignored.
	return Frame{}, false
}

// splitField splits "field:value", stripping one leading space from the value.
func splitField(line string) (string, string) {
	field, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return field, strings.TrimPrefix(value, " ")
}
