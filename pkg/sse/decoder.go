// Package sse turns an arbitrarily-chunked event-stream body into an ordered
// sequence of logical frames. Frames are `data:`-prefixed lines; the literal
// [DONE] payload is the terminal sentinel and is never parsed as JSON.
package sse

import (
	"bytes"
	"io"
)

// TerminalSentinel is the literal payload that ends every stream.
const TerminalSentinel = "[DONE]"

// Frame is one decoded unit: a data payload, or the end-of-stream sentinel.
type Frame struct {
	Data     []byte
	Terminal bool
}

// Decoder reads frames from an event stream. It keeps a rolling buffer across
// reads: a trailing line with no terminator yet is retained for the next
// delivery, so no byte is ever dropped or double-processed and frame order
// exactly matches arrival order, no matter how the body is chunked.
type Decoder struct {
	r       io.Reader
	buf     []byte
	scratch []byte
	done    bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, scratch: make([]byte, 4096)}
}

// Next returns the next frame in arrival order. After the terminal sentinel
// or the end of the body it returns io.EOF.
func (d *Decoder) Next() (Frame, error) {
	for {
		for !d.done {
			i := bytes.IndexByte(d.buf, '\n')
			if i < 0 {
				break
			}
			line := d.buf[:i]
			d.buf = d.buf[i+1:]
			if frame, ok := d.frameFromLine(line); ok {
				return frame, nil
			}
		}

		if d.done {
			return Frame{}, io.EOF
		}

		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				// The body ended without a trailing newline; flush the
				// retained partial line.
				line := d.buf
				d.buf = nil
				d.done = true
				if frame, ok := d.frameFromLine(line); ok {
					return frame, nil
				}
				return Frame{}, io.EOF
			}
			return Frame{}, err
		}
	}
}

func (d *Decoder) frameFromLine(line []byte) (Frame, bool) {
	line = bytes.TrimRight(line, "\r")
	payload, ok := dataPayload(line)
	if !ok {
		return Frame{}, false
	}
	if bytes.Equal(payload, []byte(TerminalSentinel)) {
		d.done = true
		return Frame{Terminal: true}, true
	}
	return Frame{Data: append([]byte(nil), payload...)}, true
}

// dataPayload extracts the payload of a data-prefixed line. Blank lines,
// comments and other event-stream fields are not frames.
func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	payload := line[len("data:"):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return payload, true
}
