package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// StreamDecoder incrementally parses the upstream streaming body: a JSON
// array of objects delivered in arbitrary chunk boundaries. Feed returns
// every element completed so far; partial trailing elements stay buffered
// until more bytes arrive. The emitted elements are independent of how the
// byte stream was split.
type StreamDecoder struct {
	buf []byte
}

// ErrMalformedStream reports bytes that can never become a valid element.
var ErrMalformedStream = errors.New("malformed upstream stream")

// Feed appends a chunk and returns the JSON elements completed by it.
func (d *StreamDecoder) Feed(chunk []byte) ([]json.RawMessage, error) {
	d.buf = append(d.buf, chunk...)
	var out []json.RawMessage
	for {
		d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
		if len(d.buf) == 0 {
			return out, nil
		}
		// Array framing: opening bracket, element separators, and the
		// closing bracket are skipped, only elements are emitted.
		if d.buf[0] == '[' || d.buf[0] == ',' || d.buf[0] == ']' {
			d.buf = d.buf[1:]
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(d.buf))
		var elem json.RawMessage
		err := dec.Decode(&elem)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Incomplete element, await more bytes.
				return out, nil
			}
			return out, fmt.Errorf("%w: %v", ErrMalformedStream, err)
		}
		out = append(out, elem)
		d.buf = d.buf[dec.InputOffset():]
	}
}

// Buffered reports how many bytes await completion, for diagnostics.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}
